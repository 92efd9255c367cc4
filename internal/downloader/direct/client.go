// Package direct implements the backends that have no remote daemon to
// talk to: direct HTTP drops, IRC transfers and blackhole folders. All
// three hand the payload off immediately, so progress is derived from
// whether the work record still exists rather than from a backend query.
package direct

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

// RecordChecker reports whether an active work record exists for a
// download id. The snatch store satisfies this.
type RecordChecker interface {
	HasActiveRecord(ctx context.Context, backend types.Backend, id string) (bool, error)
}

var _ types.Client = (*Client)(nil)

type Client struct {
	backend types.Backend
	config  types.BackendConfig
	records RecordChecker
	log     zerolog.Logger
}

// NewFromConfig builds a client for one of the manual backends. backend
// must be direct, irc or blackhole.
func NewFromConfig(backend types.Backend, cfg *types.BackendConfig, records RecordChecker, log zerolog.Logger) *Client {
	return &Client{
		backend: backend,
		config:  *cfg,
		records: records,
		log:     log.With().Str("component", "downloader").Str("backend", string(backend)).Logger(),
	}
}

func (c *Client) Backend() types.Backend {
	return c.backend
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolDirect
}

// Test checks the drop folder for blackhole and is a no-op otherwise.
func (c *Client) Test(_ context.Context) error {
	if c.backend != types.BackendBlackhole {
		return nil
	}

	info, err := os.Stat(c.config.DownloadDir)
	if err != nil {
		return fmt.Errorf("blackhole folder %s: %w", c.config.DownloadDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blackhole folder %s is not a directory", c.config.DownloadDir)
	}
	return nil
}

// Add assigns a fresh download id. For blackhole it also writes the
// payload into the drop folder for the external client to pick up.
func (c *Client) Add(_ context.Context, opts *types.AddOptions) (string, error) {
	id := uuid.NewString()

	if c.backend == types.BackendBlackhole {
		if len(opts.FileContent) == 0 {
			return "", fmt.Errorf("blackhole adds require file content")
		}

		name := opts.Name
		if name == "" {
			name = id
		}
		path := filepath.Join(c.config.DownloadDir, sanitizeFilename(name))
		if err := os.WriteFile(path, opts.FileContent, 0o644); err != nil {
			return "", fmt.Errorf("failed to write to blackhole folder: %w", err)
		}
		c.log.Debug().Str("path", path).Msg("dropped payload into blackhole folder")
	}

	return id, nil
}

// Name returns "": manual backends have no listing, so the caller falls
// back to the work record title.
func (c *Client) Name(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (c *Client) Files(_ context.Context, _ string) ([]types.FileEntry, error) {
	return []types.FileEntry{}, nil
}

func (c *Client) Folder(_ context.Context, _ string) (string, error) {
	return c.config.DownloadDir, nil
}

// Progress reports 100/finished while an active work record exists and
// ErrNotFound once it is gone. There is nothing to poll.
func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	exists, err := c.records.HasActiveRecord(ctx, c.backend, id)
	if err != nil {
		return types.Progress{}, err
	}
	if !exists {
		return types.Progress{}, types.ErrNotFound
	}
	return types.KnownProgress(100, true, true), nil
}

func (c *Client) Pause(_ context.Context, _ string) error {
	return types.ErrNotImplemented
}

// Remove succeeds trivially for direct and IRC drops. A blackhole task
// belongs to whatever client watches the folder, so removal always
// fails and the operator is warned to clean it up there.
func (c *Client) Remove(_ context.Context, id string, _ bool) (bool, error) {
	if c.backend == types.BackendBlackhole {
		c.log.Warn().
			Str("id", id).
			Msg("blackhole tasks must be removed in the external download client")
		return false, nil
	}
	return true, nil
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(name)
}
