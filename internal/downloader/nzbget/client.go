// Package nzbget implements a client for the NZBGet JSON-RPC API.
//
// NZBGet reports sizes as pairs of 32-bit halves (FileSizeLo/FileSizeHi)
// for compatibility with its C++ RPC layer; progress is computed from
// those byte counters, not a percentage field.
package nzbget

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

var _ types.Client = (*Client)(nil)

type Client struct {
	config     types.BackendConfig
	httpClient *http.Client
	rpcURL     string
}

type group struct {
	NZBID           int    `json:"NZBID"`
	NZBName         string `json:"NZBName"`
	Status          string `json:"Status"`
	DestDir         string `json:"DestDir"`
	FileSizeLo      int64  `json:"FileSizeLo"`
	FileSizeHi      int64  `json:"FileSizeHi"`
	RemainingSizeLo int64  `json:"RemainingSizeLo"`
	RemainingSizeHi int64  `json:"RemainingSizeHi"`
}

type historyEntry struct {
	NZBID   int    `json:"NZBID"`
	Name    string `json:"Name"`
	Status  string `json:"Status"`
	DestDir string `json:"DestDir"`
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	base := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	if cfg.URLBase != "" {
		base += "/" + strings.Trim(cfg.URLBase, "/")
	}

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
		rpcURL: base + "/jsonrpc",
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendNZBGet
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

func (c *Client) Test(ctx context.Context) error {
	var version string
	if err := c.call(ctx, "version", nil, &version); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("unexpected version response from NZBGet")
	}
	return nil
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	name := opts.Name
	if name == "" {
		name = "download"
	}
	if !strings.HasSuffix(name, ".nzb") {
		name += ".nzb"
	}

	var content string
	switch {
	case len(opts.FileContent) > 0:
		content = base64.StdEncoding.EncodeToString(opts.FileContent)
	case opts.URL != "":
		// append accepts a URL in place of base64 content.
		content = opts.URL
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	label := opts.Label
	if label == "" {
		label = c.config.Label
	}

	params := []any{name, content, label, 0, false, opts.Paused, "", 0, "SCORE"}

	var nzbID int
	if err := c.call(ctx, "append", params, &nzbID); err != nil {
		return "", err
	}
	if nzbID <= 0 {
		return "", fmt.Errorf("NZBGet rejected the NZB")
	}

	return strconv.Itoa(nzbID), nil
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	if g, err := c.findGroup(ctx, id); err != nil {
		return "", err
	} else if g != nil {
		return g.NZBName, nil
	}

	h, err := c.findHistory(ctx, id)
	if err != nil {
		return "", err
	}
	if h == nil {
		return "", types.ErrNotFound
	}
	return h.Name, nil
}

// Files returns an empty list: NZBGet jobs are validated on disk after
// unpack, not from the article listing.
func (c *Client) Files(_ context.Context, _ string) ([]types.FileEntry, error) {
	return []types.FileEntry{}, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	if g, err := c.findGroup(ctx, id); err != nil {
		return "", err
	} else if g != nil {
		return g.DestDir, nil
	}

	h, err := c.findHistory(ctx, id)
	if err != nil {
		return "", err
	}
	if h == nil {
		return "", types.ErrNotFound
	}
	return h.DestDir, nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	if g, err := c.findGroup(ctx, id); err != nil {
		return types.Progress{}, err
	} else if g != nil {
		total := combine(g.FileSizeHi, g.FileSizeLo)
		remaining := combine(g.RemainingSizeHi, g.RemainingSizeLo)

		percent := -1
		if total > 0 {
			percent = int((total - remaining) * 100 / total)
		}
		return types.KnownProgress(percent, false, false), nil
	}

	h, err := c.findHistory(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}
	if h == nil {
		return types.Progress{}, types.ErrNotFound
	}

	// History statuses look like "SUCCESS/ALL", "WARNING/SCRIPT",
	// "FAILURE/PAR". The family before the slash is what matters.
	family, _, _ := strings.Cut(h.Status, "/")
	switch family {
	case "SUCCESS", "WARNING":
		return types.KnownProgress(100, true, true), nil
	case "FAILURE", "DELETED":
		return types.ErroredProgress(fmt.Sprintf("NZBGet status %s for %s", h.Status, h.Name)), nil
	default:
		// Still post-processing.
		return types.KnownProgress(99, true, false), nil
	}
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.editQueue(ctx, "GroupPause", id)
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) (bool, error) {
	if g, err := c.findGroup(ctx, id); err != nil {
		return false, err
	} else if g != nil {
		command := "GroupDelete"
		if deleteData {
			command = "GroupFinalDelete"
		}
		if err := c.editQueue(ctx, command, id); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := c.editQueue(ctx, "HistoryFinalDelete", id); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) editQueue(ctx context.Context, command, id string) error {
	nzbID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid NZBGet id %q: %w", id, err)
	}

	var ok bool
	if err := c.call(ctx, "editqueue", []any{command, "", []int{nzbID}}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("editqueue %s refused for id %s", command, id)
	}
	return nil
}

func (c *Client) findGroup(ctx context.Context, id string) (*group, error) {
	nzbID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid NZBGet id %q: %w", id, err)
	}

	var groups []group
	if err := c.call(ctx, "listgroups", nil, &groups); err != nil {
		return nil, err
	}

	for i := range groups {
		if groups[i].NZBID == nzbID {
			return &groups[i], nil
		}
	}
	return nil, nil
}

func (c *Client) findHistory(ctx context.Context, id string) (*historyEntry, error) {
	nzbID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid NZBGet id %q: %w", id, err)
	}

	var entries []historyEntry
	if err := c.call(ctx, "history", nil, &entries); err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].NZBID == nzbID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     1,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return types.ErrAuthFailed
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return fmt.Errorf("RPC error: %s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}

	return nil
}

// combine reassembles a 64-bit byte count from NZBGet's Hi/Lo halves.
func combine(hi, lo int64) int64 {
	return hi<<32 | lo
}
