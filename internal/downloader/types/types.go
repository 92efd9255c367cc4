// Package types defines shared types for download backends.
package types

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by download backends.
var (
	ErrNotImplemented = errors.New("operation not implemented")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrNotFound       = errors.New("download not found")
)

// Protocol represents the transfer protocol a backend speaks.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
	ProtocolDirect  Protocol = "direct"
)

// Backend identifies a download backend. The set is closed: adding a
// backend means adding a client package and a registry entry.
type Backend string

const (
	BackendTransmission Backend = "transmission"
	BackendQBittorrent  Backend = "qbittorrent"
	BackendDeluge       Backend = "deluge"
	BackendRTorrent     Backend = "rtorrent"
	BackendUTorrent     Backend = "utorrent"
	BackendSynology     Backend = "synology"
	BackendSABnzbd      Backend = "sabnzbd"
	BackendNZBGet       Backend = "nzbget"
	BackendDirect       Backend = "direct"
	BackendIRC          Backend = "irc"
	BackendBlackhole    Backend = "blackhole"
)

// AllBackends lists every known backend.
var AllBackends = []Backend{
	BackendTransmission, BackendQBittorrent, BackendDeluge, BackendRTorrent,
	BackendUTorrent, BackendSynology, BackendSABnzbd, BackendNZBGet,
	BackendDirect, BackendIRC, BackendBlackhole,
}

// ProtocolForBackend returns the protocol for a given backend.
func ProtocolForBackend(backend Backend) Protocol {
	switch backend {
	case BackendTransmission, BackendQBittorrent, BackendDeluge,
		BackendRTorrent, BackendUTorrent, BackendSynology:
		return ProtocolTorrent
	case BackendSABnzbd, BackendNZBGet:
		return ProtocolUsenet
	case BackendDirect, BackendIRC, BackendBlackhole:
		return ProtocolDirect
	default:
		return ""
	}
}

// Valid reports whether backend names a known backend.
func (b Backend) Valid() bool {
	return ProtocolForBackend(b) != ""
}

// IsTorrent reports whether the backend manages seeding torrents.
func (b Backend) IsTorrent() bool {
	return ProtocolForBackend(b) == ProtocolTorrent
}

// BackendConfig holds common configuration for all download backends.
type BackendConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	UseSSL      bool
	APIKey      string // for backends using API keys (SABnzbd)
	Label       string // default category/label for downloads
	URLBase     string // path prefix for reverse-proxied installs
	DownloadDir string // default destination directory
	Timeout     time.Duration
}

// HTTPTimeout returns the configured network timeout, defaulting to 30s.
func (c *BackendConfig) HTTPTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// AddOptions specifies options for handing a snatch to a backend.
type AddOptions struct {
	URL         string // URL to torrent/nzb file or magnet link
	FileContent []byte // raw torrent/nzb file content

	Name        string // display name for the download
	DownloadDir string // override default destination
	Label       string // category/label override
	Paused      bool   // add in paused state
}

// FileEntry is one file inside a download, as the backend reports it.
// Size is kept as the raw wire value: some backends report byte counts,
// others humanized strings, and a few report nothing usable.
type FileEntry struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

// Progress is a backend's answer for a single task.
//
// Downloaded means the payload is fully fetched; Finished means the task
// is completely done from the backend's point of view (seed criteria met
// for torrents, unpack complete for usenet) and is safe to remove. The
// two are reported separately because a torrent sits between them while
// it seeds.
type Progress struct {
	Percent    int  // 0-100, or -1 when the backend cannot say
	Downloaded bool
	Finished   bool

	// Errored is set when the backend itself reports the task as failed.
	// Message carries the backend's diagnostic.
	Errored bool
	Message string
}

// KnownProgress clamps percent into [-1, 100] and returns a plain result.
func KnownProgress(percent int, downloaded, finished bool) Progress {
	if percent > 100 {
		percent = 100
	}
	if percent < -1 {
		percent = -1
	}
	return Progress{Percent: percent, Downloaded: downloaded, Finished: finished}
}

// ErroredProgress returns a result for a task the backend reports as failed.
func ErroredProgress(message string) Progress {
	return Progress{Percent: -1, Errored: true, Message: message}
}

// Client is the capability interface every backend implements.
//
// Every method is bounded by the configured network timeout and returns
// transport failures as errors; ErrNotFound means the backend answered
// and definitively does not know the task.
type Client interface {
	Backend() Backend
	Protocol() Protocol

	// Test verifies connectivity and credentials.
	Test(ctx context.Context) error

	// Add hands a snatch to the backend and returns its download ID.
	Add(ctx context.Context, opts *AddOptions) (string, error)

	// Name returns the backend's display name for the task, or "" when
	// the backend does not track names.
	Name(ctx context.Context, id string) (string, error)

	// Files returns the backend's file listing for the task. Backends
	// without per-file visibility return an empty list and no error.
	Files(ctx context.Context, id string) ([]FileEntry, error)

	// Folder returns the destination directory once the backend knows
	// it, or "" before then.
	Folder(ctx context.Context, id string) (string, error)

	// Progress reports completion state for the task.
	Progress(ctx context.Context, id string) (Progress, error)

	// Pause suspends the task.
	Pause(ctx context.Context, id string) error

	// Remove deletes the task, optionally with its downloaded data.
	// The bool reports whether the backend actually removed anything.
	Remove(ctx context.Context, id string, deleteData bool) (bool, error)
}
