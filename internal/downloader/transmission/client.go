// Package transmission implements a client for the Transmission RPC API.
//
// Transmission issues a CSRF session token via the X-Transmission-Session-Id
// header: the first call (and any call after the daemon restarts) comes
// back 409 with a fresh token, and is retried once.
package transmission

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
	"sync"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

var _ types.Client = (*Client)(nil)

const sessionHeader = "X-Transmission-Session-Id"

// Transmission status codes (TR_STATUS_*).
const (
	statusStopped = 0
)

// torrentFields are the torrent-get fields this client consumes.
var torrentFields = []string{
	"hashString", "name", "status", "percentDone", "downloadDir",
	"errorString", "isFinished", "uploadRatio", "files",
}

type Client struct {
	config     types.BackendConfig
	httpClient *http.Client
	rpcURL     string

	mu        sync.Mutex
	sessionID string
}

type rpcRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type torrentRecord struct {
	HashString  string  `json:"hashString"`
	Name        string  `json:"name"`
	Status      int     `json:"status"`
	PercentDone float64 `json:"percentDone"` // fraction 0..1
	DownloadDir string  `json:"downloadDir"`
	ErrorString string  `json:"errorString"`
	IsFinished  bool    `json:"isFinished"`
	UploadRatio float64 `json:"uploadRatio"`
	Files       []struct {
		Name   string `json:"name"`
		Length int64  `json:"length"`
	} `json:"files"`
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	urlBase := cfg.URLBase
	if urlBase == "" {
		urlBase = "/transmission/"
	}
	urlBase = "/" + strings.Trim(urlBase, "/")

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
		rpcURL: fmt.Sprintf("%s://%s:%d%s/rpc", scheme, cfg.Host, cfg.Port, urlBase),
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendTransmission
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	resp, err := c.call(ctx, "session-get", nil)
	if err != nil {
		return err
	}

	var session struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(resp, &session); err != nil {
		return fmt.Errorf("unexpected session-get response: %w", err)
	}
	return nil
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	args := map[string]any{}

	switch {
	case opts.URL != "":
		args["filename"] = opts.URL
	case len(opts.FileContent) > 0:
		args["metainfo"] = base64.StdEncoding.EncodeToString(opts.FileContent)
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	dir := opts.DownloadDir
	if dir == "" {
		dir = c.config.DownloadDir
	}
	if dir != "" {
		args["download-dir"] = dir
	}
	if opts.Paused {
		args["paused"] = true
	}

	resp, err := c.call(ctx, "torrent-add", args)
	if err != nil {
		return "", err
	}

	var added struct {
		TorrentAdded *struct {
			HashString string `json:"hashString"`
		} `json:"torrent-added"`
		TorrentDuplicate *struct {
			HashString string `json:"hashString"`
		} `json:"torrent-duplicate"`
	}
	if err := json.Unmarshal(resp, &added); err != nil {
		return "", fmt.Errorf("unexpected torrent-add response: %w", err)
	}

	switch {
	case added.TorrentAdded != nil:
		return strings.ToLower(added.TorrentAdded.HashString), nil
	case added.TorrentDuplicate != nil:
		return strings.ToLower(added.TorrentDuplicate.HashString), nil
	default:
		return "", fmt.Errorf("torrent-add returned no torrent")
	}
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	torrent, err := c.torrent(ctx, id)
	if err != nil {
		return "", err
	}
	return torrent.Name, nil
}

func (c *Client) Files(ctx context.Context, id string) ([]types.FileEntry, error) {
	torrent, err := c.torrent(ctx, id)
	if err != nil {
		return nil, err
	}

	entries := make([]types.FileEntry, 0, len(torrent.Files))
	for _, f := range torrent.Files {
		entries = append(entries, types.FileEntry{
			Name: f.Name,
			Size: strconv.FormatInt(f.Length, 10),
		})
	}

	return entries, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	torrent, err := c.torrent(ctx, id)
	if err != nil {
		return "", err
	}
	return torrent.DownloadDir, nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	torrent, err := c.torrent(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}

	if torrent.ErrorString != "" {
		return types.ErroredProgress(torrent.ErrorString), nil
	}

	percent := int(torrent.PercentDone * 100)
	downloaded := torrent.PercentDone >= 1

	// Stopped means Transmission is done with the torrent; isFinished
	// is set once the seed ratio limit is hit.
	finished := downloaded && (torrent.Status == statusStopped || torrent.IsFinished)

	return types.KnownProgress(percent, downloaded, finished), nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.call(ctx, "torrent-stop", map[string]any{
		"ids": []string{strings.ToLower(id)},
	})
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) (bool, error) {
	_, err := c.call(ctx, "torrent-remove", map[string]any{
		"ids":               []string{strings.ToLower(id)},
		"delete-local-data": deleteData,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) torrent(ctx context.Context, id string) (*torrentRecord, error) {
	resp, err := c.call(ctx, "torrent-get", map[string]any{
		"ids":    []string{strings.ToLower(id)},
		"fields": torrentFields,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Torrents []torrentRecord `json:"torrents"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unexpected torrent-get response: %w", err)
	}

	if len(result.Torrents) == 0 {
		return nil, types.ErrNotFound
	}

	return &result.Torrents[0], nil
}

func (c *Client) call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	resp, retry, err := c.doCall(ctx, method, args)
	if err != nil {
		return nil, err
	}
	if retry {
		resp, _, err = c.doCall(ctx, method, args)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// doCall performs one RPC round trip. A 409 stores the fresh session
// token and asks the caller to retry.
func (c *Client) doCall(ctx context.Context, method string, args map[string]any) (json.RawMessage, bool, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict:
		c.mu.Lock()
		c.sessionID = resp.Header.Get(sessionHeader)
		c.mu.Unlock()
		return nil, true, nil
	case http.StatusUnauthorized:
		return nil, false, types.ErrAuthFailed
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Result != "success" {
		return nil, false, fmt.Errorf("RPC error: %s", rpcResp.Result)
	}

	return rpcResp.Arguments, false, nil
}
