// Package deluge implements a client for the Deluge web UI JSON-RPC API.
package deluge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

var _ types.Client = (*Client)(nil)

// statusFields are the torrent status keys requested for a single task.
var statusFields = []string{
	"name", "state", "progress", "message", "save_path", "files",
	"ratio", "is_auto_managed", "stop_at_ratio", "stop_ratio",
	"total_size", "total_done", "is_finished",
}

type Client struct {
	config     types.BackendConfig
	httpClient *http.Client

	mu        sync.Mutex
	requestID int

	// authMu serializes re-login so concurrent calls hitting an expired
	// session do not log in over each other.
	authMu sync.Mutex
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
			Jar:     jar,
		},
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendDeluge
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, "daemon.get_version", []any{})
	return err
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if opts.URL != "" {
		return c.addURL(ctx, opts)
	}
	if len(opts.FileContent) > 0 {
		return c.addFile(ctx, opts)
	}
	return "", fmt.Errorf("either URL or FileContent must be provided")
}

func (c *Client) addURL(ctx context.Context, opts *types.AddOptions) (string, error) {
	options := c.addTorrentOptions(opts)

	method := "core.add_torrent_url"
	if strings.HasPrefix(opts.URL, "magnet:") {
		method = "core.add_torrent_magnet"
	}

	resp, err := c.call(ctx, method, []any{opts.URL, options})
	if err != nil {
		return "", err
	}

	hash, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type for %s", method)
	}

	c.applyLabel(ctx, hash, opts)
	return strings.ToLower(hash), nil
}

func (c *Client) addFile(ctx context.Context, opts *types.AddOptions) (string, error) {
	options := c.addTorrentOptions(opts)

	filename := "download.torrent"
	if opts.Name != "" {
		filename = opts.Name + ".torrent"
	}

	b64 := base64.StdEncoding.EncodeToString(opts.FileContent)
	resp, err := c.call(ctx, "core.add_torrent_file", []any{filename, b64, options})
	if err != nil {
		return "", err
	}

	hash, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type for add_torrent_file")
	}

	c.applyLabel(ctx, hash, opts)
	return strings.ToLower(hash), nil
}

func (c *Client) addTorrentOptions(opts *types.AddOptions) map[string]any {
	options := make(map[string]any)
	if opts.Paused {
		options["add_paused"] = true
	}
	dir := opts.DownloadDir
	if dir == "" {
		dir = c.config.DownloadDir
	}
	if dir != "" {
		options["download_location"] = dir
	}
	return options
}

func (c *Client) applyLabel(ctx context.Context, hash string, opts *types.AddOptions) {
	label := opts.Label
	if label == "" {
		label = c.config.Label
	}
	if label != "" {
		_, _ = c.call(ctx, "label.set_torrent", []any{strings.ToLower(hash), label})
	}
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	status, err := c.torrentStatus(ctx, id)
	if err != nil {
		return "", err
	}
	return getString(status, "name"), nil
}

func (c *Client) Files(ctx context.Context, id string) ([]types.FileEntry, error) {
	status, err := c.torrentStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	rawFiles, ok := status["files"].([]any)
	if !ok {
		return []types.FileEntry{}, nil
	}

	entries := make([]types.FileEntry, 0, len(rawFiles))
	for _, f := range rawFiles {
		file, ok := f.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, types.FileEntry{
			Name: getString(file, "path"),
			Size: strconv.FormatInt(int64(getFloat(file, "size")), 10),
		})
	}

	return entries, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	status, err := c.torrentStatus(ctx, id)
	if err != nil {
		return "", err
	}
	return getString(status, "save_path"), nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	status, err := c.torrentStatus(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}

	state := getString(status, "state")
	if state == "Error" {
		msg := getString(status, "message")
		if msg == "" {
			msg = "deluge reported an error"
		}
		return types.ErroredProgress(msg), nil
	}

	percent := int(getFloat(status, "progress"))
	downloaded := getBool(status, "is_finished") || percent >= 100

	// Auto-managed torrents pause themselves once the stop ratio is
	// reached; that is the only reliable seed-complete signal the web
	// API exposes.
	finished := downloaded &&
		getBool(status, "is_auto_managed") &&
		getBool(status, "stop_at_ratio") &&
		state == "Paused" &&
		getFloat(status, "ratio") >= getFloat(status, "stop_ratio")

	return types.KnownProgress(percent, downloaded, finished), nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.call(ctx, "core.pause_torrent", []any{[]string{strings.ToLower(id)}})
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) (bool, error) {
	resp, err := c.call(ctx, "core.remove_torrent", []any{strings.ToLower(id), deleteData})
	if err != nil {
		return false, err
	}
	removed, ok := resp.(bool)
	return ok && removed, nil
}

func (c *Client) torrentStatus(ctx context.Context, id string) (map[string]any, error) {
	resp, err := c.call(ctx, "web.get_torrent_status", []any{strings.ToLower(id), statusFields})
	if err != nil {
		return nil, err
	}

	status, ok := resp.(map[string]any)
	if !ok || len(status) == 0 {
		return nil, types.ErrNotFound
	}

	return status, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	// A fresh login overwrites the stale session cookie in the jar; the
	// jar itself is never swapped so in-flight requests stay safe.
	resp, err := c.doCall(ctx, "auth.login", []any{c.config.Password})
	if err != nil {
		return err
	}

	success, ok := resp.(bool)
	if !ok || !success {
		return types.ErrAuthFailed
	}

	connected, err := c.doCall(ctx, "web.connected", []any{})
	if err != nil {
		return err
	}

	isConnected, ok := connected.(bool)
	if !ok {
		return fmt.Errorf("unexpected response from web.connected")
	}

	if isConnected {
		return nil
	}

	return c.connectToDaemon(ctx)
}

func (c *Client) connectToDaemon(ctx context.Context) error {
	hostsResp, err := c.doCall(ctx, "web.get_hosts", []any{})
	if err != nil {
		return err
	}

	hosts, ok := hostsResp.([]any)
	if !ok {
		return fmt.Errorf("unexpected response from web.get_hosts")
	}

	hostID := findLocalHostID(hosts)
	if hostID == "" {
		return fmt.Errorf("no local daemon found")
	}

	_, err = c.doCall(ctx, "web.connect", []any{hostID})
	return err
}

func findLocalHostID(hosts []any) string {
	for _, h := range hosts {
		host, ok := h.([]any)
		if !ok || len(host) < 2 {
			continue
		}
		id, _ := host[0].(string)
		ip, _ := host[1].(string)
		if id != "" && ip == "127.0.0.1" {
			return id
		}
	}
	return ""
}

// call performs an RPC and retries once after re-authenticating when the
// web UI reports an expired session (error codes 1 and 2).
func (c *Client) call(ctx context.Context, method string, params []any) (any, error) {
	result, err := c.doCall(ctx, method, params)
	if err != nil {
		if isAuthError(err) {
			if authErr := c.authenticate(ctx); authErr != nil {
				return nil, authErr
			}
			return c.doCall(ctx, method, params)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) doCall(ctx context.Context, method string, params []any) (any, error) {
	c.mu.Lock()
	c.requestID++
	id := c.requestID
	c.mu.Unlock()

	reqBody := map[string]any{
		"method": method,
		"params": params,
		"id":     id,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp struct {
		Result any              `json:"result"`
		Error  *json.RawMessage `json:"error"`
		ID     int              `json:"id"`
	}

	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, c.parseRPCError(*rpcResp.Error)
	}

	return rpcResp.Result, nil
}

func (c *Client) buildURL() string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}

	urlPath := "/json"
	if c.config.URLBase != "" {
		urlPath = "/" + strings.Trim(c.config.URLBase, "/") + "/json"
	}

	return fmt.Sprintf("%s://%s:%d%s", scheme, c.config.Host, c.config.Port, urlPath)
}

func (c *Client) parseRPCError(raw json.RawMessage) error {
	var errObj struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(raw, &errObj); err == nil {
		if errObj.Code == 1 || errObj.Code == 2 {
			return &authError{msg: errObj.Message}
		}
		return fmt.Errorf("RPC error: %s (code %d)", errObj.Message, errObj.Code)
	}
	return fmt.Errorf("RPC error: %s", string(raw))
}

type authError struct {
	msg string
}

func (e *authError) Error() string {
	return e.msg
}

func isAuthError(err error) bool {
	var authErr *authError
	return errors.As(err, &authErr)
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
