// Package qbittorrent implements a client for the qBittorrent Web API v2.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

var _ types.Client = (*Client)(nil)

type Client struct {
	config     types.BackendConfig
	httpClient *http.Client
	baseURL    string

	mu       sync.Mutex
	loggedIn bool
}

type torrentInfo struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"` // fraction 0..1
	SavePath string  `json:"save_path"`
	Ratio    float64 `json:"ratio"`
	MaxRatio float64 `json:"max_ratio"`
}

type torrentFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type preferences struct {
	MaxRatioEnabled bool    `json:"max_ratio_enabled"`
	MaxRatio        float64 `json:"max_ratio"`
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	jar, _ := cookiejar.New(nil)

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
			Jar:     jar,
		},
		baseURL: base + "/api/v2",
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendQBittorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	_, err := c.get(ctx, "/app/version", nil)
	return err
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("qBittorrent adds require a URL or magnet link")
	}

	form := url.Values{}
	form.Set("urls", opts.URL)

	dir := opts.DownloadDir
	if dir == "" {
		dir = c.config.DownloadDir
	}
	if dir != "" {
		form.Set("savepath", dir)
	}

	label := opts.Label
	if label == "" {
		label = c.config.Label
	}
	if label != "" {
		form.Set("category", label)
	}

	if opts.Paused {
		form.Set("paused", "true")
	}

	if _, err := c.postForm(ctx, "/torrents/add", form); err != nil {
		return "", err
	}

	return extractMagnetHash(opts.URL), nil
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	info, err := c.torrent(ctx, id)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

func (c *Client) Files(ctx context.Context, id string) ([]types.FileEntry, error) {
	body, err := c.get(ctx, "/torrents/files", url.Values{"hash": {strings.ToLower(id)}})
	if err != nil {
		return nil, err
	}

	var files []torrentFile
	if err := json.Unmarshal(body, &files); err != nil {
		return nil, fmt.Errorf("failed to decode file list: %w", err)
	}

	entries := make([]types.FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, types.FileEntry{
			Name: f.Name,
			Size: strconv.FormatInt(f.Size, 10),
		})
	}

	return entries, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	info, err := c.torrent(ctx, id)
	if err != nil {
		return "", err
	}
	return info.SavePath, nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	info, err := c.torrent(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}

	switch info.State {
	case "error", "missingFiles":
		return types.ErroredProgress(fmt.Sprintf("qBittorrent state %q for %s", info.State, info.Name)), nil
	}

	percent := int(info.Progress * 100)
	downloaded := info.Progress >= 1

	finished := false
	if downloaded && (info.State == "pausedUP" || info.State == "stoppedUP") {
		finished = c.ratioReached(ctx, info)
	}

	return types.KnownProgress(percent, downloaded, finished), nil
}

// ratioReached checks the seed goal: a per-torrent ratio limit when one
// is set, the global limit otherwise. A paused upload with no ratio
// limit configured counts as finished.
func (c *Client) ratioReached(ctx context.Context, info *torrentInfo) bool {
	if info.MaxRatio > 0 {
		return info.Ratio >= info.MaxRatio
	}

	body, err := c.get(ctx, "/app/preferences", nil)
	if err != nil {
		return false
	}

	var prefs preferences
	if err := json.Unmarshal(body, &prefs); err != nil {
		return false
	}

	if !prefs.MaxRatioEnabled {
		return true
	}
	return info.Ratio >= prefs.MaxRatio
}

func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.postForm(ctx, "/torrents/pause", url.Values{"hashes": {strings.ToLower(id)}})
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) (bool, error) {
	form := url.Values{
		"hashes":      {strings.ToLower(id)},
		"deleteFiles": {strconv.FormatBool(deleteData)},
	}
	if _, err := c.postForm(ctx, "/torrents/delete", form); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) torrent(ctx context.Context, id string) (*torrentInfo, error) {
	body, err := c.get(ctx, "/torrents/info", url.Values{"hashes": {strings.ToLower(id)}})
	if err != nil {
		return nil, err
	}

	var infos []torrentInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("failed to decode torrent info: %w", err)
	}

	if len(infos) == 0 {
		return nil, types.ErrNotFound
	}

	return &infos[0], nil
}

func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	form := url.Values{
		"username": {c.config.Username},
		"password": {c.config.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK || strings.HasPrefix(string(body), "Fails") {
		return types.ErrAuthFailed
	}

	c.loggedIn = true
	return nil
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()

	if loggedIn {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	build := func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	}

	req, err := build()
	if err != nil {
		return nil, err
	}

	return c.do(ctx, req, build)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	req, err := build()
	if err != nil {
		return nil, err
	}

	return c.do(ctx, req, build)
}

// do executes a request and retries once after a fresh login when the
// session cookie has expired (403).
func (c *Client) do(ctx context.Context, req *http.Request, rebuild func() (*http.Request, error)) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		retry, buildErr := rebuild()
		if buildErr != nil {
			return nil, buildErr
		}
		resp, err = c.httpClient.Do(retry)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func extractMagnetHash(magnetURL string) string {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return ""
	}

	xt := u.Query().Get("xt")
	if !strings.HasPrefix(xt, "urn:btih:") {
		return ""
	}

	return strings.ToLower(strings.TrimPrefix(xt, "urn:btih:"))
}
