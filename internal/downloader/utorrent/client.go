// Package utorrent implements a client for the uTorrent Web UI API.
//
// Every call is gated by a CSRF token scraped from /gui/token.html; the
// token is refetched once when a call comes back 400 or 401. Torrent
// listings are fixed-position JSON arrays, not objects.
package utorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

var _ types.Client = (*Client)(nil)

// Torrent list row positions, per the Web UI API.
const (
	rowHash     = 0
	rowStatus   = 1
	rowName     = 2
	rowSize     = 3
	rowPermille = 4
	rowFolder   = 26
)

// minRowFields is the smallest row we accept; shorter rows mean a Web
// UI build older than the API this client speaks.
const minRowFields = 5

// Status bitmask flags.
const (
	flagStarted = 1
	flagQueued  = 64
	flagError   = 16
)

type Client struct {
	config     types.BackendConfig
	httpClient *http.Client
	baseURL    string
	token      string
	tokenMu    sync.RWMutex
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	jar, _ := cookiejar.New(nil)

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	urlBase := cfg.URLBase
	if urlBase == "" {
		urlBase = "/gui/"
	}
	urlBase = "/" + strings.Trim(urlBase, "/") + "/"

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
			Jar:     jar,
		},
		baseURL: fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, urlBase),
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendUTorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	if err := c.fetchToken(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("action", "getsettings")
	_, err := c.doRequest(ctx, params)
	return err
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if len(opts.FileContent) > 0 {
		return c.addFile(ctx, opts)
	}
	if opts.URL != "" {
		return c.addURL(ctx, opts)
	}
	return "", fmt.Errorf("either URL or FileContent must be provided")
}

func (c *Client) addURL(ctx context.Context, opts *types.AddOptions) (string, error) {
	params := url.Values{}
	params.Set("action", "add-url")
	params.Set("s", opts.URL)

	if _, err := c.doRequest(ctx, params); err != nil {
		return "", err
	}

	hash := extractMagnetHash(opts.URL)
	if hash != "" {
		c.applyLabel(ctx, hash, opts)
	}
	return hash, nil
}

func (c *Client) addFile(ctx context.Context, opts *types.AddOptions) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("torrent_file", "file.torrent")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(opts.FileContent); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	return "", c.postFile(ctx, buf.Bytes(), mw.FormDataContentType(), false)
}

// postFile uploads the multipart payload, refetching the token at most
// once on a 400 or 401.
func (c *Client) postFile(ctx context.Context, payload []byte, contentType string, retried bool) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	reqURL := c.baseURL + "?token=" + token + "&action=add-file"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		if retried {
			return fmt.Errorf("add file failed after token refetch: %d", resp.StatusCode)
		}
		if err := c.fetchToken(ctx); err != nil {
			return err
		}
		return c.postFile(ctx, payload, contentType, true)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("add file failed: %s", string(body))
	}

	return nil
}

func (c *Client) applyLabel(ctx context.Context, hash string, opts *types.AddOptions) {
	label := opts.Label
	if label == "" {
		label = c.config.Label
	}
	if label == "" {
		return
	}

	params := url.Values{}
	params.Set("action", "setprops")
	params.Set("hash", strings.ToUpper(hash))
	params.Set("s", "label")
	params.Set("v", label)
	_, _ = c.doRequest(ctx, params)
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	row, err := c.findRow(ctx, id)
	if err != nil {
		return "", err
	}
	return rowString(row, rowName), nil
}

func (c *Client) Files(ctx context.Context, id string) ([]types.FileEntry, error) {
	params := url.Values{}
	params.Set("action", "getfiles")
	params.Set("hash", strings.ToUpper(id))

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	// Response shape: {"files": ["HASH", [[name, size, downloaded, prio], ...]]}
	var resp struct {
		Files []json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Files) < 2 {
		return []types.FileEntry{}, nil
	}

	var rows [][]any
	if err := json.Unmarshal(resp.Files[1], &rows); err != nil {
		return nil, err
	}

	entries := make([]types.FileEntry, 0, len(rows))
	for _, f := range rows {
		if len(f) < 2 {
			continue
		}
		entries = append(entries, types.FileEntry{
			Name: rowString(f, 0),
			Size: strconv.FormatInt(rowInt64(f, 1), 10),
		})
	}

	return entries, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	row, err := c.findRow(ctx, id)
	if err != nil {
		return "", err
	}
	if len(row) <= rowFolder {
		return "", fmt.Errorf("torrent list row has %d fields; uTorrent build too old to report folders", len(row))
	}
	return rowString(row, rowFolder), nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	row, err := c.findRow(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}

	status := int(rowInt64(row, rowStatus))
	if status&flagError != 0 {
		return types.ErroredProgress(fmt.Sprintf("uTorrent reports an error for %s", rowString(row, rowName))), nil
	}

	percent := int(rowInt64(row, rowPermille)) / 10
	downloaded := percent >= 100
	// Once uTorrent has stopped the job (not started, not queued) the
	// seed goal is met.
	finished := downloaded && status&flagStarted == 0 && status&flagQueued == 0

	return types.KnownProgress(percent, downloaded, finished), nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	params := url.Values{}
	params.Set("action", "pause")
	params.Set("hash", strings.ToUpper(id))

	_, err := c.doRequest(ctx, params)
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) (bool, error) {
	action := "remove"
	if deleteData {
		action = "removedata"
	}

	params := url.Values{}
	params.Set("action", action)
	params.Set("hash", strings.ToUpper(id))

	if _, err := c.doRequest(ctx, params); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) findRow(ctx context.Context, id string) ([]any, error) {
	params := url.Values{}
	params.Set("list", "1")

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Torrents [][]any `json:"torrents"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	for _, row := range resp.Torrents {
		if len(row) < minRowFields {
			return nil, fmt.Errorf("torrent list row has %d fields; unsupported uTorrent build", len(row))
		}
		if strings.EqualFold(rowString(row, rowHash), id) {
			return row, nil
		}
	}

	return nil, types.ErrNotFound
}

func (c *Client) fetchToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"token.html", http.NoBody)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return types.ErrAuthFailed
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token fetch failed: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse token page: %w", err)
	}

	token := strings.TrimSpace(doc.Find("#token").Text())
	if token == "" {
		token = strings.TrimSpace(doc.Find("div").First().Text())
	}
	if token == "" {
		return fmt.Errorf("token not found in response")
	}

	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()

	return nil
}

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	token := c.token
	c.tokenMu.RUnlock()

	if token == "" {
		if err := c.fetchToken(ctx); err != nil {
			return "", err
		}
		c.tokenMu.RLock()
		token = c.token
		c.tokenMu.RUnlock()
	}

	return token, nil
}

func (c *Client) doRequest(ctx context.Context, params url.Values) ([]byte, error) {
	return c.doRequestToken(ctx, params, false)
}

// doRequestToken performs one token-gated request. A 400 or 401 means
// the token went stale; it is refetched once, a second failure is final.
func (c *Client) doRequestToken(ctx context.Context, params url.Values, retried bool) ([]byte, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	params.Set("token", token)
	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		if retried {
			return nil, fmt.Errorf("request failed after token refetch: %d", resp.StatusCode)
		}
		if err := c.fetchToken(ctx); err != nil {
			return nil, err
		}
		return c.doRequestToken(ctx, params, true)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed: %s", string(body))
	}

	return io.ReadAll(resp.Body)
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

	return strings.ToUpper(strings.TrimPrefix(xt, "urn:btih:"))
}

func rowString(row []any, idx int) string {
	if idx >= len(row) {
		return ""
	}
	s, _ := row[idx].(string)
	return s
}

func rowInt64(row []any, idx int) int64 {
	if idx >= len(row) {
		return 0
	}
	switch v := row[idx].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
