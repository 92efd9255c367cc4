// Package rtorrent implements a client for the rTorrent XML-RPC API.
//
// Per-file access uses rTorrent's synthetic target syntax: file n of
// torrent HASH is addressed as "HASH:f<n>".
package rtorrent

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // SHA1 is the BitTorrent info hash
	"encoding/base64"
	"encoding/hex"
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
	baseURL    string
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	urlBase := cfg.URLBase
	if urlBase == "" {
		urlBase = "RPC2"
	}
	urlBase = strings.Trim(urlBase, "/")

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
		baseURL: fmt.Sprintf("%s://%s:%d/%s", scheme, cfg.Host, cfg.Port, urlBase),
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendRTorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	result, err := c.call(ctx, "system.client_version", nil)
	if err != nil {
		return err
	}

	version, ok := result.(string)
	if !ok || version == "" {
		return fmt.Errorf("invalid version response from rTorrent")
	}

	return nil
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
	method := "load.start"
	if opts.Paused {
		method = "load.normal"
	}

	params := []xmlRPCValue{
		{Type: "string", Value: ""},
		{Type: "string", Value: opts.URL},
	}
	params = append(params, c.addCommandParams(opts)...)

	if _, err := c.call(ctx, method, params); err != nil {
		return "", err
	}

	return extractHashFromMagnet(opts.URL), nil
}

func (c *Client) addFile(ctx context.Context, opts *types.AddOptions) (string, error) {
	method := "load.raw_start"
	if opts.Paused {
		method = "load.raw"
	}

	params := []xmlRPCValue{
		{Type: "string", Value: ""},
		{Type: "base64", Value: base64.StdEncoding.EncodeToString(opts.FileContent)},
	}
	params = append(params, c.addCommandParams(opts)...)

	if _, err := c.call(ctx, method, params); err != nil {
		return "", err
	}

	return infoHash(opts.FileContent), nil
}

func (c *Client) addCommandParams(opts *types.AddOptions) []xmlRPCValue {
	var params []xmlRPCValue

	label := opts.Label
	if label == "" {
		label = c.config.Label
	}
	if label != "" {
		params = append(params, xmlRPCValue{Type: "string", Value: "d.custom1.set=" + label})
	}

	dir := opts.DownloadDir
	if dir == "" {
		dir = c.config.DownloadDir
	}
	if dir != "" {
		params = append(params, xmlRPCValue{Type: "string", Value: "d.directory.set=" + dir})
	}

	return params
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	result, err := c.callHash(ctx, "d.name", id)
	if err != nil {
		return "", err
	}
	return asString(result), nil
}

func (c *Client) Files(ctx context.Context, id string) ([]types.FileEntry, error) {
	result, err := c.callHash(ctx, "d.size_files", id)
	if err != nil {
		return nil, err
	}
	count := asInt64(result)

	entries := make([]types.FileEntry, 0, count)
	for i := int64(0); i < count; i++ {
		target := fmt.Sprintf("%s:f%d", strings.ToUpper(id), i)

		pathResult, err := c.call(ctx, "f.path", []xmlRPCValue{{Type: "string", Value: target}})
		if err != nil {
			return nil, err
		}
		sizeResult, err := c.call(ctx, "f.size_bytes", []xmlRPCValue{{Type: "string", Value: target}})
		if err != nil {
			return nil, err
		}

		entries = append(entries, types.FileEntry{
			Name: asString(pathResult),
			Size: strconv.FormatInt(asInt64(sizeResult), 10),
		})
	}

	return entries, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	result, err := c.callHash(ctx, "d.base_path", id)
	if err != nil {
		return "", err
	}
	return asString(result), nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	message, err := c.callHash(ctx, "d.message", id)
	if err != nil {
		return types.Progress{}, err
	}
	if msg := asString(message); msg != "" {
		return types.ErroredProgress(msg), nil
	}

	size, err := c.callHash(ctx, "d.size_bytes", id)
	if err != nil {
		return types.Progress{}, err
	}
	done, err := c.callHash(ctx, "d.bytes_done", id)
	if err != nil {
		return types.Progress{}, err
	}
	complete, err := c.callHash(ctx, "d.complete", id)
	if err != nil {
		return types.Progress{}, err
	}
	active, err := c.callHash(ctx, "d.is_active", id)
	if err != nil {
		return types.Progress{}, err
	}

	percent := -1
	if sizeBytes := asInt64(size); sizeBytes > 0 {
		percent = int(asInt64(done) * 100 / sizeBytes)
	}

	downloaded := asInt64(complete) == 1
	// A completed torrent that rTorrent has stopped is past its seed
	// criteria; while d.is_active it is still seeding.
	finished := downloaded && asInt64(active) == 0

	return types.KnownProgress(percent, downloaded, finished), nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.callHash(ctx, "d.stop", id)
	return err
}

func (c *Client) Remove(ctx context.Context, id string, _ bool) (bool, error) {
	if _, err := c.callHash(ctx, "d.erase", id); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) callHash(ctx context.Context, method, id string) (any, error) {
	return c.call(ctx, method, []xmlRPCValue{
		{Type: "string", Value: strings.ToUpper(id)},
	})
}

func (c *Client) call(ctx context.Context, method string, params []xmlRPCValue) (any, error) {
	reqBody, err := buildXMLRPCRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build XML-RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/xml")

	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, types.ErrAuthFailed
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	result, err := parseXMLRPCResponse(body)
	if err != nil {
		// rTorrent faults "Could not find info-hash." for unknown IDs.
		if strings.Contains(err.Error(), "info-hash") {
			return nil, types.ErrNotFound
		}
		return nil, err
	}

	return result, nil
}

// infoHash computes the SHA1 info hash from raw .torrent bytes by
// locating the bencoded "info" dictionary and hashing it.
func infoHash(torrentData []byte) string {
	infoKey := []byte("4:info")
	idx := bytes.Index(torrentData, infoKey)
	if idx < 0 {
		return ""
	}
	infoStart := idx + len(infoKey)
	if infoStart >= len(torrentData) {
		return ""
	}
	infoBytes := torrentData[infoStart:]
	end := findBencodeEnd(infoBytes)
	if end <= 0 {
		return ""
	}
	h := sha1.Sum(infoBytes[:end]) //nolint:gosec // BitTorrent info hash
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// findBencodeEnd finds the end position of the bencoded value at offset 0.
func findBencodeEnd(data []byte) int {
	if len(data) == 0 {
		return -1
	}
	switch data[0] {
	case 'd', 'l':
		pos := 1
		for pos < len(data) && data[pos] != 'e' {
			if data[0] == 'd' {
				n := findBencodeEnd(data[pos:])
				if n <= 0 {
					return -1
				}
				pos += n
			}
			n := findBencodeEnd(data[pos:])
			if n <= 0 {
				return -1
			}
			pos += n
		}
		if pos >= len(data) {
			return -1
		}
		return pos + 1
	case 'i':
		end := bytes.IndexByte(data[1:], 'e')
		if end < 0 {
			return -1
		}
		return end + 2
	default:
		colon := bytes.IndexByte(data, ':')
		if colon < 0 {
			return -1
		}
		length, err := strconv.Atoi(string(data[:colon]))
		if err != nil {
			return -1
		}
		return colon + 1 + length
	}
}

func extractHashFromMagnet(magnetURL string) string {
	if !strings.HasPrefix(magnetURL, "magnet:") {
		return ""
	}

	parts := strings.SplitN(magnetURL, "?", 2)
	if len(parts) < 2 {
		return ""
	}

	for _, param := range strings.Split(parts[1], "&") {
		if strings.HasPrefix(param, "xt=urn:btih:") {
			return strings.ToUpper(strings.TrimPrefix(param, "xt=urn:btih:"))
		}
	}

	return ""
}

func asString(v any) string {
	if val, ok := v.(string); ok {
		return val
	}
	return fmt.Sprintf("%v", v)
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
