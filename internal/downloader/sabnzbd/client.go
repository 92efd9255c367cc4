// Package sabnzbd implements a client for the SABnzbd REST API.
//
// A task lives in two places over its lifetime: the queue while it
// downloads, then the history once SABnzbd starts post-processing. The
// two phases report completion through different fields, so every
// lookup tries the queue first and falls through to the history.
package sabnzbd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

var _ types.Client = (*Client)(nil)

type Client struct {
	config     types.BackendConfig
	httpClient *http.Client
	apiURL     string
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Percentage string `json:"percentage"`
	Status     string `json:"status"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	FailMessage string `json:"fail_message"`
	Storage     string `json:"storage"`
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
		apiURL: base + "/api",
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendSABnzbd
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

func (c *Client) Test(ctx context.Context) error {
	body, err := c.doRequest(ctx, url.Values{"mode": {"version"}})
	if err != nil {
		return err
	}

	var resp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Version == "" {
		return fmt.Errorf("unexpected version response from SABnzbd")
	}
	return nil
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("SABnzbd adds require an NZB URL")
	}

	params := url.Values{}
	params.Set("mode", "addurl")
	params.Set("name", opts.URL)
	if opts.Name != "" {
		params.Set("nzbname", opts.Name)
	}

	label := opts.Label
	if label == "" {
		label = c.config.Label
	}
	if label != "" {
		params.Set("cat", label)
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return "", err
	}

	var resp struct {
		Status bool     `json:"status"`
		NzoIDs []string `json:"nzo_ids"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode addurl response: %w", err)
	}
	if !resp.Status || len(resp.NzoIDs) == 0 {
		return "", fmt.Errorf("SABnzbd rejected the NZB")
	}

	return resp.NzoIDs[0], nil
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	if slot, err := c.queueSlot(ctx, id); err != nil {
		return "", err
	} else if slot != nil {
		return slot.Filename, nil
	}

	slot, err := c.historySlot(ctx, id)
	if err != nil {
		return "", err
	}
	if slot == nil {
		return "", types.ErrNotFound
	}
	return slot.Name, nil
}

// Files returns an empty list: SABnzbd has no per-file listing until the
// job is unpacked on disk.
func (c *Client) Files(_ context.Context, _ string) ([]types.FileEntry, error) {
	return []types.FileEntry{}, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	if slot, err := c.queueSlot(ctx, id); err != nil {
		return "", err
	} else if slot != nil {
		// Still queued: no storage path yet.
		return "", nil
	}

	slot, err := c.historySlot(ctx, id)
	if err != nil {
		return "", err
	}
	if slot == nil {
		return "", types.ErrNotFound
	}
	return slot.Storage, nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	if slot, err := c.queueSlot(ctx, id); err != nil {
		return types.Progress{}, err
	} else if slot != nil {
		percent, _ := strconv.Atoi(slot.Percentage)
		return types.KnownProgress(percent, false, false), nil
	}

	slot, err := c.historySlot(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}
	if slot == nil {
		return types.Progress{}, types.ErrNotFound
	}

	switch slot.Status {
	case "Completed":
		return types.KnownProgress(100, true, true), nil
	case "Failed":
		msg := slot.FailMessage
		if msg == "" {
			msg = "SABnzbd reported the job as failed"
		}
		return types.ErroredProgress(msg), nil
	default:
		// Extracting, Verifying, Repairing, Fetching: downloaded but
		// still post-processing.
		return types.KnownProgress(99, true, false), nil
	}
}

func (c *Client) Pause(ctx context.Context, id string) error {
	params := url.Values{}
	params.Set("mode", "queue")
	params.Set("name", "pause")
	params.Set("value", id)

	_, err := c.doRequest(ctx, params)
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteData bool) (bool, error) {
	// Try the queue first, then the history.
	if slot, err := c.queueSlot(ctx, id); err != nil {
		return false, err
	} else if slot != nil {
		params := url.Values{}
		params.Set("mode", "queue")
		params.Set("name", "delete")
		params.Set("value", id)
		if deleteData {
			params.Set("del_files", "1")
		}
		return c.statusRequest(ctx, params)
	}

	params := url.Values{}
	params.Set("mode", "history")
	params.Set("name", "delete")
	params.Set("value", id)
	if deleteData {
		params.Set("del_files", "1")
	}
	return c.statusRequest(ctx, params)
}

func (c *Client) statusRequest(ctx context.Context, params url.Values) (bool, error) {
	body, err := c.doRequest(ctx, params)
	if err != nil {
		return false, err
	}

	var resp struct {
		Status bool `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Status, nil
}

// queueSlot returns the queue entry for id, or nil when the job has left
// the queue.
func (c *Client) queueSlot(ctx context.Context, id string) (*queueSlot, error) {
	params := url.Values{}
	params.Set("mode", "queue")
	params.Set("nzo_ids", id)

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Queue struct {
			Slots []queueSlot `json:"slots"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode queue response: %w", err)
	}

	for i := range resp.Queue.Slots {
		if resp.Queue.Slots[i].NzoID == id {
			return &resp.Queue.Slots[i], nil
		}
	}
	return nil, nil
}

func (c *Client) historySlot(ctx context.Context, id string) (*historySlot, error) {
	params := url.Values{}
	params.Set("mode", "history")
	params.Set("nzo_ids", id)

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		History struct {
			Slots []historySlot `json:"slots"`
		} `json:"history"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}

	for i := range resp.History.Slots {
		if resp.History.Slots[i].NzoID == id {
			return &resp.History.Slots[i], nil
		}
	}
	return nil, nil
}

func (c *Client) doRequest(ctx context.Context, params url.Values) ([]byte, error) {
	params.Set("output", "json")
	params.Set("apikey", c.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.ErrAuthFailed
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// SABnzbd reports API key problems inside a 200 response.
	var apiErr struct {
		Status *bool  `json:"status"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		if strings.Contains(strings.ToLower(apiErr.Error), "api key") {
			return nil, types.ErrAuthFailed
		}
		return nil, fmt.Errorf("SABnzbd error: %s", apiErr.Error)
	}

	return body, nil
}
