// Package synology implements a client for Synology Download Station.
//
// The DSM web API is self-describing: SYNO.API.Info reports the cgi path
// and maximum version for every API family, and everything else is keyed
// by a session id from SYNO.API.Auth. The client keeps no session state
// between operations; each one discovers, logs in, and works with its
// own sid, which keeps concurrent calls independent.
package synology

import (
	"context"
	"encoding/json"
	"fmt"
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
	baseURL    string
}

type apiResponse struct {
	Success bool             `json:"success"`
	Data    *json.RawMessage `json:"data,omitempty"`
	Error   *apiError        `json:"error,omitempty"`
}

type apiError struct {
	Code int `json:"code"`
}

type apiInfo struct {
	Path       string `json:"path"`
	MaxVersion int    `json:"maxVersion"`
}

// session is the per-operation handle: discovered endpoints plus a sid.
type session struct {
	sid         string
	taskPath    string
	taskVersion int
}

type taskData struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Size       int64  `json:"size"`
	Status     string `json:"status"`
	StatusExtra *struct {
		ErrorDetail string `json:"error_detail"`
	} `json:"status_extra,omitempty"`
	Additional *struct {
		Detail *struct {
			Destination string `json:"destination"`
		} `json:"detail,omitempty"`
		Transfer *struct {
			SizeDownloaded string `json:"size_downloaded"`
		} `json:"transfer,omitempty"`
		File []struct {
			Filename       string `json:"filename"`
			Size           string `json:"size"`
			SizeDownloaded string `json:"size_downloaded"`
		} `json:"file,omitempty"`
	} `json:"additional,omitempty"`
}

func NewFromConfig(cfg *types.BackendConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
		baseURL: fmt.Sprintf("%s://%s:%d/webapi", scheme, cfg.Host, cfg.Port),
	}
}

func (c *Client) Backend() types.Backend {
	return types.BackendSynology
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	_, err := c.login(ctx)
	return err
}

func (c *Client) Add(ctx context.Context, opts *types.AddOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("download station adds require a URL or magnet link")
	}

	sess, err := c.login(ctx)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("api", "SYNO.DownloadStation.Task")
	params.Set("version", strconv.Itoa(sess.taskVersion))
	params.Set("method", "create")
	params.Set("uri", opts.URL)

	dir := opts.DownloadDir
	if dir == "" {
		dir = c.config.DownloadDir
	}
	if dir != "" {
		params.Set("destination", dir)
	}

	if _, err := c.doAPICall(ctx, sess, params, nil); err != nil {
		return "", err
	}

	// Task creation does not return an id; resolve it from the task
	// list by matching the request URI.
	return c.findTaskByURI(ctx, sess, opts.URL)
}

func (c *Client) findTaskByURI(ctx context.Context, sess *session, uri string) (string, error) {
	params := url.Values{}
	params.Set("api", "SYNO.DownloadStation.Task")
	params.Set("version", "1")
	params.Set("method", "list")
	params.Set("additional", "detail")

	var data struct {
		Tasks []struct {
			ID         string `json:"id"`
			Additional *struct {
				Detail *struct {
					URI string `json:"uri"`
				} `json:"detail,omitempty"`
			} `json:"additional,omitempty"`
		} `json:"tasks"`
	}
	if _, err := c.doAPICall(ctx, sess, params, &data); err != nil {
		return "", err
	}

	for i := len(data.Tasks) - 1; i >= 0; i-- {
		t := data.Tasks[i]
		if t.Additional != nil && t.Additional.Detail != nil && t.Additional.Detail.URI == uri {
			return t.ID, nil
		}
	}

	// Fall back to the most recent task.
	if len(data.Tasks) > 0 {
		return data.Tasks[len(data.Tasks)-1].ID, nil
	}
	return "", fmt.Errorf("created task not found in task list")
}

func (c *Client) Name(ctx context.Context, id string) (string, error) {
	task, err := c.task(ctx, id)
	if err != nil {
		return "", err
	}
	return task.Title, nil
}

func (c *Client) Files(ctx context.Context, id string) ([]types.FileEntry, error) {
	task, err := c.task(ctx, id)
	if err != nil {
		return nil, err
	}

	if task.Additional == nil || len(task.Additional.File) == 0 {
		return []types.FileEntry{}, nil
	}

	entries := make([]types.FileEntry, 0, len(task.Additional.File))
	for _, f := range task.Additional.File {
		entries = append(entries, types.FileEntry{
			Name: f.Filename,
			Size: f.Size,
		})
	}

	return entries, nil
}

func (c *Client) Folder(ctx context.Context, id string) (string, error) {
	task, err := c.task(ctx, id)
	if err != nil {
		return "", err
	}
	if task.Additional != nil && task.Additional.Detail != nil {
		return task.Additional.Detail.Destination, nil
	}
	return "", nil
}

func (c *Client) Progress(ctx context.Context, id string) (types.Progress, error) {
	task, err := c.task(ctx, id)
	if err != nil {
		return types.Progress{}, err
	}

	if task.Status == "error" {
		msg := "download station reported an error"
		if task.StatusExtra != nil && task.StatusExtra.ErrorDetail != "" {
			msg = task.StatusExtra.ErrorDetail
		}
		return types.ErroredProgress(msg), nil
	}

	percent := taskPercent(task)
	downloaded := task.Status == "finished" || task.Status == "seeding" || percent >= 100
	finished := task.Status == "finished"

	return types.KnownProgress(percent, downloaded, finished), nil
}

// taskPercent sums per-file progress; multi-file tasks only expose
// byte counters file by file.
func taskPercent(task *taskData) int {
	if task.Additional != nil && len(task.Additional.File) > 0 {
		var total, done int64
		for _, f := range task.Additional.File {
			size, _ := strconv.ParseInt(f.Size, 10, 64)
			downloaded, _ := strconv.ParseInt(f.SizeDownloaded, 10, 64)
			total += size
			done += downloaded
		}
		if total > 0 {
			return int(done * 100 / total)
		}
	}

	if task.Additional != nil && task.Additional.Transfer != nil && task.Size > 0 {
		done, _ := strconv.ParseInt(task.Additional.Transfer.SizeDownloaded, 10, 64)
		return int(done * 100 / task.Size)
	}

	return -1
}

func (c *Client) Pause(ctx context.Context, id string) error {
	sess, err := c.login(ctx)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("api", "SYNO.DownloadStation.Task")
	params.Set("version", "1")
	params.Set("method", "pause")
	params.Set("id", id)

	_, err = c.doAPICall(ctx, sess, params, nil)
	return err
}

func (c *Client) Remove(ctx context.Context, id string, _ bool) (bool, error) {
	sess, err := c.login(ctx)
	if err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("api", "SYNO.DownloadStation.Task")
	params.Set("version", "1")
	params.Set("method", "delete")
	params.Set("id", id)
	params.Set("force_complete", "false")

	if _, err := c.doAPICall(ctx, sess, params, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) task(ctx context.Context, id string) (*taskData, error) {
	sess, err := c.login(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("api", "SYNO.DownloadStation.Task")
	params.Set("version", "1")
	params.Set("method", "getinfo")
	params.Set("id", id)
	params.Set("additional", "detail,transfer,file")

	var data struct {
		Tasks []taskData `json:"tasks"`
	}
	if _, err := c.doAPICall(ctx, sess, params, &data); err != nil {
		return nil, err
	}

	if len(data.Tasks) == 0 {
		return nil, types.ErrNotFound
	}

	return &data.Tasks[0], nil
}

// login discovers the API endpoints and opens a session.
func (c *Client) login(ctx context.Context) (*session, error) {
	infos, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	auth, ok := infos["SYNO.API.Auth"]
	if !ok {
		return nil, fmt.Errorf("SYNO.API.Auth not reported by API info")
	}
	task, ok := infos["SYNO.DownloadStation.Task"]
	if !ok {
		return nil, fmt.Errorf("download station not available on this device")
	}

	authVersion := auth.MaxVersion
	if authVersion > 2 {
		authVersion = 2
	}

	params := url.Values{}
	params.Set("api", "SYNO.API.Auth")
	params.Set("version", strconv.Itoa(authVersion))
	params.Set("method", "login")
	params.Set("account", c.config.Username)
	params.Set("passwd", c.config.Password)
	params.Set("format", "sid")
	params.Set("session", "DownloadStation")

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, auth.Path, params.Encode())

	var apiResp apiResponse
	if err := c.getJSON(ctx, reqURL, &apiResp); err != nil {
		return nil, err
	}

	if !apiResp.Success {
		code := 0
		if apiResp.Error != nil {
			code = apiResp.Error.Code
		}
		if code == 400 {
			return nil, types.ErrAuthFailed
		}
		return nil, fmt.Errorf("login failed: %s", errorMessage("SYNO.API.Auth", code))
	}

	var authData struct {
		SID string `json:"sid"`
	}
	if apiResp.Data == nil {
		return nil, fmt.Errorf("no data in auth response")
	}
	if err := json.Unmarshal(*apiResp.Data, &authData); err != nil {
		return nil, err
	}

	taskVersion := task.MaxVersion
	if taskVersion > 3 {
		taskVersion = 3
	}

	return &session{
		sid:         authData.SID,
		taskPath:    task.Path,
		taskVersion: taskVersion,
	}, nil
}

func (c *Client) discover(ctx context.Context) (map[string]apiInfo, error) {
	params := url.Values{}
	params.Set("api", "SYNO.API.Info")
	params.Set("version", "1")
	params.Set("method", "query")
	params.Set("query", "SYNO.API.Auth,SYNO.DownloadStation.Task,SYNO.DownloadStation.Info")

	reqURL := fmt.Sprintf("%s/query.cgi?%s", c.baseURL, params.Encode())

	var apiResp apiResponse
	if err := c.getJSON(ctx, reqURL, &apiResp); err != nil {
		return nil, err
	}

	if !apiResp.Success || apiResp.Data == nil {
		code := 0
		if apiResp.Error != nil {
			code = apiResp.Error.Code
		}
		return nil, fmt.Errorf("API discovery failed: %s", errorMessage("SYNO.API.Info", code))
	}

	var infos map[string]apiInfo
	if err := json.Unmarshal(*apiResp.Data, &infos); err != nil {
		return nil, err
	}

	return infos, nil
}

func (c *Client) doAPICall(ctx context.Context, sess *session, params url.Values, result any) (*apiResponse, error) {
	params.Set("_sid", sess.sid)
	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, sess.taskPath, params.Encode())

	var apiResp apiResponse
	if err := c.getJSON(ctx, reqURL, &apiResp); err != nil {
		return nil, err
	}

	if !apiResp.Success {
		code := 0
		if apiResp.Error != nil {
			code = apiResp.Error.Code
		}
		if code == 404 && params.Get("api") == "SYNO.DownloadStation.Task" {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("API error: %s", errorMessage(params.Get("api"), code))
	}

	if apiResp.Data != nil && result != nil {
		if err := json.Unmarshal(*apiResp.Data, result); err != nil {
			return nil, err
		}
	}

	return &apiResp, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// genericErrors are shared across API families.
var genericErrors = map[int]string{
	100: "unknown error",
	101: "invalid parameter",
	102: "the requested API does not exist",
	103: "the requested method does not exist",
	104: "the requested version does not support this functionality",
	105: "the logged in session does not have permission",
	106: "session timeout",
	107: "session interrupted by duplicate login",
}

var authErrors = map[int]string{
	400: "no such account or incorrect password",
	401: "account disabled",
	402: "permission denied",
	403: "2-step verification code required",
	404: "failed to authenticate 2-step verification code",
}

var taskErrors = map[int]string{
	400: "file upload failed",
	401: "max number of tasks reached",
	402: "destination denied",
	403: "destination does not exist",
	404: "invalid task id",
	405: "invalid task action",
	406: "no default destination",
	407: "set destination failed",
	408: "file does not exist",
}

func errorMessage(api string, code int) string {
	if msg, ok := genericErrors[code]; ok {
		return fmt.Sprintf("%s (code %d)", msg, code)
	}

	var family map[int]string
	switch {
	case strings.HasPrefix(api, "SYNO.API.Auth"):
		family = authErrors
	case strings.HasPrefix(api, "SYNO.DownloadStation.Task"):
		family = taskErrors
	}

	if msg, ok := family[code]; ok {
		return fmt.Sprintf("%s (code %d)", msg, code)
	}
	return fmt.Sprintf("code %d", code)
}
