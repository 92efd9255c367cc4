package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
)

// downloadView is one active download with its live backend state.
type downloadView struct {
	ID         int64            `json:"id"`
	Title      string           `json:"title"`
	MediaType  snatch.MediaType `json:"mediaType"`
	Backend    types.Backend    `json:"backend"`
	DownloadID string           `json:"downloadId"`
	Status     snatch.Status    `json:"status"`
	Percent    int              `json:"percent"`
	Downloaded bool             `json:"downloaded"`
	Finished   bool             `json:"finished"`
	Message    string           `json:"message,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// health reports service liveness.
// GET /api/v1/health
func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// listDownloads returns every active work record with its current
// backend progress. A backend that cannot be reached yields percent -1
// for its records rather than failing the whole listing.
// GET /api/v1/downloads
func (s *Server) listDownloads(c echo.Context) error {
	ctx := c.Request().Context()

	records, err := s.store.ListActive(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	views := make([]downloadView, 0, len(records))
	for _, record := range records {
		view := downloadView{
			ID:         record.ID,
			Title:      record.Title,
			MediaType:  record.MediaType,
			Backend:    record.Backend,
			DownloadID: record.DownloadID,
			Status:     record.Status,
			Percent:    -1,
			CreatedAt:  record.CreatedAt,
		}

		result, err := s.facade.GetProgress(ctx, record.Backend, record.DownloadID)
		if err == nil {
			view.Percent = result.Percent
			view.Downloaded = result.Downloaded
			view.Finished = result.Finished
			view.Message = result.Message
		}

		views = append(views, view)
	}

	return c.JSON(http.StatusOK, views)
}

// deleteDownload removes a task from its backend.
// DELETE /api/v1/downloads/:backend/:id?deleteData=true
func (s *Server) deleteDownload(c echo.Context) error {
	backend := types.Backend(c.Param("backend"))
	if !backend.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown backend")
	}
	id := c.Param("id")
	deleteData := c.QueryParam("deleteData") == "true"

	ctx := c.Request().Context()

	removed, err := s.facade.DeleteTask(ctx, backend, id, deleteData)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	if record, err := s.store.Get(ctx, backend, id); err == nil {
		s.history.LogDeleted(ctx, record, "removed via API")
	}

	return c.JSON(http.StatusOK, map[string]bool{"removed": removed})
}

// listTasks returns the scheduled background tasks.
// GET /api/v1/tasks
func (s *Server) listTasks(c echo.Context) error {
	if s.sched == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not running")
	}
	return c.JSON(http.StatusOK, s.sched.ListTasks())
}

// runTask triggers a scheduled task immediately.
// POST /api/v1/tasks/:id/run
func (s *Server) runTask(c echo.Context) error {
	if s.sched == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not running")
	}
	if err := s.sched.RunNow(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
