package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/config"
	"github.com/slipcase/slipcase/internal/database"
	"github.com/slipcase/slipcase/internal/downloader"
	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/history"
	"github.com/slipcase/slipcase/internal/snatch"
)

// setupServer wires a real store and facade over a temp database, with
// only the manual backends configured so no network is involved.
func setupServer(t *testing.T) (*Server, *snatch.Store) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log := zerolog.Nop()
	store := snatch.NewStore(db.Conn(), log)

	registry, err := downloader.NewRegistry(map[types.Backend]*types.BackendConfig{
		types.BackendDirect: {},
	}, store, log)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	facade := downloader.NewFacade(registry, store, log)
	historySvc := history.NewService(db.Conn(), log)

	return NewServer(config.Default(), facade, store, historySvc, log), store
}

func TestHealth(t *testing.T) {
	server, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListDownloads(t *testing.T) {
	server, store := setupServer(t)

	if _, err := store.Create(context.Background(), snatch.CreateInput{
		MediaID:    1,
		MediaType:  snatch.MediaTypeEbook,
		Title:      "The Tombs of Atuan",
		Backend:    types.BackendDirect,
		DownloadID: "drop-1",
	}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var views []downloadView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 download, got %d", len(views))
	}
	if views[0].Title != "The Tombs of Atuan" {
		t.Errorf("unexpected title %q", views[0].Title)
	}
	// Direct drops report complete while the record is active.
	if views[0].Percent != 100 || !views[0].Finished {
		t.Errorf("unexpected progress: %+v", views[0])
	}
}

func TestListDownloads_Empty(t *testing.T) {
	server, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/downloads", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestDeleteDownload(t *testing.T) {
	server, store := setupServer(t)

	if _, err := store.Create(context.Background(), snatch.CreateInput{
		MediaID:    1,
		MediaType:  snatch.MediaTypeEbook,
		Title:      "book",
		Backend:    types.BackendDirect,
		DownloadID: "drop-1",
	}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/downloads/direct/drop-1?deleteData=true", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp["removed"] {
		t.Error("expected removed true for direct backend")
	}
}

func TestDeleteDownload_UnknownBackend(t *testing.T) {
	server, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/downloads/bogus/drop-1", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTasksRoute_NoScheduler(t *testing.T) {
	server, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHistoryRoute(t *testing.T) {
	server, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
