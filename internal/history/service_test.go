package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/database"
	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
)

func setupService(t *testing.T) *Service {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return NewService(db.Conn(), zerolog.Nop())
}

func testRecord() *snatch.Record {
	return &snatch.Record{
		MediaID:    7,
		MediaType:  snatch.MediaTypeEbook,
		Title:      "The Lathe of Heaven",
		Backend:    types.BackendDeluge,
		DownloadID: "abc123",
	}
}

func TestService_CreateAndList(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	service.LogSnatched(ctx, testRecord(), "sent to deluge")
	service.LogAborted(ctx, testRecord(), "abc123 not found at deluge")

	result, err := service.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("expected 2 entries, got %d", result.TotalCount)
	}

	var sawAbort bool
	for _, entry := range result.Items {
		if entry.EventType == EventTypeAborted {
			sawAbort = true
			if entry.Detail != "abc123 not found at deluge" {
				t.Errorf("unexpected detail %q", entry.Detail)
			}
			if entry.Backend != types.BackendDeluge {
				t.Errorf("unexpected backend %q", entry.Backend)
			}
		}
	}
	if !sawAbort {
		t.Error("expected an aborted entry")
	}
}

func TestService_List_FilterByEventType(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	service.LogSnatched(ctx, testRecord(), "")
	service.LogRejected(ctx, testRecord(), "book contains mp3")
	service.LogCompleted(ctx, testRecord(), "/downloads/book")

	result, err := service.List(ctx, ListOptions{EventType: string(EventTypeRejected)})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if result.TotalCount != 1 {
		t.Fatalf("expected 1 rejected entry, got %d", result.TotalCount)
	}
	if result.Items[0].Detail != "book contains mp3" {
		t.Errorf("unexpected detail %q", result.Items[0].Detail)
	}
}

func TestService_List_Pagination(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	for range 5 {
		service.LogSnatched(ctx, testRecord(), "")
	}

	result, err := service.List(ctx, ListOptions{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(result.Items) != 2 {
		t.Errorf("expected 2 items on page 2, got %d", len(result.Items))
	}
	if result.TotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", result.TotalPages)
	}
}

func TestService_DeleteAll(t *testing.T) {
	service := setupService(t)
	ctx := context.Background()

	service.LogSnatched(ctx, testRecord(), "")
	if err := service.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() failed: %v", err)
	}

	result, err := service.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if result.TotalCount != 0 {
		t.Errorf("expected empty history, got %d", result.TotalCount)
	}
}
