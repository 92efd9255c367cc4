package sabnzbd

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

const testKey = "0123456789abcdef"

// fakeServer serves mode=queue and mode=history with the given slots.
func fakeServer(t *testing.T, queue, history []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("apikey") != testKey {
			json.NewEncoder(w).Encode(map[string]any{"status": false, "error": "API Key Incorrect"})
			return
		}
		if q.Get("output") != "json" {
			t.Error("expected output=json")
		}

		switch q.Get("mode") {
		case "version":
			json.NewEncoder(w).Encode(map[string]any{"version": "4.2.1"})
		case "queue":
			if q.Get("name") == "delete" {
				json.NewEncoder(w).Encode(map[string]any{"status": true})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"queue": map[string]any{"slots": queue}})
		case "history":
			if q.Get("name") == "delete" {
				json.NewEncoder(w).Encode(map[string]any{"status": true})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"history": map[string]any{"slots": history}})
		case "addurl":
			json.NewEncoder(w).Encode(map[string]any{"status": true, "nzo_ids": []string{"SABnzbd_nzo_kyt1v0"}})
		default:
			t.Errorf("unexpected mode: %s", q.Get("mode"))
		}
	}))
}

func TestClient_Backend(t *testing.T) {
	client := NewFromConfig(&types.BackendConfig{})
	if client.Backend() != types.BackendSABnzbd {
		t.Errorf("expected backend %s, got %s", types.BackendSABnzbd, client.Backend())
	}
	if client.Protocol() != types.ProtocolUsenet {
		t.Errorf("expected protocol %s, got %s", types.ProtocolUsenet, client.Protocol())
	}
}

func TestClient_Test_BadKey(t *testing.T) {
	server := fakeServer(t, nil, nil)
	defer server.Close()

	client := setupClient(server, "wrongkey")

	err := client.Test(context.Background())
	if !errors.Is(err, types.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClient_Progress_Queue(t *testing.T) {
	server := fakeServer(t, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "filename": "book", "percentage": "42", "status": "Downloading"},
	}, nil)
	defer server.Close()

	client := setupClient(server, testKey)

	progress, err := client.Progress(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if progress.Percent != 42 {
		t.Errorf("expected percent 42, got %d", progress.Percent)
	}
	if progress.Downloaded || progress.Finished {
		t.Errorf("queued job must not report downloaded/finished, got %+v", progress)
	}
}

func TestClient_Progress_HistoryCompleted(t *testing.T) {
	server := fakeServer(t, nil, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "name": "book", "status": "Completed", "storage": "/downloads/complete/book"},
	})
	defer server.Close()

	client := setupClient(server, testKey)

	progress, err := client.Progress(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if progress.Percent != 100 || !progress.Downloaded || !progress.Finished {
		t.Errorf("expected complete progress, got %+v", progress)
	}
}

func TestClient_Progress_HistoryExtracting(t *testing.T) {
	server := fakeServer(t, nil, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "name": "book", "status": "Extracting"},
	})
	defer server.Close()

	client := setupClient(server, testKey)

	progress, err := client.Progress(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if progress.Percent != 99 {
		t.Errorf("expected percent 99 while extracting, got %d", progress.Percent)
	}
	if !progress.Downloaded || progress.Finished {
		t.Errorf("extracting job is downloaded but not finished, got %+v", progress)
	}
}

func TestClient_Progress_HistoryFailed(t *testing.T) {
	server := fakeServer(t, nil, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "name": "book", "status": "Failed", "fail_message": "Unpacking failed, archive requires a password"},
	})
	defer server.Close()

	client := setupClient(server, testKey)

	progress, err := client.Progress(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if !progress.Errored {
		t.Fatal("expected errored result")
	}
	if progress.Message != "Unpacking failed, archive requires a password" {
		t.Errorf("unexpected message %q", progress.Message)
	}
}

func TestClient_Progress_NotFound(t *testing.T) {
	server := fakeServer(t, nil, nil)
	defer server.Close()

	client := setupClient(server, testKey)

	_, err := client.Progress(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_Folder_QueuePhaseEmpty(t *testing.T) {
	server := fakeServer(t, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "filename": "book", "percentage": "10", "status": "Downloading"},
	}, nil)
	defer server.Close()

	client := setupClient(server, testKey)

	folder, err := client.Folder(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Folder() failed: %v", err)
	}
	if folder != "" {
		t.Errorf("expected empty folder during queue phase, got %q", folder)
	}
}

func TestClient_Folder_FromHistory(t *testing.T) {
	server := fakeServer(t, nil, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "name": "book", "status": "Completed", "storage": "/downloads/complete/book"},
	})
	defer server.Close()

	client := setupClient(server, testKey)

	folder, err := client.Folder(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Folder() failed: %v", err)
	}
	if folder != "/downloads/complete/book" {
		t.Errorf("expected storage path, got %q", folder)
	}
}

func TestClient_Files_Empty(t *testing.T) {
	client := NewFromConfig(&types.BackendConfig{})

	files, err := client.Files(context.Background(), "SABnzbd_nzo_kyt1v0")
	if err != nil {
		t.Fatalf("Files() failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected empty file list, got %d entries", len(files))
	}
}

func TestClient_Add(t *testing.T) {
	server := fakeServer(t, nil, nil)
	defer server.Close()

	client := setupClient(server, testKey)

	id, err := client.Add(context.Background(), &types.AddOptions{
		URL:  "https://indexer.example/get/123.nzb",
		Name: "book",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id != "SABnzbd_nzo_kyt1v0" {
		t.Errorf("expected nzo id, got %q", id)
	}
}

func TestClient_Remove(t *testing.T) {
	server := fakeServer(t, nil, []map[string]any{
		{"nzo_id": "SABnzbd_nzo_kyt1v0", "name": "book", "status": "Completed"},
	})
	defer server.Close()

	client := setupClient(server, testKey)

	removed, err := client.Remove(context.Background(), "SABnzbd_nzo_kyt1v0", true)
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if !removed {
		t.Error("expected removed true")
	}
}

func setupClient(server *httptest.Server, key string) *Client {
	addr := server.Listener.Addr().(*net.TCPAddr)
	return NewFromConfig(&types.BackendConfig{
		Host:   "127.0.0.1",
		Port:   addr.Port,
		APIKey: key,
	})
}
