package transmission

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

const testSession = "vuJBEnjrlAqV9T4P"

// fakeServer enforces the 409 session handshake and serves canned
// torrent-get data.
func fakeServer(t *testing.T, torrents []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(sessionHeader) != testSession {
			w.Header().Set(sessionHeader, testSession)
			w.WriteHeader(http.StatusConflict)
			return
		}

		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		switch req.Method {
		case "session-get":
			json.NewEncoder(w).Encode(map[string]any{
				"result":    "success",
				"arguments": map[string]any{"version": "4.0.5"},
			})
		case "torrent-get":
			json.NewEncoder(w).Encode(map[string]any{
				"result":    "success",
				"arguments": map[string]any{"torrents": torrents},
			})
		case "torrent-remove", "torrent-stop":
			json.NewEncoder(w).Encode(map[string]any{"result": "success", "arguments": map[string]any{}})
		case "torrent-add":
			json.NewEncoder(w).Encode(map[string]any{
				"result": "success",
				"arguments": map[string]any{
					"torrent-added": map[string]any{"hashString": "ABC123DEF456"},
				},
			})
		default:
			t.Errorf("unexpected method: %s", req.Method)
		}
	}))
}

func TestClient_Backend(t *testing.T) {
	client := NewFromConfig(&types.BackendConfig{})
	if client.Backend() != types.BackendTransmission {
		t.Errorf("expected backend %s, got %s", types.BackendTransmission, client.Backend())
	}
	if client.Protocol() != types.ProtocolTorrent {
		t.Errorf("expected protocol %s, got %s", types.ProtocolTorrent, client.Protocol())
	}
}

func TestClient_SessionHandshake(t *testing.T) {
	server := fakeServer(t, nil)
	defer server.Close()

	client := setupClient(server)

	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("Test() failed: %v", err)
	}

	if client.sessionID != testSession {
		t.Errorf("expected stored session %q, got %q", testSession, client.sessionID)
	}

	// Second call reuses the stored token without a fresh 409.
	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("second Test() failed: %v", err)
	}
}

func TestClient_Progress_Downloading(t *testing.T) {
	server := fakeServer(t, []map[string]any{{
		"hashString":  "abc123",
		"name":        "book",
		"status":      4,
		"percentDone": 0.42,
	}})
	defer server.Close()

	client := setupClient(server)

	progress, err := client.Progress(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if progress.Percent != 42 {
		t.Errorf("expected percent 42, got %d", progress.Percent)
	}
	if progress.Downloaded || progress.Finished {
		t.Errorf("expected in-flight progress, got %+v", progress)
	}
}

func TestClient_Progress_SeedingNotFinished(t *testing.T) {
	server := fakeServer(t, []map[string]any{{
		"hashString":  "abc123",
		"name":        "book",
		"status":      6, // seeding
		"percentDone": 1.0,
	}})
	defer server.Close()

	client := setupClient(server)

	progress, err := client.Progress(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if !progress.Downloaded {
		t.Error("expected downloaded")
	}
	if progress.Finished {
		t.Error("seeding torrent must not report finished")
	}
}

func TestClient_Progress_Stopped(t *testing.T) {
	server := fakeServer(t, []map[string]any{{
		"hashString":  "abc123",
		"name":        "book",
		"status":      0,
		"percentDone": 1.0,
	}})
	defer server.Close()

	client := setupClient(server)

	progress, err := client.Progress(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if !progress.Downloaded || !progress.Finished {
		t.Errorf("expected downloaded and finished, got %+v", progress)
	}
}

func TestClient_Progress_ErrorString(t *testing.T) {
	server := fakeServer(t, []map[string]any{{
		"hashString":  "abc123",
		"name":        "book",
		"status":      4,
		"percentDone": 0.1,
		"errorString": "unregistered torrent",
	}})
	defer server.Close()

	client := setupClient(server)

	progress, err := client.Progress(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if !progress.Errored {
		t.Fatal("expected errored result")
	}
	if progress.Message != "unregistered torrent" {
		t.Errorf("unexpected message %q", progress.Message)
	}
}

func TestClient_Progress_NotFound(t *testing.T) {
	server := fakeServer(t, []map[string]any{})
	defer server.Close()

	client := setupClient(server)

	_, err := client.Progress(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_Files(t *testing.T) {
	server := fakeServer(t, []map[string]any{{
		"hashString": "abc123",
		"name":       "book",
		"files": []map[string]any{
			{"name": "book/book.epub", "length": 1048576},
			{"name": "book/cover.jpg", "length": 20480},
		},
	}})
	defer server.Close()

	client := setupClient(server)

	files, err := client.Files(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Files() failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Name != "book/book.epub" || files[0].Size != "1048576" {
		t.Errorf("unexpected first entry: %+v", files[0])
	}
}

func TestClient_Add_Magnet(t *testing.T) {
	server := fakeServer(t, nil)
	defer server.Close()

	client := setupClient(server)

	id, err := client.Add(context.Background(), &types.AddOptions{
		URL: "magnet:?xt=urn:btih:ABC123DEF456",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id != "abc123def456" {
		t.Errorf("expected lowercased hash, got %q", id)
	}
}

func TestClient_Remove(t *testing.T) {
	server := fakeServer(t, nil)
	defer server.Close()

	client := setupClient(server)

	removed, err := client.Remove(context.Background(), "abc123", true)
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if !removed {
		t.Error("expected removed true")
	}
}

func setupClient(server *httptest.Server) *Client {
	addr := server.Listener.Addr().(*net.TCPAddr)
	return NewFromConfig(&types.BackendConfig{
		Host: "127.0.0.1",
		Port: addr.Port,
	})
}
