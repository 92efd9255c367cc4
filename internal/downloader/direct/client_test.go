package direct

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

type fakeRecords struct {
	active map[string]bool
	err    error
}

func (f *fakeRecords) HasActiveRecord(_ context.Context, _ types.Backend, id string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.active[id], nil
}

func setupClient(backend types.Backend, dir string, records *fakeRecords) *Client {
	return NewFromConfig(backend, &types.BackendConfig{DownloadDir: dir}, records, zerolog.Nop())
}

func TestClient_Backend(t *testing.T) {
	for _, backend := range []types.Backend{types.BackendDirect, types.BackendIRC, types.BackendBlackhole} {
		client := setupClient(backend, "", &fakeRecords{})
		if client.Backend() != backend {
			t.Errorf("expected backend %s, got %s", backend, client.Backend())
		}
		if client.Protocol() != types.ProtocolDirect {
			t.Errorf("expected protocol %s, got %s", types.ProtocolDirect, client.Protocol())
		}
	}
}

func TestClient_Progress_ActiveRecord(t *testing.T) {
	client := setupClient(types.BackendDirect, "", &fakeRecords{active: map[string]bool{"abc": true}})

	progress, err := client.Progress(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Progress() failed: %v", err)
	}
	if progress.Percent != 100 || !progress.Downloaded || !progress.Finished {
		t.Errorf("expected complete progress for active record, got %+v", progress)
	}
}

func TestClient_Progress_NoRecord(t *testing.T) {
	client := setupClient(types.BackendIRC, "", &fakeRecords{})

	_, err := client.Progress(context.Background(), "gone")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClient_Progress_StoreError(t *testing.T) {
	storeErr := errors.New("db locked")
	client := setupClient(types.BackendDirect, "", &fakeRecords{err: storeErr})

	_, err := client.Progress(context.Background(), "abc")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestClient_Add_Direct(t *testing.T) {
	client := setupClient(types.BackendDirect, "", &fakeRecords{})

	id, err := client.Add(context.Background(), &types.AddOptions{Name: "book"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	other, err := client.Add(context.Background(), &types.AddOptions{Name: "book"})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if other == id {
		t.Error("expected unique ids per add")
	}
}

func TestClient_Add_BlackholeWritesFile(t *testing.T) {
	dir := t.TempDir()
	client := setupClient(types.BackendBlackhole, dir, &fakeRecords{})

	_, err := client.Add(context.Background(), &types.AddOptions{
		Name:        "book.torrent",
		FileContent: []byte("d8:announce0:e"),
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "book.torrent"))
	if err != nil {
		t.Fatalf("expected payload in drop folder: %v", err)
	}
	if string(data) != "d8:announce0:e" {
		t.Errorf("unexpected payload: %q", data)
	}
}

func TestClient_Add_BlackholeRequiresContent(t *testing.T) {
	client := setupClient(types.BackendBlackhole, t.TempDir(), &fakeRecords{})

	_, err := client.Add(context.Background(), &types.AddOptions{URL: "https://example.com/x.torrent"})
	if err == nil {
		t.Fatal("expected error for blackhole add without content")
	}
}

func TestClient_Test_Blackhole(t *testing.T) {
	client := setupClient(types.BackendBlackhole, t.TempDir(), &fakeRecords{})
	if err := client.Test(context.Background()); err != nil {
		t.Fatalf("Test() failed: %v", err)
	}

	missing := setupClient(types.BackendBlackhole, "/nonexistent/blackhole", &fakeRecords{})
	if err := missing.Test(context.Background()); err == nil {
		t.Fatal("expected error for missing drop folder")
	}
}

func TestClient_Remove(t *testing.T) {
	for _, backend := range []types.Backend{types.BackendDirect, types.BackendIRC} {
		client := setupClient(backend, "", &fakeRecords{})
		removed, err := client.Remove(context.Background(), "abc", true)
		if err != nil {
			t.Fatalf("Remove() failed for %s: %v", backend, err)
		}
		if !removed {
			t.Errorf("expected trivial removal for %s", backend)
		}
	}

	blackhole := setupClient(types.BackendBlackhole, "", &fakeRecords{})
	removed, err := blackhole.Remove(context.Background(), "abc", true)
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if removed {
		t.Error("blackhole removal must report false")
	}
}

func TestClient_Folder(t *testing.T) {
	client := setupClient(types.BackendDirect, "/downloads/direct", &fakeRecords{})

	folder, err := client.Folder(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Folder() failed: %v", err)
	}
	if folder != "/downloads/direct" {
		t.Errorf("expected configured folder, got %q", folder)
	}
}
