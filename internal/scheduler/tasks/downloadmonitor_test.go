package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader"
	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
	"github.com/slipcase/slipcase/internal/validator"
)

type fakeFacade struct {
	progress downloader.ProgressResult
	progErr  error
	files    []types.FileEntry
	folder   string
	deleted  int
}

func (f *fakeFacade) GetProgress(context.Context, types.Backend, string) (downloader.ProgressResult, error) {
	return f.progress, f.progErr
}

func (f *fakeFacade) GetFiles(context.Context, types.Backend, string) ([]types.FileEntry, error) {
	return f.files, nil
}

func (f *fakeFacade) GetFolder(context.Context, types.Backend, string) (string, error) {
	return f.folder, nil
}

func (f *fakeFacade) DeleteTask(context.Context, types.Backend, string, bool) (bool, error) {
	f.deleted++
	return true, nil
}

type fakeRecordStore struct {
	records   []*snatch.Record
	processed int
	failed    []string
}

func (s *fakeRecordStore) ListActive(context.Context) ([]*snatch.Record, error) {
	return s.records, nil
}

func (s *fakeRecordStore) MarkProcessed(context.Context, types.Backend, string) error {
	s.processed++
	return nil
}

func (s *fakeRecordStore) MarkFailed(_ context.Context, _ types.Backend, _ string, diagnostic string) error {
	s.failed = append(s.failed, diagnostic)
	return nil
}

type fakeEvents struct {
	aborted   []string
	rejected  []string
	completed []string
}

func (e *fakeEvents) LogAborted(_ context.Context, _ *snatch.Record, diagnostic string) {
	e.aborted = append(e.aborted, diagnostic)
}

func (e *fakeEvents) LogRejected(_ context.Context, _ *snatch.Record, reason string) {
	e.rejected = append(e.rejected, reason)
}

func (e *fakeEvents) LogCompleted(_ context.Context, _ *snatch.Record, folder string) {
	e.completed = append(e.completed, folder)
}

func testValidator() *validator.Validator {
	return validator.New(&validator.Policies{
		BannedExtensions: []string{"exe"},
		Media: map[string]validator.MediaPolicy{
			"ebook": {WantedFiletypes: []string{"epub"}, BannedWords: []string{"mp3"}},
		},
	}, zerolog.Nop())
}

func activeRecord() *snatch.Record {
	return &snatch.Record{
		MediaID:    1,
		MediaType:  snatch.MediaTypeEbook,
		Title:      "A Wizard of Earthsea",
		Backend:    types.BackendDeluge,
		DownloadID: "abc",
		Status:     snatch.StatusSnatched,
	}
}

func setupTask(facade *fakeFacade, store *fakeRecordStore, events *fakeEvents, process PostProcessFunc) *DownloadMonitorTask {
	return NewDownloadMonitorTask(facade, store, testValidator(), events, process, zerolog.Nop())
}

func TestRun_InProgress_NoWrites(t *testing.T) {
	facade := &fakeFacade{progress: downloader.ProgressResult{Percent: 42}}
	store := &fakeRecordStore{records: []*snatch.Record{activeRecord()}}
	events := &fakeEvents{}

	if err := setupTask(facade, store, events, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if store.processed != 0 || len(store.failed) != 0 {
		t.Errorf("in-progress record must not be finalized, store: %+v", store)
	}
}

func TestRun_TransportError_Skipped(t *testing.T) {
	facade := &fakeFacade{progErr: errors.New("connection refused")}
	store := &fakeRecordStore{records: []*snatch.Record{activeRecord()}}
	events := &fakeEvents{}

	if err := setupTask(facade, store, events, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(events.aborted)+len(events.rejected)+len(events.completed) != 0 {
		t.Errorf("transport failure must not produce events: %+v", events)
	}
}

func TestRun_Aborted_RecordsHistory(t *testing.T) {
	facade := &fakeFacade{progress: downloader.ProgressResult{Percent: -1, Aborted: true, Message: "abc not found at deluge"}}
	store := &fakeRecordStore{records: []*snatch.Record{activeRecord()}}
	events := &fakeEvents{}

	if err := setupTask(facade, store, events, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(events.aborted) != 1 || events.aborted[0] != "abc not found at deluge" {
		t.Errorf("expected abort event, got %+v", events.aborted)
	}
}

func TestRun_Completed_ProcessedAndLogged(t *testing.T) {
	facade := &fakeFacade{
		progress: downloader.ProgressResult{Percent: 100, Downloaded: true, Finished: true},
		files:    []types.FileEntry{{Name: "book.epub", Size: "2097152"}},
		folder:   "/downloads/book",
	}
	store := &fakeRecordStore{records: []*snatch.Record{activeRecord()}}
	events := &fakeEvents{}

	var processedFolder string
	process := func(_ context.Context, _ *snatch.Record, folder string) error {
		processedFolder = folder
		return nil
	}

	if err := setupTask(facade, store, events, process).Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if processedFolder != "/downloads/book" {
		t.Errorf("expected post-process hook with folder, got %q", processedFolder)
	}
	if store.processed != 1 {
		t.Errorf("expected record marked processed, got %d", store.processed)
	}
	if len(events.completed) != 1 {
		t.Errorf("expected completed event, got %+v", events.completed)
	}
}

func TestRun_Completed_RejectedByValidator(t *testing.T) {
	facade := &fakeFacade{
		progress: downloader.ProgressResult{Percent: 100, Downloaded: true, Finished: true},
		files:    []types.FileEntry{{Name: "malware.exe", Size: "1000"}},
	}
	store := &fakeRecordStore{records: []*snatch.Record{activeRecord()}}
	events := &fakeEvents{}

	if err := setupTask(facade, store, events, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(store.failed) != 1 {
		t.Fatalf("expected record marked failed, got %+v", store.failed)
	}
	if len(events.rejected) != 1 {
		t.Errorf("expected rejected event, got %+v", events.rejected)
	}
	if facade.deleted != 1 {
		t.Errorf("rejected task must be deleted with its data, deletes: %d", facade.deleted)
	}
	if store.processed != 0 {
		t.Error("rejected record must not be processed")
	}
}

func TestRun_ProcessFailure_Retries(t *testing.T) {
	facade := &fakeFacade{
		progress: downloader.ProgressResult{Percent: 100, Downloaded: true, Finished: true},
		files:    []types.FileEntry{{Name: "book.epub", Size: "2097152"}},
	}
	store := &fakeRecordStore{records: []*snatch.Record{activeRecord()}}
	events := &fakeEvents{}

	process := func(context.Context, *snatch.Record, string) error {
		return errors.New("disk full")
	}

	if err := setupTask(facade, store, events, process).Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if store.processed != 0 {
		t.Error("record must stay active when post-processing fails")
	}
	if len(events.completed) != 0 {
		t.Error("no completed event until post-processing succeeds")
	}
}
