package downloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
)

// RecordStore is the slice of the snatch store the facade writes
// through while interpreting backend progress.
type RecordStore interface {
	Get(ctx context.Context, backend types.Backend, downloadID string) (*snatch.Record, error)
	Abort(ctx context.Context, backend types.Backend, downloadID, diagnostic string) error
	SetSeeding(ctx context.Context, backend types.Backend, downloadID string) error
	MarkCompleted(ctx context.Context, backend types.Backend, downloadID string, at time.Time) error
}

// ProgressResult is what a poll learned about a task. Aborted means the
// task is definitively gone or failed and the work record was updated;
// a transport failure produces no result at all (error return).
type ProgressResult struct {
	Percent    int
	Downloaded bool
	Finished   bool
	Aborted    bool
	Message    string
}

// Facade exposes download task operations across all backends, keyed by
// (backend, download id), and applies the resulting work record
// transitions.
type Facade struct {
	registry *Registry
	store    RecordStore
	logger   zerolog.Logger
}

// NewFacade creates the task facade.
func NewFacade(registry *Registry, store RecordStore, logger zerolog.Logger) *Facade {
	return &Facade{
		registry: registry,
		store:    store,
		logger:   logger.With().Str("component", "downloader").Logger(),
	}
}

// GetName returns the task's display name, falling back to the work
// record title for backends without a listing. Returns "" when neither
// side knows the task.
func (f *Facade) GetName(ctx context.Context, backend types.Backend, id string) (string, error) {
	client, err := f.registry.Client(backend)
	if err != nil {
		return "", err
	}

	name, err := client.Name(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if name != "" {
		return name, nil
	}

	record, err := f.store.Get(ctx, backend, id)
	if errors.Is(err, snatch.ErrNoRecord) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return record.Title, nil
}

// GetFiles returns the backend's file listing for the task. Backends
// without a listing return an empty slice, never an error.
func (f *Facade) GetFiles(ctx context.Context, backend types.Backend, id string) ([]types.FileEntry, error) {
	client, err := f.registry.Client(backend)
	if err != nil {
		return nil, err
	}
	return client.Files(ctx, id)
}

// GetFolder returns the task's destination folder once the backend
// knows it.
func (f *Facade) GetFolder(ctx context.Context, backend types.Backend, id string) (string, error) {
	client, err := f.registry.Client(backend)
	if err != nil {
		return "", err
	}
	return client.Folder(ctx, id)
}

// GetProgress polls the backend and applies the resulting work record
// transition: definitive not-found or backend failure aborts the
// record, the first observed completion stamps completed_at, and a
// downloaded-but-still-seeding torrent moves to Seeding. Transport
// failures change nothing and surface as an error.
func (f *Facade) GetProgress(ctx context.Context, backend types.Backend, id string) (ProgressResult, error) {
	client, err := f.registry.Client(backend)
	if err != nil {
		return ProgressResult{}, err
	}

	progress, err := client.Progress(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		diagnostic := fmt.Sprintf("%s not found at %s", id, backend)
		if abortErr := f.store.Abort(ctx, backend, id, diagnostic); abortErr != nil {
			return ProgressResult{}, abortErr
		}
		return ProgressResult{Percent: -1, Aborted: true, Message: diagnostic}, nil
	}
	if err != nil {
		f.logger.Warn().Err(err).
			Str("backend", string(backend)).
			Str("id", id).
			Msg("progress poll failed, no new information")
		return ProgressResult{Percent: -1}, err
	}

	if progress.Errored {
		if abortErr := f.store.Abort(ctx, backend, id, progress.Message); abortErr != nil {
			return ProgressResult{}, abortErr
		}
		return ProgressResult{Percent: -1, Aborted: true, Message: progress.Message}, nil
	}

	result := ProgressResult{
		Percent:    progress.Percent,
		Downloaded: progress.Downloaded,
		Finished:   progress.Finished,
	}

	if progress.Finished {
		if err := f.store.MarkCompleted(ctx, backend, id, time.Now()); err != nil {
			return ProgressResult{}, err
		}
		return result, nil
	}

	if progress.Downloaded && backend.IsTorrent() {
		if err := f.store.SetSeeding(ctx, backend, id); err != nil {
			return ProgressResult{}, err
		}
	}

	return result, nil
}

// DeleteTask removes the task from its backend, deleting payload data
// when asked. The returned bool reports whether the backend actually
// removed anything: manual drops trivially succeed, blackhole tasks
// always report false because only the watching client can remove them.
func (f *Facade) DeleteTask(ctx context.Context, backend types.Backend, id string, deleteData bool) (bool, error) {
	client, err := f.registry.Client(backend)
	if err != nil {
		return false, err
	}

	removed, err := client.Remove(ctx, id, deleteData)
	if errors.Is(err, types.ErrNotFound) {
		// Already gone: the desired end state.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	f.logger.Info().
		Str("backend", string(backend)).
		Str("id", id).
		Bool("removed", removed).
		Bool("delete_data", deleteData).
		Msg("delete task")
	return removed, nil
}
