// Package tasks contains the scheduled background jobs.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader"
	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/scheduler"
	"github.com/slipcase/slipcase/internal/snatch"
	"github.com/slipcase/slipcase/internal/validator"
)

// TaskFacade is the slice of the downloader facade the monitor uses.
type TaskFacade interface {
	GetProgress(ctx context.Context, backend types.Backend, id string) (downloader.ProgressResult, error)
	GetFiles(ctx context.Context, backend types.Backend, id string) ([]types.FileEntry, error)
	GetFolder(ctx context.Context, backend types.Backend, id string) (string, error)
	DeleteTask(ctx context.Context, backend types.Backend, id string, deleteData bool) (bool, error)
}

// RecordStore lists and finalizes work records.
type RecordStore interface {
	ListActive(ctx context.Context) ([]*snatch.Record, error)
	MarkProcessed(ctx context.Context, backend types.Backend, downloadID string) error
	MarkFailed(ctx context.Context, backend types.Backend, downloadID, diagnostic string) error
}

// EventLog records history events produced by the monitor.
type EventLog interface {
	LogAborted(ctx context.Context, record *snatch.Record, diagnostic string)
	LogRejected(ctx context.Context, record *snatch.Record, reason string)
	LogCompleted(ctx context.Context, record *snatch.Record, folder string)
}

// PostProcessFunc receives a validated, completed download. When it
// returns an error the record stays active and is retried next cycle.
type PostProcessFunc func(ctx context.Context, record *snatch.Record, folder string) error

// DownloadMonitorTask polls every active work record and drives the
// resulting transitions: Seeding, completion hand-off, abort, reject.
type DownloadMonitorTask struct {
	facade    TaskFacade
	store     RecordStore
	validator *validator.Validator
	events    EventLog
	process   PostProcessFunc
	logger    zerolog.Logger
}

// NewDownloadMonitorTask creates a new download monitor task.
func NewDownloadMonitorTask(facade TaskFacade, store RecordStore, v *validator.Validator, events EventLog, process PostProcessFunc, logger zerolog.Logger) *DownloadMonitorTask {
	return &DownloadMonitorTask{
		facade:    facade,
		store:     store,
		validator: v,
		events:    events,
		process:   process,
		logger:    logger.With().Str("task", "download-monitor").Logger(),
	}
}

// Run executes one monitoring pass.
func (t *DownloadMonitorTask) Run(ctx context.Context) error {
	records, err := t.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active records: %w", err)
	}

	for _, record := range records {
		t.poll(ctx, record)
	}

	t.logger.Debug().Int("records", len(records)).Msg("monitor pass completed")
	return nil
}

func (t *DownloadMonitorTask) poll(ctx context.Context, record *snatch.Record) {
	result, err := t.facade.GetProgress(ctx, record.Backend, record.DownloadID)
	if err != nil {
		// Transport failure: no new information this cycle.
		return
	}

	switch {
	case result.Aborted:
		t.events.LogAborted(ctx, record, result.Message)

	case result.Finished:
		t.handleCompletion(ctx, record)

	default:
		t.logger.Debug().
			Str("title", record.Title).
			Str("backend", string(record.Backend)).
			Int("percent", result.Percent).
			Bool("downloaded", result.Downloaded).
			Msg("still in progress")
	}
}

// handleCompletion validates a finished download and hands it to
// post-processing. A rejection fails the record and removes the task
// with its data from the backend.
func (t *DownloadMonitorTask) handleCompletion(ctx context.Context, record *snatch.Record) {
	files, err := t.facade.GetFiles(ctx, record.Backend, record.DownloadID)
	if err != nil {
		t.logger.Warn().Err(err).Str("title", record.Title).Msg("could not list files, retrying next cycle")
		return
	}

	if reason := t.validator.Check(record.MediaType, record.Title, record.Backend, files); reason != "" {
		if err := t.store.MarkFailed(ctx, record.Backend, record.DownloadID, reason); err != nil {
			t.logger.Error().Err(err).Str("title", record.Title).Msg("failed to mark record failed")
			return
		}
		t.events.LogRejected(ctx, record, reason)
		if _, err := t.facade.DeleteTask(ctx, record.Backend, record.DownloadID, true); err != nil {
			t.logger.Warn().Err(err).Str("title", record.Title).Msg("failed to remove rejected task")
		}
		return
	}

	folder, err := t.facade.GetFolder(ctx, record.Backend, record.DownloadID)
	if err != nil {
		t.logger.Warn().Err(err).Str("title", record.Title).Msg("could not resolve folder, retrying next cycle")
		return
	}

	if t.process != nil {
		if err := t.process(ctx, record, folder); err != nil {
			t.logger.Error().Err(err).Str("title", record.Title).Msg("post-processing failed, retrying next cycle")
			return
		}
	}

	if err := t.store.MarkProcessed(ctx, record.Backend, record.DownloadID); err != nil {
		t.logger.Error().Err(err).Str("title", record.Title).Msg("failed to mark record processed")
		return
	}
	t.events.LogCompleted(ctx, record, folder)
}

// RegisterDownloadMonitorTask registers the monitor with the scheduler.
func RegisterDownloadMonitorTask(sched *scheduler.Scheduler, task *DownloadMonitorTask, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "download-monitor",
		Name:        "Download Monitor",
		Description: "Polls active downloads and applies lifecycle transitions",
		Cron:        fmt.Sprintf("@every %s", interval),
		RunOnStart:  true,
		Func:        task.Run,
	})
}
