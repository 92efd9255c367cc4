// Package history records lifecycle events so operators can see why a
// download finished, failed or was rejected.
package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
)

// Service provides history management functionality.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a new history service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Create records a new history event.
func (s *Service) Create(ctx context.Context, input CreateInput) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (event_type, media_type, media_id, title, backend, download_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(input.EventType), string(input.MediaType), input.MediaID,
		input.Title, string(input.Backend), input.DownloadID, input.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// LogAborted records an aborted download with its diagnostic.
func (s *Service) LogAborted(ctx context.Context, record *snatch.Record, diagnostic string) {
	s.log(ctx, EventTypeAborted, record, diagnostic)
}

// LogRejected records a validator rejection.
func (s *Service) LogRejected(ctx context.Context, record *snatch.Record, reason string) {
	s.log(ctx, EventTypeRejected, record, reason)
}

// LogCompleted records a finished download.
func (s *Service) LogCompleted(ctx context.Context, record *snatch.Record, folder string) {
	s.log(ctx, EventTypeCompleted, record, folder)
}

// LogSnatched records a payload handed to a backend.
func (s *Service) LogSnatched(ctx context.Context, record *snatch.Record, detail string) {
	s.log(ctx, EventTypeSnatched, record, detail)
}

// LogDeleted records a task removed from its backend.
func (s *Service) LogDeleted(ctx context.Context, record *snatch.Record, detail string) {
	s.log(ctx, EventTypeDeleted, record, detail)
}

// log writes an event derived from a work record. History is advisory,
// so a failed write is logged and swallowed rather than failing the
// poll that produced it.
func (s *Service) log(ctx context.Context, eventType EventType, record *snatch.Record, detail string) {
	err := s.Create(ctx, CreateInput{
		EventType:  eventType,
		MediaType:  record.MediaType,
		MediaID:    record.MediaID,
		Title:      record.Title,
		Backend:    record.Backend,
		DownloadID: record.DownloadID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("event", string(eventType)).
			Str("download_id", record.DownloadID).
			Msg("failed to record history event")
	}
}

// List lists history entries with pagination and filtering.
func (s *Service) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 {
		opts.PageSize = 50
	}
	if opts.PageSize > 100 {
		opts.PageSize = 100
	}

	where := "WHERE 1=1"
	args := []any{}
	if opts.EventType != "" {
		where += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if opts.MediaType != "" {
		where += " AND media_type = ?"
		args = append(args, opts.MediaType)
	}

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history "+where, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}

	query := `
		SELECT id, event_type, media_type, media_id, title, backend, download_id, detail, created_at
		FROM history ` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	args = append(args, opts.PageSize, (opts.Page-1)*opts.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, opts.PageSize)
	for rows.Next() {
		var e Entry
		var eventType, mediaType, backend string
		if err := rows.Scan(&e.ID, &eventType, &mediaType, &e.MediaID,
			&e.Title, &backend, &e.DownloadID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.EventType = EventType(eventType)
		e.MediaType = snatch.MediaType(mediaType)
		e.Backend = types.Backend(backend)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	totalPages := int(totalCount) / opts.PageSize
	if int(totalCount)%opts.PageSize > 0 {
		totalPages++
	}

	return &ListResponse{
		Items:      entries,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
		TotalCount: totalCount,
		TotalPages: totalPages,
	}, nil
}

// DeleteAll deletes all history entries.
func (s *Service) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM history"); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
