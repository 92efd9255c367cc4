// Package snatch persists work records: one row per payload handed to a
// download backend, keyed by (backend, download_id) while active.
package snatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

// ErrDuplicate is returned when an active record already exists for the
// same (backend, download_id) pair.
var ErrDuplicate = errors.New("active record already exists for this download")

// ErrNoRecord is returned when no record matches the given key.
var ErrNoRecord = errors.New("no such record")

// Store provides work record persistence.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a new work record store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "snatch").Logger(),
	}
}

const recordColumns = `id, media_id, media_type, title, backend, download_id,
	status, diagnostic, completed_at, created_at, updated_at`

// Create inserts a new record in Snatched status. The partial unique
// index on active (backend, download_id) pairs rejects duplicates.
func (s *Store) Create(ctx context.Context, input CreateInput) (*Record, error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO wanted (media_id, media_type, title, backend, download_id,
			status, diagnostic, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		input.MediaID, string(input.MediaType), input.Title,
		string(input.Backend), input.DownloadID, string(StatusSnatched),
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("id", id).
		Str("backend", string(input.Backend)).
		Str("download_id", input.DownloadID).
		Str("title", input.Title).
		Msg("Snatched")

	return s.byID(ctx, id)
}

// Get returns the most recent record for (backend, downloadID).
func (s *Store) Get(ctx context.Context, backend types.Backend, downloadID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM wanted
		WHERE backend = ? AND download_id = ?
		ORDER BY id DESC
		LIMIT 1`,
		string(backend), downloadID,
	)
	return scanRecord(row)
}

// ListActive returns all records still worth polling.
func (s *Store) ListActive(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM wanted
		WHERE status IN (?, ?)
		ORDER BY id`,
		string(StatusSnatched), string(StatusSeeding),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// HasActiveRecord reports whether an active record exists for the pair.
// Satisfies the direct package's RecordChecker.
func (s *Store) HasActiveRecord(ctx context.Context, backend types.Backend, downloadID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM wanted
		WHERE backend = ? AND download_id = ? AND status IN (?, ?)`,
		string(backend), downloadID, string(StatusSnatched), string(StatusSeeding),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count active records: %w", err)
	}
	return n > 0, nil
}

// Abort marks the record Aborted with a diagnostic. The write is a
// single UPDATE and idempotent: repeating it with the same message is a
// no-op as far as observers can tell. Aborted is terminal, so the
// statement never resurrects a record into an active status.
func (s *Store) Abort(ctx context.Context, backend types.Backend, downloadID, diagnostic string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wanted
		SET status = ?, diagnostic = ?, updated_at = ?
		WHERE backend = ? AND download_id = ? AND status != ?`,
		string(StatusAborted), diagnostic, time.Now().UTC(),
		string(backend), downloadID, string(StatusProcessed),
	)
	if err != nil {
		return fmt.Errorf("failed to abort record: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Warn().
			Str("backend", string(backend)).
			Str("download_id", downloadID).
			Str("diagnostic", diagnostic).
			Msg("Aborted")
	}
	return nil
}

// SetSeeding moves a Snatched record to Seeding. Already-Seeding and
// terminal records are left alone.
func (s *Store) SetSeeding(ctx context.Context, backend types.Backend, downloadID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wanted
		SET status = ?, updated_at = ?
		WHERE backend = ? AND download_id = ? AND status = ?`,
		string(StatusSeeding), time.Now().UTC(),
		string(backend), downloadID, string(StatusSnatched),
	)
	if err != nil {
		return fmt.Errorf("failed to set seeding: %w", err)
	}
	return nil
}

// MarkCompleted stamps completed_at on the first observed completion.
// Later completions of the same record keep the original timestamp.
func (s *Store) MarkCompleted(ctx context.Context, backend types.Backend, downloadID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wanted
		SET completed_at = ?, updated_at = ?
		WHERE backend = ? AND download_id = ? AND completed_at IS NULL`,
		at.UTC(), time.Now().UTC(),
		string(backend), downloadID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	return nil
}

// MarkProcessed marks a record as handed off to post-processing.
func (s *Store) MarkProcessed(ctx context.Context, backend types.Backend, downloadID string) error {
	return s.setTerminal(ctx, backend, downloadID, StatusProcessed, "")
}

// MarkFailed marks a record as failed with a diagnostic.
func (s *Store) MarkFailed(ctx context.Context, backend types.Backend, downloadID, diagnostic string) error {
	return s.setTerminal(ctx, backend, downloadID, StatusFailed, diagnostic)
}

func (s *Store) setTerminal(ctx context.Context, backend types.Backend, downloadID string, status Status, diagnostic string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wanted
		SET status = ?, diagnostic = ?, updated_at = ?
		WHERE backend = ? AND download_id = ? AND status IN (?, ?)`,
		string(status), diagnostic, time.Now().UTC(),
		string(backend), downloadID, string(StatusSnatched), string(StatusSeeding),
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRecord
	}
	return nil
}

func (s *Store) byID(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM wanted
		WHERE id = ?`, id,
	)
	return scanRecord(row)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var r Record
	var mediaType, backend, status string
	var completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.MediaID, &mediaType, &r.Title, &backend,
		&r.DownloadID, &status, &r.Diagnostic, &completedAt,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	r.MediaType = MediaType(mediaType)
	r.Backend = types.Backend(backend)
	r.Status = Status(status)
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	return &r, nil
}

// isUniqueViolation matches the sqlite unique-constraint error without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
