package snatch

import (
	"time"

	"github.com/slipcase/slipcase/internal/downloader/types"
)

// Status tracks a work record through its lifecycle. Snatched and
// Seeding are active; the rest are terminal for this subsystem.
type Status string

const (
	StatusSnatched  Status = "Snatched"
	StatusSeeding   Status = "Seeding"
	StatusAborted   Status = "Aborted"
	StatusProcessed Status = "Processed"
	StatusFailed    Status = "Failed"
)

// MediaType classifies what a record was snatched for.
type MediaType string

const (
	MediaTypeEbook     MediaType = "ebook"
	MediaTypeAudiobook MediaType = "audiobook"
	MediaTypeMagazine  MediaType = "magazine"
	MediaTypeComic     MediaType = "comic"
)

// Record is one row of the wanted table: a payload handed to a download
// backend, tracked until post-processing picks it up or it fails.
type Record struct {
	ID          int64
	MediaID     int64
	MediaType   MediaType
	Title       string
	Backend     types.Backend
	DownloadID  string
	Status      Status
	Diagnostic  string
	CompletedAt time.Time // zero until the first observed completion
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Active reports whether the record still needs monitoring.
func (r *Record) Active() bool {
	return r.Status == StatusSnatched || r.Status == StatusSeeding
}

// CreateInput describes a new snatched record.
type CreateInput struct {
	MediaID    int64
	MediaType  MediaType
	Title      string
	Backend    types.Backend
	DownloadID string
}
