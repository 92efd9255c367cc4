package history

import (
	"time"

	"github.com/slipcase/slipcase/internal/downloader/types"
	"github.com/slipcase/slipcase/internal/snatch"
)

// EventType classifies a history event.
type EventType string

const (
	EventTypeSnatched  EventType = "snatched"
	EventTypeAborted   EventType = "aborted"
	EventTypeRejected  EventType = "rejected"
	EventTypeCompleted EventType = "completed"
	EventTypeDeleted   EventType = "deleted"
)

// Entry is one history event.
type Entry struct {
	ID         int64            `json:"id"`
	EventType  EventType        `json:"eventType"`
	MediaType  snatch.MediaType `json:"mediaType"`
	MediaID    int64            `json:"mediaId"`
	Title      string           `json:"title"`
	Backend    types.Backend    `json:"backend"`
	DownloadID string           `json:"downloadId"`
	Detail     string           `json:"detail"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// CreateInput describes a new history event.
type CreateInput struct {
	EventType  EventType
	MediaType  snatch.MediaType
	MediaID    int64
	Title      string
	Backend    types.Backend
	DownloadID string
	Detail     string
}

// ListOptions filters and paginates history listings.
type ListOptions struct {
	EventType string
	MediaType string
	Page      int
	PageSize  int
}

// ListResponse is a page of history entries.
type ListResponse struct {
	Items      []*Entry `json:"items"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalCount int64    `json:"totalCount"`
	TotalPages int      `json:"totalPages"`
}
