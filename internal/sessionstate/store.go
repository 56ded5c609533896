package sessionstate

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no snapshot exists for the id.
var ErrNotFound = errors.New("scan snapshot not found")

// Snapshot captures the persisted state of one asynchronous scan.
type Snapshot struct {
	ScanID      string     `json:"scan_id"`
	StartURL    string     `json:"start_url"`
	Status      string     `json:"status"`
	Processed   int64      `json:"processed"`
	Visited     int        `json:"visited"`
	Pending     int        `json:"pending"`
	Issues      int        `json:"issues"`
	LastURL     string     `json:"last_url"`
	Message     string     `json:"message"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store persists snapshots so scan state outlives the process that ran it.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, scanID string) error
	Get(ctx context.Context, scanID string) (Snapshot, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}
