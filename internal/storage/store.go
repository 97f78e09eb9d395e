package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Runtime() RuntimeStore
}

// RuntimeStore keeps one runtime record per user per day.
type RuntimeStore interface {
	// Put creates or replaces the record for (Username, Date).
	Put(ctx context.Context, rec RuntimeRecord) error
	Get(ctx context.Context, username, date string) (*RuntimeRecord, error)
	// Latest returns the user's record with the most recent date.
	Latest(ctx context.Context, username string) (*RuntimeRecord, error)
	// List returns every user's record for date.
	List(ctx context.Context, date string) ([]RuntimeRecord, error)
	// DeleteBefore removes records dated before cutoffDate and returns how
	// many were removed.
	DeleteBefore(ctx context.Context, cutoffDate string) (int, error)
}
