// Package storage holds the durable queue that backs all metric state.
package storage

import (
	"context"
	"errors"
	"time"
)

// Category is a named partition of the durable store.
type Category string

const (
	Raw Category = "raw"
	// DispatchReady keeps the on-store name used by the upstream clients.
	DispatchReady Category = "wrapped"
	// Logs holds client log entries, already formatted for the logs intake.
	Logs Category = "logs"
)

var ErrUnavailable = errors.New("queue store unavailable")

// Record is one persisted payload.
type Record struct {
	ID         string
	EnqueuedAt time.Time
	Payload    []byte
}

// Queue is an append-only, time-ordered store of opaque records.
//
// Implementations must be safe for concurrent use. Records of a category are
// returned oldest first and Delete ignores unknown ids.
type Queue interface {
	Enqueue(ctx context.Context, c Category, payloads ...[]byte) ([]string, error)
	PeekBatch(ctx context.Context, c Category, maxCount int) ([]Record, error)
	Delete(ctx context.Context, c Category, ids ...string) error
	Purge(ctx context.Context, c Category, olderThan time.Time) (int64, error)
	Count(ctx context.Context, c Category) (int64, error)
}

// IDs returns the ids of records in order.
func IDs(records []Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
