package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: job not found")
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (no durability)
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Job is one outbound message attempt record.
// Keep it compact and schema-stable.
type Job struct {
	ID            string
	SessionID     string
	Target        string
	Body          string
	CorrelationID string
	Priority      int
	Attempt       int
	LastError     string
	// NotBefore delays a retried job; zero means immediately eligible.
	NotBefore  time.Time
	EnqueuedAt time.Time
}

// Counts mirrors the admin stats surface. Completed jobs are deleted from
// the store, so the queue service tracks that count itself.
type Counts struct {
	Waiting int
	Active  int
	Failed  int
	Delayed int
}

// JobStore is the persistence API used by the dispatch queue.
//
// State model: waiting -> active -> (deleted on success | waiting again on
// retry | failed terminally). Failed rows are retained for inspection.
type JobStore interface {
	// Enqueue atomically adds a batch of waiting jobs.
	Enqueue(ctx context.Context, jobs ...Job) error
	// ClaimDue marks up to limit eligible waiting jobs active and returns
	// them, oldest first within priority.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Complete removes a job after a successful send.
	Complete(ctx context.Context, id string) error
	// Retry reschedules an active job into the waiting set.
	Retry(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error
	// Fail marks an active job terminally failed; the row is retained.
	Fail(ctx context.Context, id string, attempt int, lastErr string) error
	// ClearPending drops all waiting jobs (delayed included) and reports
	// how many were dropped. In-flight jobs are untouched.
	ClearPending(ctx context.Context) (int, error)
	// Counts reports queue depth by state; delayed is the subset of
	// waiting jobs whose NotBefore is still in the future.
	Counts(ctx context.Context, now time.Time) (Counts, error)
	// PruneFailed deletes terminal failures older than the cutoff.
	PruneFailed(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}
