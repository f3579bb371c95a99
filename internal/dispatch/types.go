package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/events"
	"courier/internal/metrics"
	"courier/internal/storage"
	"courier/pkg/logx"
)

var (
	ErrStopped       = errors.New("dispatch: service stopped")
	ErrMissingFields = errors.New("dispatch: sessionId, target, body and correlationId are required")
)

// Sender performs the actual transmission. Satisfied by the session registry.
type Sender interface {
	Send(ctx context.Context, sessionID, target, body, ref string) error
}

type Config struct {
	// Workers bounds concurrent sends. Default 5.
	Workers int
	// MaxAttempts bounds tries per job. Default 3.
	MaxAttempts int
	// BackoffBase seeds the exponential retry delay (base * 2^(attempt-1)).
	// Default 2s.
	BackoffBase time.Duration
	// PacingMin/PacingMax bound the randomized anti-abuse delay inserted
	// before every attempt; the sample is uniform in [min, max).
	// Defaults 3s and 7s.
	PacingMin time.Duration
	PacingMax time.Duration
	// PollInterval is how often the claim loop looks for due jobs.
	// Default 500ms.
	PollInterval time.Duration
	// SendTimeout bounds one send round-trip. Default 60s.
	SendTimeout time.Duration
	// FailedRetention keeps terminal failures around for inspection before
	// the janitor removes them. Default 168h.
	FailedRetention time.Duration
	// JanitorSchedule is a cron expression for the retention sweep.
	// Default "17 3 * * *".
	JanitorSchedule string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.PacingMin <= 0 {
		c.PacingMin = 3 * time.Second
	}
	if c.PacingMax <= c.PacingMin {
		c.PacingMax = c.PacingMin + 4*time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 60 * time.Second
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = "17 3 * * *"
	}
	return c
}

// EnqueueRequest is one outbound message as accepted at the boundary.
type EnqueueRequest struct {
	SessionID     string `json:"sessionId"`
	Target        string `json:"target"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlationId"`
}

// Stats mirrors the admin stats surface.
type Stats struct {
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Total     uint64 `json:"total"`
	Paused    bool   `json:"paused"`
}

// Service is the durable, rate-limited dispatch queue: a claim loop feeds a
// bounded worker pool; every attempt is paced, failures are retried with
// exponential backoff, terminal outcomes go through the broadcaster.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store  storage.JobStore
	sender Sender
	bc     *events.Broadcaster
	met    *metrics.Metrics
	log    logx.Logger

	queue  chan storage.Job
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when
	// workers fully exit.
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	paused    atomic.Bool
	completed atomic.Uint64
	inflight  atomic.Int64

	janitor *cron.Cron
}
