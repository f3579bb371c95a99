// Package dispatch implements the durable outbound message queue.
//
// Jobs are accepted at any time (the store outlives the worker pool); the
// pool itself is safe to start and stop at runtime. Delivery is
// at-least-once: an accepted job is attempted until success or until its
// retry budget is exhausted, and every job ends in exactly one terminal
// outcome notification.
package dispatch

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"courier/internal/events"
	"courier/internal/metrics"
	"courier/internal/storage"
	"courier/pkg/logx"
)

func New(cfg Config, store storage.JobStore, sender Sender, bc *events.Broadcaster, met *metrics.Metrics, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		sender: sender,
		bc:     bc,
		met:    met,
		log:    log,
	}
}

// Apply updates the runtime-tunable knobs. Worker count changes take effect
// on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Enqueue validates and stores one job. The job is picked up by the claim
// loop; enqueueing while the pool is stopped or paused just parks it.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) error {
	jobs, err := buildJobs(req)
	if err != nil {
		return err
	}
	return s.store.Enqueue(ctx, jobs...)
}

// EnqueueBatch atomically stores a batch with uniform priority.
func (s *Service) EnqueueBatch(ctx context.Context, reqs []EnqueueRequest) error {
	jobs := make([]storage.Job, 0, len(reqs))
	for _, req := range reqs {
		js, err := buildJobs(req)
		if err != nil {
			return err
		}
		jobs = append(jobs, js...)
	}
	return s.store.Enqueue(ctx, jobs...)
}

func buildJobs(req EnqueueRequest) ([]storage.Job, error) {
	if strings.TrimSpace(req.SessionID) == "" ||
		strings.TrimSpace(req.Target) == "" ||
		req.Body == "" ||
		strings.TrimSpace(req.CorrelationID) == "" {
		return nil, ErrMissingFields
	}
	return []storage.Job{{
		ID:            uuid.NewString(),
		SessionID:     req.SessionID,
		Target:        req.Target,
		Body:          req.Body,
		CorrelationID: req.CorrelationID,
		Priority:      1,
		EnqueuedAt:    time.Now(),
	}}, nil
}

// Pause stops the claim loop from pulling new jobs. In-flight jobs run to
// completion.
func (s *Service) Pause() { s.paused.Store(true) }

// Resume re-enables the claim loop.
func (s *Service) Resume() { s.paused.Store(false) }

// Clear drops all pending (waiting and delayed) jobs. In-flight jobs are
// not cancelled.
func (s *Service) Clear(ctx context.Context) (int, error) {
	n, err := s.store.ClearPending(ctx)
	if err == nil && n > 0 {
		s.log.Info("queue cleared", logx.Int("dropped", n))
	}
	return n, err
}

// Stats reports queue depth by state.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	c, err := s.store.Counts(ctx, time.Now())
	if err != nil {
		return Stats{}, err
	}
	// The store sees claimed-but-not-yet-sending jobs as active too; the
	// in-process counter is the same number as long as one service owns
	// the store, so prefer the store's durable view.
	st := Stats{
		Waiting:   c.Waiting,
		Active:    c.Active,
		Completed: s.completed.Load(),
		Failed:    c.Failed,
		Delayed:   c.Delayed,
		Paused:    s.paused.Load(),
	}
	st.Total = uint64(st.Waiting+st.Active+st.Failed+st.Delayed) + st.Completed
	s.publishDepth(c)
	return st, nil
}

func (s *Service) publishDepth(c storage.Counts) {
	s.met.SetQueueDepth("waiting", c.Waiting)
	s.met.SetQueueDepth("active", c.Active)
	s.met.SetQueueDepth("failed", c.Failed)
	s.met.SetQueueDepth("delayed", c.Delayed)
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	cfg := s.cfg
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.queue = make(chan storage.Job)

	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.claimLoop(runCtx, stopCh, queue)
	}()

	s.workerWG.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.janitor = cron.New()
	if _, err := s.janitor.AddFunc(cfg.JanitorSchedule, s.janitorSweep); err != nil {
		s.log.Warn("invalid janitor schedule, retention sweep disabled",
			logx.String("schedule", cfg.JanitorSchedule), logx.Err(err))
	} else {
		s.janitor.Start()
	}

	s.log.Info("dispatch started",
		logx.Int("workers", cfg.Workers),
		logx.Duration("pacing_min", cfg.PacingMin),
		logx.Duration("pacing_max", cfg.PacingMax))
}

func (s *Service) janitorSweep() {
	s.mu.Lock()
	retention := s.cfg.FailedRetention
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.store.PruneFailed(ctx, time.Now().Add(-retention))
	if err != nil {
		s.log.Warn("failed-job retention sweep errored", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned terminal failures", logx.Int("jobs", n), logx.Duration("retention", retention))
	}
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	janitor := s.janitor
	s.janitor = nil
	s.mu.Unlock()

	if janitor != nil {
		janitor.Stop()
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatch stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}
