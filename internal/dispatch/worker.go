package dispatch

import (
	"context"
	"math/rand"
	"runtime/debug"
	"time"

	"courier/internal/events"
	"courier/internal/storage"
	"courier/pkg/logx"
)

// claimLoop pulls due jobs from the store and feeds the worker pool. It is
// the only goroutine claiming, so the store never sees competing claims.
func (s *Service) claimLoop(ctx context.Context, stopCh <-chan struct{}, queue chan<- storage.Job) {
	s.mu.Lock()
	interval := s.cfg.PollInterval
	workers := s.cfg.Workers
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}

		if s.paused.Load() {
			continue
		}
		// Claim at most one batch of idle capacity; anything beyond that
		// stays waiting and keeps its arrival order in the store.
		capacity := workers - int(s.inflight.Load())
		if capacity <= 0 {
			continue
		}
		jobs, err := s.store.ClaimDue(ctx, time.Now(), capacity)
		if err != nil {
			s.log.Warn("job claim failed", logx.Err(err))
			continue
		}
		if c, err := s.store.Counts(ctx, time.Now()); err == nil {
			s.publishDepth(c)
		}
		for _, j := range jobs {
			s.inflight.Add(1)
			select {
			case queue <- j:
			case <-ctx.Done():
				s.requeue(j)
				s.inflight.Add(-1)
				return
			case <-stopCh:
				s.requeue(j)
				s.inflight.Add(-1)
				return
			}
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan storage.Job, idx int) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.runJob(ctx, stopCh, j)
		}
	}
}

// runJob executes one claimed job and always releases its worker slot. A
// panic out of the send path is contained here so the worker survives and
// the job returns to the waiting set instead of stranding as active.
func (s *Service) runJob(ctx context.Context, stopCh <-chan struct{}, j storage.Job) {
	defer s.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while executing job",
				logx.String("job", j.ID),
				logx.String("correlation", j.CorrelationID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			s.requeue(j)
		}
	}()
	s.execJob(ctx, stopCh, j)
}

// execJob runs exactly one attempt for a claimed job: pacing wait, send,
// then the success/retry/terminal-failure decision. Later attempts re-enter
// through the store so pacing applies to every attempt.
func (s *Service) execJob(ctx context.Context, stopCh <-chan struct{}, j storage.Job) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	// Anti-abuse pacing before every attempt.
	if !s.pace(ctx, stopCh, cfg) {
		// Shutting down before the attempt started: the job goes back to
		// the waiting set untouched.
		s.requeue(j)
		return
	}

	attempt := j.Attempt + 1
	s.met.Attempt()

	// The send itself is never cancelled mid-flight; shutdown waits for it.
	sendCtx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
	err := s.sender.Send(sendCtx, j.SessionID, j.Target, j.Body, j.CorrelationID)
	cancel()

	if err == nil {
		s.completed.Add(1)
		if cerr := s.store.Complete(context.Background(), j.ID); cerr != nil {
			s.log.Warn("completed job could not be removed", logx.String("job", j.ID), logx.Err(cerr))
		}
		s.log.Info("message sent",
			logx.String("correlation", j.CorrelationID),
			logx.String("session", j.SessionID),
			logx.Int("attempt", attempt))
		s.bc.MessageOutcome(j.CorrelationID, events.OutcomeSent, "")
		return
	}

	if attempt < cfg.MaxAttempts {
		delay := backoffDelay(cfg.BackoffBase, attempt)
		notBefore := time.Now().Add(delay)
		if rerr := s.store.Retry(context.Background(), j.ID, attempt, notBefore, err.Error()); rerr != nil {
			s.log.Error("retry scheduling failed", logx.String("job", j.ID), logx.Err(rerr))
			return
		}
		s.log.Debug("send retry scheduled",
			logx.String("correlation", j.CorrelationID),
			logx.String("session", j.SessionID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		return
	}

	if ferr := s.store.Fail(context.Background(), j.ID, attempt, err.Error()); ferr != nil {
		s.log.Error("terminal failure could not be recorded", logx.String("job", j.ID), logx.Err(ferr))
	}
	s.log.Warn("message failed terminally",
		logx.String("correlation", j.CorrelationID),
		logx.String("session", j.SessionID),
		logx.Int("attempts", attempt),
		logx.Err(err))
	s.bc.MessageOutcome(j.CorrelationID, events.OutcomeFailed, err.Error())
}

// pace sleeps for a uniformly random interval in [PacingMin, PacingMax).
// It returns false if the service shut down before the wait finished.
func (s *Service) pace(ctx context.Context, stopCh <-chan struct{}, cfg Config) bool {
	span := cfg.PacingMax - cfg.PacingMin
	delay := cfg.PacingMin + time.Duration(rand.Int63n(int64(span)))
	tmr := time.NewTimer(delay)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return true
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	}
}

// requeue returns an interrupted claimed job to the waiting set without
// burning an attempt.
func (s *Service) requeue(j storage.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Retry(ctx, j.ID, j.Attempt, time.Time{}, j.LastError); err != nil {
		s.log.Warn("interrupted job could not be requeued", logx.String("job", j.ID), logx.Err(err))
	}
}

// backoffDelay is the exponential retry schedule: base * 2^(attempt-1),
// where attempt is the just-failed attempt number (1-based).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
