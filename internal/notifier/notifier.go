// Package notifier delivers session events and message outcomes to the
// controlling application's webhook. Delivery is strictly best-effort:
// enqueue never blocks, a full queue drops the new event, and exhausted
// retries are logged and discarded.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courier/internal/metrics"
	"courier/pkg/logx"
)

type Config struct {
	// URL is the webhook endpoint. Empty disables delivery entirely.
	URL string
	// Secret is sent as X-Service-Secret on every post.
	Secret string
	// Workers bounds concurrent posts. Default 2.
	Workers int
	// QueueSize bounds buffered events. Default 512.
	QueueSize int
	// RatePerSec caps outbound posts. Default 10.
	RatePerSec int
	// Timeout bounds one post round-trip. Default 10s.
	Timeout time.Duration
	// RetryMax is extra attempts after the first. Default 2.
	RetryMax int
	// RetryBase seeds the backoff between retries. Default 500ms.
	RetryBase time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// sessionPayload mirrors the /events/session webhook body.
type sessionPayload struct {
	SessionID string         `json:"sessionId"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// outcomePayload mirrors the /events/message webhook body.
type outcomePayload struct {
	CorrelationID string    `json:"correlationId"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type delivery struct {
	kind string // "session" or "outcome"
	body []byte
}

// Service posts events to the webhook through a bounded queue and a small
// worker pool. It satisfies events.Sink. Safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	met    *metrics.Metrics
	client *http.Client

	limiter *rate.Limiter

	accepting bool
	postWG    sync.WaitGroup

	queue    chan delivery
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, met *metrics.Metrics, log logx.Logger) *Service {
	s := &Service{log: log, met: met}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.URL != ""
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	s.cfg = cfg.withDefaults()
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	s.client = &http.Client{Timeout: s.cfg.Timeout}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		// already running
		s.mu.Unlock()
		return
	}
	if s.cfg.URL == "" {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in webhook worker",
						logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
// When the deadline passes first, in-flight retries are abandoned and the
// teardown finishes in the background, so workers are always released and
// the service can be started again.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	if !s.accepting {
		// A stop is already in progress; just wait for it.
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	s.accepting = false
	s.mu.Unlock()

	go func() {
		// In-flight offers are non-blocking, so the queue can close as soon
		// as they drain.
		s.postWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		s.workerWG.Wait()
		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.runCancel = nil
		s.runCtx = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
}

// PostSessionEvent implements events.Sink.
func (s *Service) PostSessionEvent(sessionID, event string, data map[string]any, at time.Time) {
	b, err := json.Marshal(sessionPayload{SessionID: sessionID, Event: event, Data: data, Timestamp: at})
	if err != nil {
		return
	}
	s.offer(delivery{kind: "session", body: b})
}

// PostMessageOutcome implements events.Sink.
func (s *Service) PostMessageOutcome(correlationID, status, errMsg string, at time.Time) {
	b, err := json.Marshal(outcomePayload{CorrelationID: correlationID, Status: status, Error: errMsg, Timestamp: at})
	if err != nil {
		return
	}
	s.offer(delivery{kind: "outcome", body: b})
}

// offer enqueues without ever blocking the caller. Drops when the notifier
// is stopped, disabled, or the queue is full.
func (s *Service) offer(d delivery) {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return
	}
	q := s.queue
	s.postWG.Add(1)
	s.mu.Unlock()
	defer s.postWG.Done()

	select {
	case q <- d:
	default:
		s.met.Webhook("dropped")
		s.log.Warn("webhook queue full, event dropped", logx.String("kind", d.kind))
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for d := range q {
		if runCtx != nil {
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
		s.postWithRetry(runCtx, d)
	}
}

func (s *Service) postWithRetry(runCtx context.Context, d delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	client := s.client
	s.mu.Unlock()

	path := "/events/session"
	if d.kind == "outcome" {
		path = "/events/message"
	}
	url := strings.TrimRight(cfg.URL, "/") + path

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		wctx := runCtx
		if wctx == nil {
			wctx = context.Background()
		}
		if err := lim.Wait(wctx); err != nil {
			return
		}

		err := s.post(client, cfg, url, d.body)
		if err == nil {
			s.met.Webhook("delivered")
			return
		}
		lastErr = err

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg.RetryBase, attempt)
		t := time.NewTimer(delay)
		rc := runCtx
		if rc == nil {
			rc = context.Background()
		}
		select {
		case <-t.C:
		case <-rc.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	// Discard. The in-process bus already served live subscribers.
	s.met.Webhook("failed")
	s.log.Warn("webhook delivery abandoned",
		logx.String("kind", d.kind),
		logx.Int("attempts", maxAttempts),
		logx.Err(lastErr))
}

func (s *Service) post(client *http.Client, cfg Config, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		req.Header.Set("X-Service-Secret", cfg.Secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "webhook responded " + strconv.Itoa(e.code)
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
