package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/eventbus"
	"courier/internal/events"
	"courier/internal/storage"
	"courier/pkg/logx"
)

// senderFunc adapts a function to Sender.
type senderFunc func(ctx context.Context, sessionID, target, body, ref string) error

func (f senderFunc) Send(ctx context.Context, sessionID, target, body, ref string) error {
	return f(ctx, sessionID, target, body, ref)
}

// fastConfig keeps test wall time low while preserving the shape of the
// production schedule (pacing before every attempt, exponential backoff).
func fastConfig() Config {
	return Config{
		Workers:      5,
		MaxAttempts:  3,
		BackoffBase:  20 * time.Millisecond,
		PacingMin:    time.Millisecond,
		PacingMax:    2 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		SendTimeout:  time.Second,
	}
}

type outcomeRecorder struct {
	mu    sync.Mutex
	byRef map[string][]string
	ch    chan struct{}
}

func recordOutcomes(t *testing.T, bus eventbus.Bus) *outcomeRecorder {
	t.Helper()
	r := &outcomeRecorder{byRef: map[string][]string{}, ch: make(chan struct{}, 1024)}
	ch, unsub := bus.Subscribe(1024)
	t.Cleanup(unsub)
	go func() {
		for e := range ch {
			if !strings.HasPrefix(e.Topic, "outcome:") {
				continue
			}
			if e.Type != events.OutcomeSent && e.Type != events.OutcomeFailed {
				continue
			}
			r.mu.Lock()
			r.byRef[strings.TrimPrefix(e.Topic, "outcome:")] = append(r.byRef[strings.TrimPrefix(e.Topic, "outcome:")], e.Type)
			r.mu.Unlock()
			r.ch <- struct{}{}
		}
	}()
	return r
}

// waitTerminal blocks until n terminal outcomes arrived or the deadline hit.
func (r *outcomeRecorder) waitTerminal(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		total := 0
		for _, v := range r.byRef {
			total += len(v)
		}
		r.mu.Unlock()
		if total >= n {
			return
		}
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d terminal outcomes", n)
		}
	}
}

func (r *outcomeRecorder) outcomes(ref string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byRef[ref]...)
}

func newTestService(t *testing.T, cfg Config, send senderFunc) (*Service, *outcomeRecorder) {
	t.Helper()
	bus := eventbus.New()
	rec := recordOutcomes(t, bus)
	bc := events.New(bus, nil, nil)
	svc := New(cfg, storage.NewMemory(), send, bc, nil, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc, rec
}

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	base := 2 * time.Second
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := backoffDelay(base, i+1); got != w {
			t.Fatalf("backoffDelay(attempt=%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestSingleJobSent(t *testing.T) {
	t.Parallel()
	var calls sync.Map
	svc, rec := newTestService(t, fastConfig(), func(ctx context.Context, sessionID, target, body, ref string) error {
		calls.Store(ref, sessionID+"|"+target+"|"+body)
		return nil
	})

	err := svc.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", Target: "15557654321", Body: "hi", CorrelationID: "m1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec.waitTerminal(t, 1, 5*time.Second)
	if got := rec.outcomes("m1"); len(got) != 1 || got[0] != events.OutcomeSent {
		t.Fatalf("outcomes for m1 = %v, want exactly one SENT", got)
	}
	if v, ok := calls.Load("m1"); !ok || v != "s1|15557654321|hi" {
		t.Fatalf("sender saw %v", v)
	}

	st, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Completed != 1 || st.Waiting != 0 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTransientFailuresEventuallySent(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var attempts []time.Time
	cfg := fastConfig()
	svc, rec := newTestService(t, cfg, func(ctx context.Context, sessionID, target, body, ref string) error {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()
		if n <= 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err := svc.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", Target: "15557654321", Body: "hi", CorrelationID: "m1",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec.waitTerminal(t, 1, 10*time.Second)
	if got := rec.outcomes("m1"); len(got) != 1 || got[0] != events.OutcomeSent {
		t.Fatalf("outcomes = %v, want one SENT after retries", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	// Backoff floor: attempt k+1 starts at least base*2^(k-1) after attempt k.
	if gap := attempts[1].Sub(attempts[0]); gap < cfg.BackoffBase {
		t.Fatalf("gap before attempt 2 = %v, want >= %v", gap, cfg.BackoffBase)
	}
	if gap := attempts[2].Sub(attempts[1]); gap < 2*cfg.BackoffBase {
		t.Fatalf("gap before attempt 3 = %v, want >= %v", gap, 2*cfg.BackoffBase)
	}
}

func TestExhaustedRetriesFailTerminally(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	count := 0
	svc, rec := newTestService(t, fastConfig(), func(ctx context.Context, sessionID, target, body, ref string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return errors.New("session: not connected")
	})

	if err := svc.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "never-initialized", Target: "15557654321", Body: "hi", CorrelationID: "m1",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec.waitTerminal(t, 1, 10*time.Second)
	if got := rec.outcomes("m1"); len(got) != 1 || got[0] != events.OutcomeFailed {
		t.Fatalf("outcomes = %v, want one FAILED", got)
	}
	mu.Lock()
	if count != 3 {
		t.Fatalf("attempts = %d, want exactly 3", count)
	}
	mu.Unlock()

	// The terminal failure is retained for inspection, not purged.
	st, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Failed != 1 || st.Completed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBatchEmitsOneTerminalOutcomePerJob(t *testing.T) {
	t.Parallel()
	const n = 12
	var mu sync.Mutex
	perRef := map[string]int{}
	svc, rec := newTestService(t, fastConfig(), func(ctx context.Context, sessionID, target, body, ref string) error {
		mu.Lock()
		perRef[ref]++
		c := perRef[ref]
		mu.Unlock()
		// Up to two transient failures per job, then success.
		if c <= int([]byte(ref)[len(ref)-1])%3 {
			return errors.New("transient")
		}
		return nil
	})

	reqs := make([]EnqueueRequest, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, EnqueueRequest{
			SessionID:     "s1",
			Target:        "15557654321",
			Body:          "hello",
			CorrelationID: "m" + string(rune('a'+i)),
		})
	}
	if err := svc.EnqueueBatch(context.Background(), reqs); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	rec.waitTerminal(t, n, 20*time.Second)
	for _, req := range reqs {
		got := rec.outcomes(req.CorrelationID)
		if len(got) != 1 || got[0] != events.OutcomeSent {
			t.Fatalf("outcomes for %s = %v, want exactly one SENT", req.CorrelationID, got)
		}
	}
}

func TestPacingDelaysAttemptStart(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.PacingMin = 60 * time.Millisecond
	cfg.PacingMax = 120 * time.Millisecond

	var mu sync.Mutex
	var started time.Time
	svc, rec := newTestService(t, cfg, func(ctx context.Context, sessionID, target, body, ref string) error {
		mu.Lock()
		if started.IsZero() {
			started = time.Now()
		}
		mu.Unlock()
		return nil
	})

	enqueued := time.Now()
	if err := svc.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", Target: "15557654321", Body: "hi", CorrelationID: "m1",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec.waitTerminal(t, 1, 5*time.Second)
	mu.Lock()
	gap := started.Sub(enqueued)
	mu.Unlock()
	if gap < cfg.PacingMin {
		t.Fatalf("attempt started %v after enqueue, want >= pacing floor %v", gap, cfg.PacingMin)
	}
}

func TestWorkerSurvivesPanickingSender(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Workers = 1

	var once sync.Map
	svc, rec := newTestService(t, cfg, func(ctx context.Context, sessionID, target, body, ref string) error {
		if ref == "boom" {
			if _, again := once.LoadOrStore("boom", true); !again {
				panic("sender blew up")
			}
		}
		return nil
	})

	if err := svc.EnqueueBatch(context.Background(), []EnqueueRequest{
		{SessionID: "s1", Target: "15557654321", Body: "a", CorrelationID: "boom"},
		{SessionID: "s1", Target: "15557654321", Body: "b", CorrelationID: "m2"},
	}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	// The single worker must survive the panic: the panicking job returns to
	// the waiting set and both jobs still end in exactly one SENT.
	rec.waitTerminal(t, 2, 10*time.Second)
	for _, ref := range []string{"boom", "m2"} {
		if got := rec.outcomes(ref); len(got) != 1 || got[0] != events.OutcomeSent {
			t.Fatalf("outcomes for %s = %v, want exactly one SENT", ref, got)
		}
	}
	st, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Waiting != 0 || st.Active != 0 || st.Failed != 0 {
		t.Fatalf("stats = %+v, want an empty queue", st)
	}
}

func TestEnqueueValidatesFields(t *testing.T) {
	t.Parallel()
	svc := New(fastConfig(), storage.NewMemory(), senderFunc(func(ctx context.Context, sessionID, target, body, ref string) error {
		return nil
	}), events.New(eventbus.New(), nil, nil), nil, logx.Nop())

	bad := []EnqueueRequest{
		{Target: "1", Body: "b", CorrelationID: "m"},
		{SessionID: "s", Body: "b", CorrelationID: "m"},
		{SessionID: "s", Target: "1", CorrelationID: "m"},
		{SessionID: "s", Target: "1", Body: "b"},
	}
	for i, req := range bad {
		if err := svc.Enqueue(context.Background(), req); !errors.Is(err, ErrMissingFields) {
			t.Fatalf("case %d: err = %v, want ErrMissingFields", i, err)
		}
	}
}

func TestPauseHoldsNewWorkAndResumeReleasesIt(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	count := 0
	svc, rec := newTestService(t, fastConfig(), func(ctx context.Context, sessionID, target, body, ref string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	svc.Pause()
	if err := svc.Enqueue(context.Background(), EnqueueRequest{
		SessionID: "s1", Target: "15557654321", Body: "hi", CorrelationID: "m1",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	if count != 0 {
		mu.Unlock()
		t.Fatal("paused queue still attempted a send")
	}
	mu.Unlock()

	st, _ := svc.Stats(context.Background())
	if !st.Paused || st.Waiting != 1 {
		t.Fatalf("stats while paused = %+v", st)
	}

	svc.Resume()
	rec.waitTerminal(t, 1, 5*time.Second)
	if got := rec.outcomes("m1"); len(got) != 1 || got[0] != events.OutcomeSent {
		t.Fatalf("outcomes after resume = %v", got)
	}
}

func TestClearDropsPendingWithoutOutcomes(t *testing.T) {
	t.Parallel()
	svc, rec := newTestService(t, fastConfig(), func(ctx context.Context, sessionID, target, body, ref string) error {
		return nil
	})

	svc.Pause()
	if err := svc.EnqueueBatch(context.Background(), []EnqueueRequest{
		{SessionID: "s1", Target: "1", Body: "a", CorrelationID: "m1"},
		{SessionID: "s1", Target: "1", Body: "b", CorrelationID: "m2"},
	}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	dropped, err := svc.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}

	svc.Resume()
	time.Sleep(100 * time.Millisecond)
	if got := rec.outcomes("m1"); len(got) != 0 {
		t.Fatalf("cleared job still produced outcomes: %v", got)
	}
	st, _ := svc.Stats(context.Background())
	if st.Waiting != 0 || st.Completed != 0 {
		t.Fatalf("stats after clear = %+v", st)
	}
}
