package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/pkg/logx"
)

type received struct {
	path   string
	secret string
	body   map[string]any
}

type captureServer struct {
	mu   sync.Mutex
	got  []received
	fail atomic.Int32 // number of requests to reject before succeeding
	srv  *httptest.Server
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	c := &captureServer{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.fail.Load() > 0 {
			c.fail.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		c.mu.Lock()
		c.got = append(c.got, received{path: r.URL.Path, secret: r.Header.Get("X-Service-Secret"), body: body})
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *captureServer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *captureServer) waitFor(t *testing.T, n int, timeout time.Duration) []received {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]received(nil), c.got...)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d webhook deliveries, have %d", n, c.count())
	return nil
}

func startNotifier(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc := New(cfg, nil, logx.Nop())
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
	return svc
}

func TestPostsSessionEventWithSecret(t *testing.T) {
	t.Parallel()
	cs := newCaptureServer(t)
	svc := startNotifier(t, Config{URL: cs.srv.URL, Secret: "hunter2", RatePerSec: 1000})

	at := time.Now()
	svc.PostSessionEvent("s1", "connected", map[string]any{"identity": "15550001111"}, at)

	got := cs.waitFor(t, 1, 5*time.Second)
	if got[0].path != "/events/session" {
		t.Fatalf("path = %q", got[0].path)
	}
	if got[0].secret != "hunter2" {
		t.Fatalf("secret header = %q", got[0].secret)
	}
	if got[0].body["sessionId"] != "s1" || got[0].body["event"] != "connected" {
		t.Fatalf("body = %v", got[0].body)
	}
	data, _ := got[0].body["data"].(map[string]any)
	if data["identity"] != "15550001111" {
		t.Fatalf("data = %v", data)
	}
}

func TestPostsMessageOutcome(t *testing.T) {
	t.Parallel()
	cs := newCaptureServer(t)
	svc := startNotifier(t, Config{URL: cs.srv.URL, RatePerSec: 1000})

	svc.PostMessageOutcome("m1", "FAILED", "send: not connected", time.Now())

	got := cs.waitFor(t, 1, 5*time.Second)
	if got[0].path != "/events/message" {
		t.Fatalf("path = %q", got[0].path)
	}
	if got[0].body["correlationId"] != "m1" || got[0].body["status"] != "FAILED" {
		t.Fatalf("body = %v", got[0].body)
	}
	if got[0].body["error"] != "send: not connected" {
		t.Fatalf("error field = %v", got[0].body["error"])
	}
}

func TestOmitsErrorFieldOnSuccessStatuses(t *testing.T) {
	t.Parallel()
	cs := newCaptureServer(t)
	svc := startNotifier(t, Config{URL: cs.srv.URL, RatePerSec: 1000})

	svc.PostMessageOutcome("m1", "SENT", "", time.Now())

	got := cs.waitFor(t, 1, 5*time.Second)
	if _, present := got[0].body["error"]; present {
		t.Fatalf("error field should be omitted, body = %v", got[0].body)
	}
}

func TestRetriesTransientServerErrors(t *testing.T) {
	t.Parallel()
	cs := newCaptureServer(t)
	cs.fail.Store(2)
	svc := startNotifier(t, Config{
		URL:        cs.srv.URL,
		RatePerSec: 1000,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	})

	svc.PostSessionEvent("s1", "connected", nil, time.Now())

	got := cs.waitFor(t, 1, 5*time.Second)
	if got[0].body["sessionId"] != "s1" {
		t.Fatalf("body = %v", got[0].body)
	}
}

func TestExhaustedRetriesAreDiscarded(t *testing.T) {
	t.Parallel()
	cs := newCaptureServer(t)
	cs.fail.Store(100)
	svc := startNotifier(t, Config{
		URL:        cs.srv.URL,
		RatePerSec: 1000,
		RetryMax:   1,
		RetryBase:  time.Millisecond,
	})

	svc.PostSessionEvent("s1", "connected", nil, time.Now())

	// Give it long enough to burn both attempts, then confirm nothing landed
	// and the notifier is still usable.
	time.Sleep(200 * time.Millisecond)
	if n := cs.count(); n != 0 {
		t.Fatalf("deliveries = %d, want 0", n)
	}
	cs.fail.Store(0)
	svc.PostSessionEvent("s2", "connected", nil, time.Now())
	got := cs.waitFor(t, 1, 5*time.Second)
	if got[0].body["sessionId"] != "s2" {
		t.Fatalf("body = %v", got[0].body)
	}
}

func TestDisabledWithoutURL(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, logx.Nop())
	if svc.Enabled() {
		t.Fatal("notifier with no URL reports enabled")
	}
	svc.Start(context.Background())
	// Posting into a disabled notifier is a harmless no-op.
	svc.PostSessionEvent("s1", "connected", nil, time.Now())
	svc.PostMessageOutcome("m1", "SENT", "", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestStopWithExpiredContextReleasesWorkers(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer blocking.Close()
	defer close(release)

	svc := New(Config{
		URL:        blocking.URL,
		RatePerSec: 1000,
		Timeout:    50 * time.Millisecond,
		RetryMax:   0,
	}, nil, logx.Nop())
	svc.Start(context.Background())

	svc.PostSessionEvent("s1", "connected", nil, time.Now())

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		svc.Stop(expired)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with an expired context")
	}

	// The abandoned teardown must finish in the background so the service
	// can come back up and deliver again.
	cs := newCaptureServer(t)
	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.Apply(Config{URL: cs.srv.URL, RatePerSec: 1000})
		svc.Start(context.Background())
		svc.PostSessionEvent("s2", "connected", nil, time.Now())
		if cs.count() >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
		if cs.count() >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notifier never recovered after an abandoned Stop")
		}
	}
	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	svc.Stop(ctx)
}

func TestStopDrainsQueuedDeliveries(t *testing.T) {
	t.Parallel()
	cs := newCaptureServer(t)
	svc := New(Config{URL: cs.srv.URL, RatePerSec: 1000}, nil, logx.Nop())
	svc.Start(context.Background())

	for i := 0; i < 10; i++ {
		svc.PostMessageOutcome("m", "SENT", "", time.Now())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)

	if n := cs.count(); n != 10 {
		t.Fatalf("deliveries after drain = %d, want 10", n)
	}
}
