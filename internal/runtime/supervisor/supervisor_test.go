package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())

	done := make(chan struct{})
	sup.Go0("worker", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the goroutine exited")
	}
}

func TestFirstErrorIsKeptAndCancelsWhenConfigured(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))

	boom := errors.New("boom")
	sup.Go("failing", func(ctx context.Context) error { return boom })
	sup.Go0("other", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait err = %v, want wrapped boom", err)
	}
}

func TestPanicIsRecoveredAsError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go0("panicky", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Wait err = %v, want panic error", err)
	}
}

func TestContextCancelledIsCleanExit(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("context.Canceled surfaced as failure: %v", err)
	}
}
