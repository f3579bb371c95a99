package events

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/eventbus"
	"courier/internal/metrics"
)

type recordingSink struct {
	sessions []string
	outcomes []string
}

func (r *recordingSink) PostSessionEvent(sessionID, event string, _ map[string]any, _ time.Time) {
	r.sessions = append(r.sessions, sessionID+"/"+event)
}

func (r *recordingSink) PostMessageOutcome(correlationID, status, errMsg string, _ time.Time) {
	r.outcomes = append(r.outcomes, correlationID+"/"+status+"/"+errMsg)
}

func newBroadcaster(sink Sink) (*Broadcaster, eventbus.Bus) {
	bus := eventbus.New()
	met := metrics.New(prometheus.NewRegistry())
	return New(bus, sink, met), bus
}

func TestSessionEventReachesBusAndSink(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	bc, bus := newBroadcaster(sink)

	ch, cancel := bus.SubscribeTopic(SessionTopic("s1"), 4)
	defer cancel()

	bc.SessionEvent("s1", SessionConnected, map[string]any{"identity": "628123"})

	select {
	case ev := <-ch:
		if ev.Type != SessionConnected {
			t.Fatalf("event type = %q, want %q", ev.Type, SessionConnected)
		}
		data, ok := ev.Data.(map[string]any)
		if !ok || data["identity"] != "628123" {
			t.Fatalf("event data = %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no bus event delivered")
	}

	if len(sink.sessions) != 1 || sink.sessions[0] != "s1/connected" {
		t.Fatalf("sink got %v", sink.sessions)
	}
}

func TestMessageOutcomeCarriesErrorOnlyWhenFailed(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	bc, bus := newBroadcaster(sink)

	ch, cancel := bus.SubscribeTopic(OutcomeTopic("c1"), 4)
	defer cancel()

	bc.MessageOutcome("c1", OutcomeSent, "")
	bc.MessageOutcome("c1", OutcomeFailed, "session not connected")

	var got []eventbus.Event
	for len(got) < 2 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("got %d outcome events, want 2", len(got))
		}
	}

	sentData, _ := got[0].Data.(map[string]any)
	if _, ok := sentData["error"]; ok {
		t.Fatalf("SENT outcome carries error field: %v", got[0].Data)
	}
	failedData, _ := got[1].Data.(map[string]any)
	if failedData["error"] != "session not connected" {
		t.Fatalf("FAILED outcome data = %v", got[1].Data)
	}
	want := []string{"c1/SENT/", "c1/FAILED/session not connected"}
	for i, w := range want {
		if sink.outcomes[i] != w {
			t.Fatalf("sink outcome %d = %q, want %q", i, sink.outcomes[i], w)
		}
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	t.Parallel()
	bc, _ := newBroadcaster(nil)
	bc.SessionEvent("s1", SessionDisconnected, nil)
	bc.MessageOutcome("c1", OutcomeDelivered, "")
}

func TestParseSessionTopic(t *testing.T) {
	t.Parallel()
	if id, ok := ParseSessionTopic(SessionTopic("abc")); !ok || id != "abc" {
		t.Fatalf("ParseSessionTopic = %q, %v", id, ok)
	}
	if _, ok := ParseSessionTopic(OutcomeTopic("abc")); ok {
		t.Fatal("outcome topic parsed as session topic")
	}
}
