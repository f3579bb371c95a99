// Package events fans session-lifecycle and message-outcome events out to
// live topic subscribers (synchronous, in-process) and to the external
// system of record via the webhook sink (asynchronous, best-effort).
//
// Nothing in this package may fail the operation that triggered the event:
// bus delivery is non-blocking and the sink enqueue is fire-and-forget.
package events

import (
	"strings"
	"time"

	"courier/internal/eventbus"
	"courier/internal/metrics"
)

// Session lifecycle event names, as posted to subscribers and the webhook.
const (
	SessionPairingReady  = "pairing_ready"
	SessionConnected     = "connected"
	SessionDisconnected  = "disconnected"
	SessionPairingFailed = "pairing_failed"
)

// Message outcome statuses. SENT and FAILED are terminal decisions of the
// dispatch queue; DELIVERED and READ pass through from the network's
// acknowledgement stream.
const (
	OutcomeSent      = "SENT"
	OutcomeDelivered = "DELIVERED"
	OutcomeRead      = "READ"
	OutcomeFailed    = "FAILED"
)

// SessionTopic is the bus topic carrying one session's lifecycle stream.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// OutcomeTopic is the bus topic carrying one correlation id's outcomes.
func OutcomeTopic(correlationID string) string { return "outcome:" + correlationID }

// ParseSessionTopic extracts the session id from a session topic.
func ParseSessionTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, "session:")
}

// Sink is the best-effort webhook boundary. Implementations must never
// block and never surface errors to the caller.
type Sink interface {
	PostSessionEvent(sessionID, event string, data map[string]any, at time.Time)
	PostMessageOutcome(correlationID, status, errMsg string, at time.Time)
}

type Broadcaster struct {
	bus  eventbus.Bus
	sink Sink
	met  *metrics.Metrics
}

// New wires the broadcaster. sink may be nil (no webhook configured).
func New(bus eventbus.Bus, sink Sink, met *metrics.Metrics) *Broadcaster {
	return &Broadcaster{bus: bus, sink: sink, met: met}
}

// SessionEvent publishes a lifecycle transition. Bus delivery happens before
// this returns; the webhook post is detached.
func (b *Broadcaster) SessionEvent(sessionID, event string, data map[string]any) {
	now := time.Now()
	b.met.Transition(event)
	b.bus.Publish(eventbus.Event{
		Topic: SessionTopic(sessionID),
		Type:  event,
		Time:  now,
		Data:  data,
	})
	if b.sink != nil {
		b.sink.PostSessionEvent(sessionID, event, data, now)
	}
}

// MessageOutcome publishes a per-job outcome keyed by correlation id.
// errMsg is empty except for FAILED.
func (b *Broadcaster) MessageOutcome(correlationID, status, errMsg string) {
	now := time.Now()
	b.met.Outcome(status)
	data := map[string]any{"status": status}
	if errMsg != "" {
		data["error"] = errMsg
	}
	b.bus.Publish(eventbus.Event{
		Topic: OutcomeTopic(correlationID),
		Type:  status,
		Time:  now,
		Data:  data,
	})
	if b.sink != nil {
		b.sink.PostMessageOutcome(correlationID, status, errMsg, now)
	}
}
