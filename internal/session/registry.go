// Package session owns the authoritative state of every connection to the
// messaging network.
//
// Each session wraps exactly one live protocol client. State is mutated only
// by that client's own event callbacks (single writer per session) or by an
// explicit disconnect; distinct sessions never contend on a shared lock.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"courier/internal/events"
	"courier/internal/protocol"
	"courier/pkg/logx"
)

type Registry struct {
	factory protocol.Factory
	bc      *events.Broadcaster
	log     logx.Logger

	// mu guards the map only. Per-session state lives behind each entry's
	// own lock so sessions stay independent.
	mu       sync.Mutex
	sessions map[string]*entry
}

func NewRegistry(factory protocol.Factory, bc *events.Broadcaster, log logx.Logger) *Registry {
	return &Registry{
		factory:  factory,
		bc:       bc,
		log:      log,
		sessions: map[string]*entry{},
	}
}

type entry struct {
	id      string
	ownerID string

	mu           sync.Mutex
	client       protocol.Client
	st           state
	lastActivity time.Time
	// detached marks an entry replaced or torn down; its client's late
	// callbacks must not mutate state or broadcast anything.
	detached bool
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Status:           e.st.status,
		EndpointIdentity: e.st.identity,
		LastActivityAt:   e.lastActivity,
		HasPairingCode:   e.st.pairingCode != "",
	}
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.status
}

func (e *entry) detach() protocol.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detached = true
	return e.client
}

// Initialize creates (or replaces) the session and starts asynchronous
// pairing. It is idempotent while the session is CONNECTING or CONNECTED.
// It returns once the underlying client accepted initialization; pairing
// completion arrives later through the event stream.
func (r *Registry) Initialize(ctx context.Context, id, ownerID string) error {
	r.mu.Lock()
	old := r.sessions[id]
	if old != nil {
		switch old.status() {
		case StatusConnected, StatusConnecting:
			r.mu.Unlock()
			return nil
		}
	}
	// Publish the fresh CONNECTING entry before any blocking teardown so a
	// concurrent Initialize for the same id observes it and no-ops.
	e := &entry{
		id:           id,
		ownerID:      ownerID,
		st:           state{status: StatusConnecting},
		lastActivity: time.Now(),
	}
	r.sessions[id] = e
	r.mu.Unlock()

	// Tear the stale instance fully down before creating its replacement;
	// at most one live client may exist per session id.
	if old != nil {
		if c := old.detach(); c != nil {
			if err := c.Destroy(ctx); err != nil {
				r.log.Warn("stale client teardown failed", logx.String("session", id), logx.Err(err))
			}
		}
	}

	client, err := r.factory(id)
	if err == nil {
		e.mu.Lock()
		if e.detached {
			// A concurrent Disconnect tore the entry down before the client
			// was attached, so it never saw the client; destroy it here or it
			// outlives its session.
			e.mu.Unlock()
			if derr := client.Destroy(ctx); derr != nil {
				r.log.Warn("client teardown failed", logx.String("session", id), logx.Err(derr))
			}
			r.log.Info("session removed during initialization", logx.String("session", id))
			return nil
		}
		e.client = client
		e.mu.Unlock()
		client.Bind(r.handlers(e))
		err = client.Connect(ctx)
	}
	if err != nil {
		e.mu.Lock()
		e.st = state{status: StatusFailed}
		e.detached = true
		e.mu.Unlock()
		r.remove(id, e)
		r.log.Error("session initialization failed", logx.String("session", id), logx.Err(err))
		return fmt.Errorf("initialize session %s: %w", id, err)
	}

	r.log.Info("session initializing", logx.String("session", id), logx.String("owner", ownerID))
	return nil
}

// remove deletes the entry iff it still occupies the slot.
func (r *Registry) remove(id string, e *entry) {
	r.mu.Lock()
	if r.sessions[id] == e {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

// handlers adapts raw client callbacks into state-machine inputs for e.
func (r *Registry) handlers(e *entry) protocol.Handlers {
	return protocol.Handlers{
		PairingChallenge: func(challenge string) {
			code, err := encodePairingCode(challenge)
			if err != nil {
				r.log.Error("pairing code encoding failed", logx.String("session", e.id), logx.Err(err))
				return
			}
			r.advance(e, input{kind: evPairingChallenge, payload: code}, map[string]any{"pairingCode": code})
		},
		PairingAccepted: func(identity string) {
			r.advance(e, input{kind: evPairingAccepted, payload: identity}, map[string]any{"endpointIdentity": identity})
		},
		PairingFailed: func(message string) {
			r.advance(e, input{kind: evPairingFailed, payload: message}, map[string]any{"message": message})
		},
		Disconnected: func(reason string) {
			r.advance(e, input{kind: evLinkLost, payload: reason}, map[string]any{"reason": reason})
		},
		Ack: func(messageID string, level protocol.AckLevel) {
			r.ack(e, messageID, level)
		},
	}
}

// advance runs the pure transition and broadcasts the resulting lifecycle
// event. The broadcast happens before control returns to the client's event
// loop, so per-session event order matches transition order.
func (r *Registry) advance(e *entry, in input, data map[string]any) {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return
	}
	next, emitted, ok := apply(e.st, in)
	if !ok {
		st := e.st.status
		e.mu.Unlock()
		r.log.Debug("event ignored in current state",
			logx.String("session", e.id), logx.Int("event", int(in.kind)), logx.String("status", string(st)))
		return
	}
	e.st = next
	e.lastActivity = time.Now()
	e.mu.Unlock()

	r.log.Info("session transition",
		logx.String("session", e.id), logx.String("event", emitted), logx.String("status", string(next.status)))
	r.bc.SessionEvent(e.id, emitted, data)
}

// ack translates delivery-progress acknowledgements into message outcomes.
// SENT is already reported by the dispatch queue on its own attempt result,
// so only the later levels pass through.
func (r *Registry) ack(e *entry, messageID string, level protocol.AckLevel) {
	e.mu.Lock()
	detached := e.detached
	e.mu.Unlock()
	if detached || messageID == "" {
		return
	}
	var status string
	switch level {
	case protocol.AckDelivered:
		status = events.OutcomeDelivered
	case protocol.AckRead:
		status = events.OutcomeRead
	case protocol.AckSent:
		// The queue reports SENT itself; dropping the level-1 ack avoids a
		// duplicate with a second timestamp.
		return
	default:
		r.log.Debug("unknown ack level", logx.String("session", e.id), logx.Int("level", int(level)))
		return
	}
	r.bc.MessageOutcome(messageID, status, "")
}

// Disconnect tears the session down. Unknown ids succeed as a no-op.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	e := r.sessions[id]
	if e != nil {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if e == nil {
		return nil
	}

	client := e.detach()
	e.mu.Lock()
	e.st = state{status: StatusDisconnected}
	e.mu.Unlock()

	if client != nil {
		if err := client.Destroy(ctx); err != nil {
			r.log.Warn("client teardown failed", logx.String("session", id), logx.Err(err))
		}
	}
	r.log.Info("session disconnected", logx.String("session", id))
	r.bc.SessionEvent(id, events.SessionDisconnected, map[string]any{"reason": "disconnected by request"})
	return nil
}

// DisconnectAll tears down every session concurrently. Used on shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.Disconnect(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Status returns the session snapshot, or a NOT_FOUND snapshot for unknown ids.
func (r *Registry) Status(id string) Snapshot {
	r.mu.Lock()
	e := r.sessions[id]
	r.mu.Unlock()
	if e == nil {
		return Snapshot{Status: StatusNotFound}
	}
	return e.snapshot()
}

// PairingCode returns the current encoded pairing challenge, if any.
func (r *Registry) PairingCode(id string) (string, bool) {
	r.mu.Lock()
	e := r.sessions[id]
	r.mu.Unlock()
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.pairingCode == "" {
		return "", false
	}
	return e.st.pairingCode, true
}

// Send transmits one message through the session's client. ref travels with
// the message so later delivery acks can be correlated back to the job.
//
// The registry performs no retries: a non-CONNECTED session fails fast with
// ErrNotConnected and never reaches the client.
func (r *Registry) Send(ctx context.Context, id, target, body, ref string) error {
	r.mu.Lock()
	e := r.sessions[id]
	r.mu.Unlock()
	if e == nil {
		return ErrNotConnected
	}

	e.mu.Lock()
	client := e.client
	connected := e.st.status == StatusConnected && !e.detached
	e.mu.Unlock()
	if !connected || client == nil {
		return ErrNotConnected
	}

	if err := client.Send(ctx, normalizeTarget(target), body, ref); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}

	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
	return nil
}

// normalizeTarget strips everything but digits from a destination address;
// the bridge appends the network's own addressing suffix.
func normalizeTarget(target string) string {
	var b strings.Builder
	b.Grow(len(target))
	for _, r := range target {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
