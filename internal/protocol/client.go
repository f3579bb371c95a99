// Package protocol defines the narrow capability surface of the external
// messaging-network client.
//
// The real network runtime is a heavyweight external dependency (one isolated
// process per session). Everything above this package treats it as opaque:
// connect, a fixed set of event callbacks, send, destroy. That keeps the
// session state machine testable against a fake.
package protocol

import (
	"context"
	"errors"
)

var (
	// ErrInit is returned when the underlying client cannot start at all
	// (for example the bridge process failed to spawn).
	ErrInit = errors.New("protocol: client initialization failed")
	// ErrClosed is returned by Send after Destroy.
	ErrClosed = errors.New("protocol: client closed")
)

// AckLevel is the delivery-progress acknowledgement reported by the network.
type AckLevel int

const (
	AckSent      AckLevel = 1
	AckDelivered AckLevel = 2
	AckRead      AckLevel = 3
)

// Handlers receives the client's asynchronous events. All callbacks are
// invoked sequentially from a single goroutine per client, so a handler set
// bound to one session is a single writer for that session's state.
//
// Nil callbacks are skipped.
type Handlers struct {
	// PairingChallenge delivers the raw pairing challenge string. It may
	// fire more than once while the challenge rotates.
	PairingChallenge func(challenge string)
	// PairingAccepted fires once the remote device linked; identity is the
	// resolved remote-network identity (phone number).
	PairingAccepted func(identity string)
	// PairingFailed fires when pairing is rejected. Terminal for this
	// client instance.
	PairingFailed func(message string)
	// Disconnected fires when the link is lost. Terminal for this instance.
	Disconnected func(reason string)
	// Ack reports delivery progress for an outbound message.
	Ack func(messageID string, level AckLevel)
}

// Client is one live connection attempt to the messaging network.
//
// Lifecycle: Bind must be called before Connect; Connect returns once the
// client accepted initialization (pairing continues asynchronously via the
// bound handlers); Destroy tears the instance down and is idempotent.
type Client interface {
	Bind(h Handlers)
	Connect(ctx context.Context) error
	// Send transmits one message. ref is an opaque caller tag echoed back
	// in later Ack callbacks for that message.
	Send(ctx context.Context, target, body, ref string) error
	Destroy(ctx context.Context) error
}

// Factory creates a fresh client for a session id. Implementations must
// return an error (wrapping ErrInit) rather than a half-started client.
type Factory func(sessionID string) (Client, error)
