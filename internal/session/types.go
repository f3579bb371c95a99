package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one session.
type Status string

const (
	StatusConnecting   Status = "CONNECTING"
	StatusQRReady      Status = "QR_READY"
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusFailed       Status = "FAILED"
	// StatusNotFound is reported for ids with no registry entry.
	StatusNotFound Status = "NOT_FOUND"
)

var (
	// ErrNotConnected is returned by Send when the session exists but is
	// not CONNECTED (and when it does not exist at all). The registry never
	// retries; the dispatch queue owns retry policy.
	ErrNotConnected = errors.New("session: not connected")
	// ErrSend wraps a failure reported by the underlying client for an
	// attempted send on a CONNECTED session.
	ErrSend = errors.New("session: send failed")
)

// Snapshot is the externally visible view of a session.
type Snapshot struct {
	Status           Status    `json:"status"`
	EndpointIdentity string    `json:"endpointIdentity,omitempty"`
	LastActivityAt   time.Time `json:"lastActivityAt,omitzero"`
	HasPairingCode   bool      `json:"hasPairingCode"`
}
