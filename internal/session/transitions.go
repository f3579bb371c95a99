package session

import "courier/internal/events"

// eventKind is a raw protocol event translated into the state machine's
// input alphabet. The callback adapter in registry.go maps client callbacks
// onto these; apply() below is pure and carries no I/O.
type eventKind int

const (
	evPairingChallenge eventKind = iota
	evPairingAccepted
	evPairingFailed
	evLinkLost
)

// state is the mutable core of a session entry.
//
// Invariants (enforced by apply):
//   - pairingCode != "" only while status == QR_READY
//   - identity != "" only while status == CONNECTED
type state struct {
	status      Status
	pairingCode string
	identity    string
}

// input carries an event plus its payload.
type input struct {
	kind eventKind
	// payload: encoded pairing code for evPairingChallenge, endpoint
	// identity for evPairingAccepted, message/reason otherwise.
	payload string
}

// apply advances the state machine. It returns the next state, the
// lifecycle event name to broadcast, and whether the input was accepted.
// Inputs that have no edge from the current state are rejected unchanged.
func apply(st state, in input) (state, string, bool) {
	switch in.kind {
	case evPairingChallenge:
		// The challenge rotates, so QR_READY re-enters itself.
		if st.status != StatusConnecting && st.status != StatusQRReady {
			return st, "", false
		}
		st.status = StatusQRReady
		st.pairingCode = in.payload
		st.identity = ""
		return st, events.SessionPairingReady, true

	case evPairingAccepted:
		// CONNECTING -> CONNECTED happens when stored credentials let the
		// client link without issuing a fresh challenge.
		if st.status != StatusConnecting && st.status != StatusQRReady {
			return st, "", false
		}
		st.status = StatusConnected
		st.pairingCode = ""
		st.identity = in.payload
		return st, events.SessionConnected, true

	case evPairingFailed:
		if st.status != StatusConnecting && st.status != StatusQRReady {
			return st, "", false
		}
		st.status = StatusFailed
		st.pairingCode = ""
		st.identity = ""
		return st, events.SessionPairingFailed, true

	case evLinkLost:
		if st.status == StatusDisconnected {
			return st, "", false
		}
		st.status = StatusDisconnected
		st.pairingCode = ""
		st.identity = ""
		return st, events.SessionDisconnected, true
	}
	return st, "", false
}
