package session

import (
	"testing"

	"courier/internal/events"
)

func TestApplyPairingWalk(t *testing.T) {
	t.Parallel()
	st := state{status: StatusConnecting}

	st, emitted, ok := apply(st, input{kind: evPairingChallenge, payload: "code-1"})
	if !ok || emitted != events.SessionPairingReady {
		t.Fatalf("challenge: emitted=%q ok=%v", emitted, ok)
	}
	if st.status != StatusQRReady || st.pairingCode != "code-1" {
		t.Fatalf("unexpected state after challenge: %+v", st)
	}

	// Challenge rotation re-enters QR_READY with the new code.
	st, emitted, ok = apply(st, input{kind: evPairingChallenge, payload: "code-2"})
	if !ok || emitted != events.SessionPairingReady || st.pairingCode != "code-2" {
		t.Fatalf("rotation: emitted=%q ok=%v state=%+v", emitted, ok, st)
	}

	st, emitted, ok = apply(st, input{kind: evPairingAccepted, payload: "15551234567"})
	if !ok || emitted != events.SessionConnected {
		t.Fatalf("accepted: emitted=%q ok=%v", emitted, ok)
	}
	if st.status != StatusConnected || st.identity != "15551234567" || st.pairingCode != "" {
		t.Fatalf("unexpected state after accept: %+v", st)
	}

	st, emitted, ok = apply(st, input{kind: evLinkLost, payload: "gone"})
	if !ok || emitted != events.SessionDisconnected || st.status != StatusDisconnected {
		t.Fatalf("link lost: emitted=%q ok=%v state=%+v", emitted, ok, st)
	}
}

func TestApplyRestoredCredentialsSkipChallenge(t *testing.T) {
	t.Parallel()
	st := state{status: StatusConnecting}
	st, emitted, ok := apply(st, input{kind: evPairingAccepted, payload: "15550001111"})
	if !ok || emitted != events.SessionConnected || st.status != StatusConnected {
		t.Fatalf("restore: emitted=%q ok=%v state=%+v", emitted, ok, st)
	}
}

func TestApplyInvariants(t *testing.T) {
	t.Parallel()
	starts := []state{
		{status: StatusConnecting},
		{status: StatusQRReady, pairingCode: "c"},
		{status: StatusConnected, identity: "i"},
		{status: StatusDisconnected},
		{status: StatusFailed},
	}
	inputs := []input{
		{kind: evPairingChallenge, payload: "c2"},
		{kind: evPairingAccepted, payload: "i2"},
		{kind: evPairingFailed, payload: "bad"},
		{kind: evLinkLost, payload: "gone"},
	}
	for _, st := range starts {
		for _, in := range inputs {
			next, _, _ := apply(st, in)
			if next.pairingCode != "" && next.status != StatusQRReady {
				t.Fatalf("pairingCode set outside QR_READY: start=%+v in=%+v next=%+v", st, in, next)
			}
			if next.identity != "" && next.status != StatusConnected {
				t.Fatalf("identity set outside CONNECTED: start=%+v in=%+v next=%+v", st, in, next)
			}
		}
	}
}

func TestApplyTerminalStatesRejectPairingEvents(t *testing.T) {
	t.Parallel()
	for _, st := range []state{{status: StatusFailed}, {status: StatusDisconnected}} {
		if _, _, ok := apply(st, input{kind: evPairingChallenge, payload: "c"}); ok {
			t.Fatalf("challenge accepted in %s", st.status)
		}
		if _, _, ok := apply(st, input{kind: evPairingAccepted, payload: "i"}); ok {
			t.Fatalf("accept accepted in %s", st.status)
		}
	}
	// A repeated link-lost is a no-op, not a second transition.
	if _, _, ok := apply(state{status: StatusDisconnected}, input{kind: evLinkLost}); ok {
		t.Fatal("link-lost accepted in DISCONNECTED")
	}
	// But a connected session losing its link is always valid.
	next, emitted, ok := apply(state{status: StatusFailed}, input{kind: evLinkLost})
	if !ok || emitted != events.SessionDisconnected || next.status != StatusDisconnected {
		t.Fatalf("FAILED -> DISCONNECTED rejected: %+v", next)
	}
}
