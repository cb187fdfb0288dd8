package link_test

import (
	"bytes"
	"testing"
	"time"

	"meshrund/internal/link"
	"meshrund/internal/xcrypto"
)

func newIdentity(t *testing.T, seed byte) xcrypto.Identity {
	t.Helper()
	var priv [32]byte
	priv[0] = seed
	return xcrypto.Identity{Public: xcrypto.X25519PublicFromPrivate(priv)}
}

func TestHandshakeReachesActiveOnBothSides(t *testing.T) {
	now := time.Unix(1700000000, 0)
	id := [16]byte{1}
	initiatorOwner := newIdentity(t, 1)
	responderOwner := newIdentity(t, 2)

	initiator, err := link.NewInitiator(id, initiatorOwner, responderOwner, "iface0", now)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	if initiator.State() != link.Pending {
		t.Fatalf("expected initiator to start Pending, got %s", initiator.State())
	}

	responder, err := link.NewResponder(id, responderOwner, initiatorOwner, "iface0", initiator.EphemeralPub(), now)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if responder.State() != link.Handshaking {
		t.Fatalf("expected responder to start Handshaking, got %s", responder.State())
	}
	responder.Activate(now)
	if responder.State() != link.Active {
		t.Fatalf("expected responder Active after Activate, got %s", responder.State())
	}

	if err := initiator.HandleProof(responder.EphemeralPub(), now); err != nil {
		t.Fatalf("handle proof: %v", err)
	}
	if initiator.State() != link.Active {
		t.Fatalf("expected initiator Active after proof, got %s", initiator.State())
	}

	plaintext := []byte("hello over the link")
	ciphertext, err := initiator.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := responder.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptBeforeActiveFails(t *testing.T) {
	now := time.Unix(1700000000, 0)
	initiator, err := link.NewInitiator([16]byte{1}, newIdentity(t, 1), newIdentity(t, 2), "", now)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	if _, err := initiator.Encrypt([]byte("x")); err != link.ErrNotActive {
		t.Fatalf("expected ErrNotActive before handshake completes, got %v", err)
	}
}

func TestCheckTimeoutTransitionsIdleThenClosed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l, err := link.NewInitiator([16]byte{1}, newIdentity(t, 1), newIdentity(t, 2), "", now)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	l.Activate(now)

	stale := now.Add(link.DefaultIdleTimeout + time.Second)
	if closed := l.CheckTimeout(stale); closed {
		t.Fatalf("expected Active->Stale, not Closed, at first idle timeout")
	}
	if l.State() != link.Stale {
		t.Fatalf("expected Stale, got %s", l.State())
	}

	reallyStale := stale.Add(2*link.DefaultIdleTimeout + time.Second)
	if closed := l.CheckTimeout(reallyStale); !closed {
		t.Fatalf("expected Stale->Closed after a second idle timeout window")
	}
	if l.State() != link.Closed {
		t.Fatalf("expected Closed, got %s", l.State())
	}
}

func TestTouchRevivesStaleLink(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l, _ := link.NewInitiator([16]byte{1}, newIdentity(t, 1), newIdentity(t, 2), "", now)
	l.Activate(now)
	l.CheckTimeout(now.Add(link.DefaultIdleTimeout + time.Second))
	if l.State() != link.Stale {
		t.Fatalf("expected link to go Stale")
	}
	l.Touch(now.Add(link.DefaultIdleTimeout + 2*time.Second))
	if l.State() != link.Active {
		t.Fatalf("expected Touch to revive a Stale link to Active, got %s", l.State())
	}
}

func TestKeepaliveFrameRoundTrip(t *testing.T) {
	req := link.KeepaliveFrame(true)
	isKeepalive, isRequest := link.IsKeepalive(req)
	if !isKeepalive || !isRequest {
		t.Fatalf("expected request keepalive frame to decode as such")
	}

	resp := link.KeepaliveFrame(false)
	isKeepalive, isRequest = link.IsKeepalive(resp)
	if !isKeepalive || isRequest {
		t.Fatalf("expected response keepalive frame to decode as such")
	}

	if ok, _ := link.IsKeepalive([]byte("not a keepalive")); ok {
		t.Fatalf("expected arbitrary payload to not be recognized as keepalive")
	}
}

func TestTableAddGetRemoveSweep(t *testing.T) {
	tbl := link.NewTable()
	now := time.Unix(1700000000, 0)
	l, _ := link.NewInitiator([16]byte{7}, newIdentity(t, 1), newIdentity(t, 2), "", now)
	tbl.Add(l)

	if _, ok := tbl.Get([16]byte{7}); !ok {
		t.Fatalf("expected link to be retrievable after Add")
	}

	// Pending handshakes time out after DefaultProofTimeout.
	closed := tbl.Sweep(now.Add(link.DefaultProofTimeout + time.Second))
	if len(closed) != 1 || closed[0] != [16]byte{7} {
		t.Fatalf("expected sweep to close the stalled handshake, got %+v", closed)
	}
	if _, ok := tbl.Get([16]byte{7}); ok {
		t.Fatalf("expected link to be removed from the table after sweep closes it")
	}
}

func TestSubscribePublishesStateEvents(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l, _ := link.NewInitiator([16]byte{1}, newIdentity(t, 1), newIdentity(t, 2), "", now)
	events, cancel := l.Subscribe()
	defer cancel()

	l.Activate(now)
	select {
	case ev := <-events:
		if ev.State != link.Active {
			t.Fatalf("expected Active event, got %s", ev.State)
		}
	default:
		t.Fatalf("expected an event to be published synchronously on Activate")
	}
}
