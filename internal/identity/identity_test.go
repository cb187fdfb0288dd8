package identity_test

import (
	"path/filepath"
	"testing"
	"time"

	"meshrund/internal/identity"
	"meshrund/internal/packet"
	"meshrund/internal/ratchet"
	"meshrund/internal/xcrypto"
)

func newOwner(t *testing.T) *xcrypto.PrivateIdentity {
	t.Helper()
	owner, err := xcrypto.NewPrivateIdentity()
	if err != nil {
		t.Fatalf("new private identity: %v", err)
	}
	return owner
}

func TestAddressHashDeterministicAndSensitiveToInputs(t *testing.T) {
	nh := identity.NameHash("app", "aspect")
	pub := [32]byte{1, 2, 3}
	a := identity.AddressHash(pub, nh)
	b := identity.AddressHash(pub, nh)
	if a != b {
		t.Fatalf("expected deterministic address hash")
	}

	otherNH := identity.NameHash("app", "other-aspect")
	if identity.AddressHash(pub, otherNH) == a {
		t.Fatalf("expected address hash to change with the name hash")
	}
}

func TestNewDestinationComputesAddressHash(t *testing.T) {
	owner := newOwner(t)
	dest := identity.New(xcrypto.Identity{Public: owner.Public}, "meshrund", "messages", identity.DirectionIn, identity.TypeSingle)
	want := identity.AddressHash(owner.Public, identity.NameHash("meshrund", "messages"))
	if dest.Hash != want {
		t.Fatalf("got %v want %v", dest.Hash, want)
	}
	if dest.NameHash() != identity.NameHash("meshrund", "messages") {
		t.Fatalf("expected NameHash() to recompute the destination's name hash")
	}
}

func TestBuildAndValidateAnnounceWithoutRatchet(t *testing.T) {
	owner := newOwner(t)
	nameHash := identity.NameHash("meshrund", "messages")
	now := time.Unix(1700000000, 0)

	a, err := identity.BuildAnnounce(owner, nameHash, nil, []byte("app-data"), now)
	if err != nil {
		t.Fatalf("build announce: %v", err)
	}
	if a.RatchetPub != nil {
		t.Fatalf("expected no ratchet public without a ratchet store")
	}

	dest := identity.AddressHash(owner.Public, nameHash)
	parsed, err := identity.ValidateAnnounce(a.EncodePayload(), dest, false)
	if err != nil {
		t.Fatalf("validate announce: %v", err)
	}
	if !parsed.AddressMatch {
		t.Fatalf("expected address match")
	}
	if parsed.Identity.Public != owner.Public {
		t.Fatalf("identity mismatch after round trip")
	}
	if string(parsed.AppData) != "app-data" {
		t.Fatalf("got app data %q want %q", parsed.AppData, "app-data")
	}
}

func TestBuildAndValidateAnnounceWithRatchet(t *testing.T) {
	owner := newOwner(t)
	nameHash := identity.NameHash("meshrund", "messages")
	now := time.Unix(1700000000, 0)

	rs := ratchet.New(owner, time.Hour, 4, filepath.Join(t.TempDir(), "ratchets.msgpack"))
	rs.Enabled = true
	if err := rs.Open(); err != nil {
		t.Fatalf("open ratchet store: %v", err)
	}

	a, err := identity.BuildAnnounce(owner, nameHash, rs, nil, now)
	if err != nil {
		t.Fatalf("build announce: %v", err)
	}
	if a.RatchetPub == nil {
		t.Fatalf("expected a ratchet public to be attached")
	}

	dest := identity.AddressHash(owner.Public, nameHash)
	parsed, err := identity.ValidateAnnounce(a.EncodePayload(), dest, true)
	if err != nil {
		t.Fatalf("validate announce: %v", err)
	}
	if parsed.RatchetPub == nil || *parsed.RatchetPub != *a.RatchetPub {
		t.Fatalf("expected ratchet public to round trip, got %v want %v", parsed.RatchetPub, a.RatchetPub)
	}
}

func TestValidateAnnounceRejectsTamperedSignature(t *testing.T) {
	owner := newOwner(t)
	nameHash := identity.NameHash("meshrund", "messages")
	now := time.Unix(1700000000, 0)

	a, err := identity.BuildAnnounce(owner, nameHash, nil, nil, now)
	if err != nil {
		t.Fatalf("build announce: %v", err)
	}
	payload := a.EncodePayload()
	payload[len(payload)-1] ^= 0xFF

	dest := identity.AddressHash(owner.Public, nameHash)
	if _, err := identity.ValidateAnnounce(payload, dest, false); err != identity.ErrSignatureInvalid {
		t.Fatalf("expected ErrSignatureInvalid on tamper, got %v", err)
	}
}

func TestValidateAnnounceRejectsShortPayload(t *testing.T) {
	if _, err := identity.ValidateAnnounce([]byte("too short"), [identity.AddressHashSize]byte{}, false); err != identity.ErrInvalidAnnounce {
		t.Fatalf("expected ErrInvalidAnnounce, got %v", err)
	}
}

func TestValidateAnnounceFlagsLegacyAddressMismatch(t *testing.T) {
	owner := newOwner(t)
	nameHash := identity.NameHash("meshrund", "messages")
	now := time.Unix(1700000000, 0)

	a, err := identity.BuildAnnounce(owner, nameHash, nil, nil, now)
	if err != nil {
		t.Fatalf("build announce: %v", err)
	}

	wrongDest := [identity.AddressHashSize]byte{0xFF}
	parsed, err := identity.ValidateAnnounce(a.EncodePayload(), wrongDest, false)
	if err != nil {
		t.Fatalf("expected a mismatched address to be tolerated, not fatal: %v", err)
	}
	if parsed.AddressMatch {
		t.Fatalf("expected AddressMatch=false against a wrong destination")
	}
}

func TestToPacketCarriesContextFlagForRatchet(t *testing.T) {
	owner := newOwner(t)
	nameHash := identity.NameHash("meshrund", "messages")
	now := time.Unix(1700000000, 0)

	a, err := identity.BuildAnnounce(owner, nameHash, nil, nil, now)
	if err != nil {
		t.Fatalf("build announce: %v", err)
	}
	dest := identity.AddressHash(owner.Public, nameHash)
	pkt := a.ToPacket(dest)
	if pkt.Header.PacketType != packet.PacketTypeAnnounce {
		t.Fatalf("expected announce packet type")
	}
	if pkt.Header.ContextFlag != packet.ContextNone {
		t.Fatalf("expected no context flag without a ratchet")
	}
	if pkt.Destination != dest {
		t.Fatalf("expected packet destination to match")
	}
}
