package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"meshrund/internal/packet"
	"meshrund/internal/ratchet"
	"meshrund/internal/xcrypto"
)

// RandHashSize is the width of an announce's freshness blob (spec.md §3).
const RandHashSize = 10

// ErrInvalidAnnounce covers structurally malformed announce payloads.
var ErrInvalidAnnounce = errors.New("identity: invalid announce payload")

// ErrSignatureInvalid is returned when announce signature verification
// fails outright (a fatal validation failure, spec.md §4.2).
var ErrSignatureInvalid = errors.New("identity: announce signature invalid")

// Announce is the parsed, validated form of an announce packet (spec.md
// §3/§6).
type Announce struct {
	Identity     xcrypto.Identity
	NameHash     [NameHashSize]byte
	RandHash     [RandHashSize]byte
	RatchetPub   *[32]byte
	Signature    []byte
	AppData      []byte
	AddressMatch bool // false on a tolerated legacy mismatch
}

// randHash generates the 10-byte freshness blob: 5 random bytes + 5
// big-endian low-order seconds-of-unix-time bytes (spec.md §3).
func randHash(now time.Time) ([RandHashSize]byte, error) {
	var out [RandHashSize]byte
	if _, err := io.ReadFull(rand.Reader, out[:5]); err != nil {
		return out, err
	}
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], uint64(now.Unix()))
	copy(out[5:], full[3:8])
	return out, nil
}

// BuildAnnounce assembles and signs an announce for a single-input
// destination (spec.md §4.2). If rs is non-nil and enabled, the current
// ratchet is rotated-if-due and included.
func BuildAnnounce(owner *xcrypto.PrivateIdentity, nameHash [NameHashSize]byte, rs *ratchet.Store, appData []byte, now time.Time) (*Announce, error) {
	rh, err := randHash(now)
	if err != nil {
		return nil, err
	}

	var ratchetPub *[32]byte
	if rs != nil && rs.Enabled {
		pub, err := rs.RotateIfDue(now)
		if err != nil {
			return nil, err
		}
		ratchetPub = &pub
	}

	msg := signedAssembly(owner.Public, owner.Verify, nameHash, rh, ratchetPub, appData)
	sig := owner.Sign(msg)

	return &Announce{
		Identity:     xcrypto.Identity{Public: owner.Public, Verify: owner.Verify},
		NameHash:     nameHash,
		RandHash:     rh,
		RatchetPub:   ratchetPub,
		Signature:    sig,
		AppData:      appData,
		AddressMatch: true,
	}, nil
}

// signedAssembly builds the byte sequence signed over / verified against:
// pub‖verify‖name_hash‖rand_hash‖ratchet‖app_data when a ratchet is
// present, and the same minus the ratchet field otherwise. The destination
// hash is not part of the signed bytes, at signing or at verification, so a
// signature does not bind an announce to the packet destination it arrives
// on.
func signedAssembly(pub [32]byte, verify ed25519.PublicKey, nameHash [NameHashSize]byte, randHash [RandHashSize]byte, ratchetPub *[32]byte, appData []byte) []byte {
	out := make([]byte, 0, 32+len(verify)+NameHashSize+RandHashSize+32+len(appData))
	out = append(out, pub[:]...)
	out = append(out, verify...)
	out = append(out, nameHash[:]...)
	out = append(out, randHash[:]...)
	if ratchetPub != nil {
		out = append(out, ratchetPub[:]...)
	}
	out = append(out, appData...)
	return out
}

// EncodePayload serializes an announce to its wire payload (spec.md §6):
// pub[32]‖verify[32]‖name_hash[10]‖rand_hash[10]‖ratchet[32]?‖signature[64]‖app_data[*].
func (a *Announce) EncodePayload() []byte {
	size := 32 + ed25519.PublicKeySize + NameHashSize + RandHashSize + ed25519.SignatureSize + len(a.AppData)
	if a.RatchetPub != nil {
		size += 32
	}
	out := make([]byte, 0, size)
	out = append(out, a.Identity.Public[:]...)
	out = append(out, a.Identity.Verify...)
	out = append(out, a.NameHash[:]...)
	out = append(out, a.RandHash[:]...)
	if a.RatchetPub != nil {
		out = append(out, a.RatchetPub[:]...)
	}
	out = append(out, a.Signature...)
	out = append(out, a.AppData...)
	return out
}

const announceFixedMinSize = 32 + ed25519.PublicKeySize + NameHashSize + RandHashSize + ed25519.SignatureSize

// ValidateAnnounce parses and validates an announce packet payload against
// its carrying packet's destination and context flag (spec.md §4.2):
//   - length floor check
//   - address-hash recheck (logged, not fatal, for legacy tolerance)
//   - if the context flag signals a ratchet, verify with it; otherwise
//     attempt no-ratchet verification first, falling back to the ratchet
//     interpretation only if sizes fit (the documented permissive path for
//     peers that emit ratchet-shaped app_data without the flag).
func ValidateAnnounce(payload []byte, destination [AddressHashSize]byte, ratchetFlagSet bool) (*Announce, error) {
	if len(payload) < announceFixedMinSize {
		return nil, ErrInvalidAnnounce
	}

	var pub [32]byte
	copy(pub[:], payload[0:32])
	verify := append(ed25519.PublicKey(nil), payload[32:64]...)
	var nameHash [NameHashSize]byte
	copy(nameHash[:], payload[64:64+NameHashSize])
	off := 64 + NameHashSize
	var randHash [RandHashSize]byte
	copy(randHash[:], payload[off:off+RandHashSize])
	off += RandHashSize

	tryRatchet := func() (*Announce, error) {
		if len(payload) < off+32+ed25519.SignatureSize {
			return nil, ErrInvalidAnnounce
		}
		var rpub [32]byte
		copy(rpub[:], payload[off:off+32])
		sigOff := off + 32
		sig := payload[sigOff : sigOff+ed25519.SignatureSize]
		appData := payload[sigOff+ed25519.SignatureSize:]
		msg := signedAssembly(pub, verify, nameHash, randHash, &rpub, appData)
		if !xcrypto.Verify(verify, msg, sig) {
			return nil, ErrSignatureInvalid
		}
		return finishAnnounce(pub, verify, nameHash, randHash, &rpub, sig, appData, destination), nil
	}

	tryNoRatchet := func() (*Announce, error) {
		if len(payload) < off+ed25519.SignatureSize {
			return nil, ErrInvalidAnnounce
		}
		sig := payload[off : off+ed25519.SignatureSize]
		appData := payload[off+ed25519.SignatureSize:]
		msg := signedAssembly(pub, verify, nameHash, randHash, nil, appData)
		if !xcrypto.Verify(verify, msg, sig) {
			return nil, ErrSignatureInvalid
		}
		return finishAnnounce(pub, verify, nameHash, randHash, nil, sig, appData, destination), nil
	}

	if ratchetFlagSet {
		return tryRatchet()
	}

	if a, err := tryNoRatchet(); err == nil {
		return a, nil
	}
	// Permissive path (spec.md §9 Open Questions): tolerate ratchet-shaped
	// app_data carried without the ratchet context flag, provided sizes fit.
	return tryRatchet()
}

func finishAnnounce(pub [32]byte, verify ed25519.PublicKey, nameHash [NameHashSize]byte, randHash [RandHashSize]byte, ratchetPub *[32]byte, sig, appData []byte, destination [AddressHashSize]byte) *Announce {
	computed := AddressHash(pub, nameHash)
	return &Announce{
		Identity:     xcrypto.Identity{Public: pub, Verify: verify},
		NameHash:     nameHash,
		RandHash:     randHash,
		RatchetPub:   ratchetPub,
		Signature:    append([]byte(nil), sig...),
		AppData:      append([]byte(nil), appData...),
		AddressMatch: computed == destination,
	}
}

// ToPacket wraps an announce in a transport packet addressed to dest.
func (a *Announce) ToPacket(dest [AddressHashSize]byte) *packet.Packet {
	ctx := packet.ContextNone
	if a.RatchetPub != nil {
		ctx = packet.ContextSet
	}
	return &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			ContextFlag:     ctx,
			DestinationType: packet.DestinationSingle,
			PacketType:      packet.PacketTypeAnnounce,
		},
		Destination: dest,
		Context:     byte(ctx),
		Payload:     a.EncodePayload(),
	}
}
