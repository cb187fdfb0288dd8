// Package transport implements the send pipeline: packet-cache loop
// suppression, route determination, per-destination-type encryption, and
// dispatch to the interface manager (spec.md §4.6).
package transport

import (
	"context"
	"errors"

	"meshrund/internal/ifacemgr"
	"meshrund/internal/link"
	"meshrund/internal/packet"
	"meshrund/internal/pathtable"
	"meshrund/internal/xcrypto"
)

// Outcome is the result of one send_packet call (spec.md §4.6).
type Outcome string

const (
	SentDirect                         Outcome = "sent_direct"
	SentBroadcast                      Outcome = "sent_broadcast"
	DroppedLoop                        Outcome = "dropped_loop"
	DroppedMissingDestinationIdentity  Outcome = "dropped_missing_destination_identity"
	DroppedCiphertextTooLarge          Outcome = "dropped_ciphertext_too_large"
	DroppedEncryptFailed               Outcome = "dropped_encrypt_failed"
	DroppedNoRoute                     Outcome = "dropped_no_route"
)

// ErrMissingDestinationIdentity is returned when a Single-destination send
// has no resolvable encryption target.
var ErrMissingDestinationIdentity = errors.New("transport: missing destination identity")

// EncryptFunc encrypts a plaintext payload for a destination, selected per
// destination type by the caller (spec.md §4.6 step 4).
type EncryptFunc func(payload []byte) ([]byte, error)

// Result carries the resolved outcome and interface dispatch trace.
type Result struct {
	Outcome Outcome
	Trace   ifacemgr.DispatchTrace
}

// Pipeline wires the packet cache, path table, link table, and interface
// manager into the send_packet algorithm (spec.md §4.6).
type Pipeline struct {
	Cache     *packet.Cache
	Paths     *pathtable.Table
	Links     *link.Table
	Ifaces    *ifacemgr.Manager
	MaxDigest int // ciphertext size ceiling (MDU-derived)
}

// New builds a send pipeline over the given collaborators.
func New(cache *packet.Cache, paths *pathtable.Table, links *link.Table, ifaces *ifacemgr.Manager, maxDigest int) *Pipeline {
	return &Pipeline{Cache: cache, Paths: paths, Links: links, Ifaces: ifaces, MaxDigest: maxDigest}
}

// Send runs the five-step send_packet algorithm (spec.md §4.6):
//  1. drop if the packet hash is already cached (loop suppression)
//  2. insert into the cache
//  3. determine route: link-owning interface, path lookup, or broadcast
//     fallback
//  4. encrypt the payload per destination type, if encryptFn is supplied
//  5. hand to the interface manager and report the dispatch trace
func (p *Pipeline) Send(ctx context.Context, pkt *packet.Packet, originInterface string, linkID *[16]byte, encryptFn EncryptFunc) Result {
	hash := pkt.Hash()
	if !p.Cache.Insert(hash, originInterface) {
		return Result{Outcome: DroppedLoop}
	}

	var targets []string
	broadcast := false

	switch {
	case linkID != nil:
		l, ok := p.Links.Get(*linkID)
		if !ok {
			return Result{Outcome: DroppedNoRoute}
		}
		targets = []string{l.Interface}
	default:
		if entry, ok := p.Paths.Lookup(pkt.Destination); ok {
			targets = []string{entry.Interface}
		} else {
			broadcast = true
		}
	}

	if encryptFn != nil {
		ciphertext, err := encryptFn(pkt.Payload)
		if err != nil {
			return Result{Outcome: DroppedEncryptFailed}
		}
		if p.MaxDigest > 0 && len(ciphertext) > p.MaxDigest {
			return Result{Outcome: DroppedCiphertextTooLarge}
		}
		pkt.Payload = ciphertext
	}

	frame, err := pkt.Encode(len(pkt.Payload))
	if err != nil {
		return Result{Outcome: DroppedCiphertextTooLarge}
	}

	if broadcast {
		ids := broadcastCapableIfaces(p.Ifaces)
		if len(ids) == 0 {
			return Result{Outcome: DroppedNoRoute}
		}
		trace := p.Ifaces.Transmit(ctx, frame, ids)
		return Result{Outcome: SentBroadcast, Trace: trace}
	}

	trace := p.Ifaces.Transmit(ctx, frame, targets)
	return Result{Outcome: SentDirect, Trace: trace}
}

func broadcastCapableIfaces(m *ifacemgr.Manager) []string {
	var out []string
	for _, id := range m.Interfaces() {
		out = append(out, id)
	}
	return out
}

// SingleDestinationEncrypt builds the EncryptFunc for a Single-type
// destination, using the ratchet public if supplied, otherwise the static
// identity key (spec.md §4.6 step 4).
func SingleDestinationEncrypt(destIdentity xcrypto.Identity, ratchetPub *[32]byte) (EncryptFunc, error) {
	pub := destIdentity.Public
	if ratchetPub != nil {
		pub = *ratchetPub
	}
	return func(payload []byte) ([]byte, error) {
		ephemeralPriv, err := xcrypto.GenerateX25519Private()
		if err != nil {
			return nil, err
		}
		shared, err := xcrypto.ECDH(ephemeralPriv, pub)
		if err != nil {
			return nil, err
		}
		keys, err := xcrypto.DeriveFernetKeys(shared)
		if err != nil {
			return nil, err
		}
		ciphertext, err := xcrypto.AEADEncrypt(keys, payload)
		if err != nil {
			return nil, err
		}
		ephemeralPub := xcrypto.X25519PublicFromPrivate(ephemeralPriv)
		out := make([]byte, 0, 32+len(ciphertext))
		out = append(out, ephemeralPub[:]...)
		out = append(out, ciphertext...)
		return out, nil
	}, nil
}

// PlainPassthrough is the identity EncryptFunc for Plain destinations
// (spec.md §4.6 "for Plain, emit as-is").
func PlainPassthrough(payload []byte) ([]byte, error) {
	return payload, nil
}

// GroupEncrypt builds the EncryptFunc for a Group destination, encrypting
// under the shared group key.
func GroupEncrypt(groupKey xcrypto.FernetKeys) EncryptFunc {
	return func(payload []byte) ([]byte, error) {
		return xcrypto.AEADEncrypt(groupKey, payload)
	}
}
