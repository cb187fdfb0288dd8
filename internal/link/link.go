// Package link implements the ephemeral encrypted-session state machine
// between two destinations (spec.md §4.4): handshake, keepalive, idle/proof
// timeouts, and the session keys used to encrypt data packets carried on it.
package link

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"meshrund/internal/packet"
	"meshrund/internal/xcrypto"
)

// State is a link's lifecycle phase (spec.md §3 "Link").
type State int

const (
	Pending State = iota
	Handshaking
	Active
	Stale
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Stale:
		return "stale"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Keepalive control bytes exchanged on an idle link (spec.md §4.4).
const (
	KeepaliveRequest  byte = 0xFF
	KeepaliveResponse byte = 0xFE
)

// Default timeouts (spec.md §4.4/§5).
const (
	DefaultIdleTimeout  = 60 * time.Second
	DefaultProofTimeout = 20 * time.Second // link activation deadline
)

// ErrClosed is returned by operations attempted on a closed link.
var ErrClosed = errors.New("link: closed")

// ErrNotActive is returned when encryption/decryption is attempted before
// the session keys are derived.
var ErrNotActive = errors.New("link: not active")

// Event is published on state and activity transitions for delivery/
// transport coordination.
type Event struct {
	LinkID    [16]byte
	State     State
	Timestamp time.Time
}

// Link is one endpoint's view of an encrypted session with a peer.
type Link struct {
	mu sync.Mutex

	ID           [16]byte
	Owner        xcrypto.Identity
	Remote       xcrypto.Identity
	Interface    string
	state        State
	lastActivity time.Time

	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
	keys          xcrypto.FernetKeys
	hasKeys       bool

	idleTimeout  time.Duration
	proofTimeout time.Duration

	subsMu sync.Mutex
	subs   []chan Event
}

// NewInitiator builds a link in Pending state for the outbound side, ready
// to emit a link-request packet with EphemeralPub.
func NewInitiator(id [16]byte, owner, remote xcrypto.Identity, iface string, now time.Time) (*Link, error) {
	priv, pub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	return &Link{
		ID: id, Owner: owner, Remote: remote, Interface: iface,
		state: Pending, lastActivity: now,
		ephemeralPriv: priv, ephemeralPub: pub,
		idleTimeout: DefaultIdleTimeout, proofTimeout: DefaultProofTimeout,
	}, nil
}

// NewResponder builds a link in Handshaking state for the inbound side,
// reacting to a received link-request carrying the peer's ephemeral public
// key.
func NewResponder(id [16]byte, owner, remote xcrypto.Identity, iface string, peerEphemeralPub [32]byte, now time.Time) (*Link, error) {
	priv, pub, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	l := &Link{
		ID: id, Owner: owner, Remote: remote, Interface: iface,
		state: Handshaking, lastActivity: now,
		ephemeralPriv: priv, ephemeralPub: pub,
		idleTimeout: DefaultIdleTimeout, proofTimeout: DefaultProofTimeout,
	}
	if err := l.deriveKeys(peerEphemeralPub); err != nil {
		return nil, err
	}
	return l, nil
}

func newEphemeral() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return
	}
	pub = xcrypto.X25519PublicFromPrivate(priv)
	return
}

// EphemeralPub exposes this side's handshake public key for the
// link-request/proof packet payload.
func (l *Link) EphemeralPub() [32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ephemeralPub
}

// deriveKeys computes session keys from this side's ephemeral private and
// the peer's ephemeral public (spec.md §4.4 "derive session keys").
func (l *Link) deriveKeys(peerEphemeralPub [32]byte) error {
	shared, err := xcrypto.ECDH(l.ephemeralPriv, peerEphemeralPub)
	if err != nil {
		return err
	}
	keys, err := xcrypto.DeriveFernetKeys(shared)
	if err != nil {
		return err
	}
	l.keys = keys
	l.hasKeys = true
	return nil
}

// HandleProof completes the initiator side of the handshake on receipt of
// the peer's proof, deriving session keys and transitioning to Active.
func (l *Link) HandleProof(peerEphemeralPub [32]byte, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return ErrClosed
	}
	if err := l.deriveKeys(peerEphemeralPub); err != nil {
		return err
	}
	l.state = Active
	l.lastActivity = now
	l.publish(Event{LinkID: l.ID, State: Active, Timestamp: now})
	return nil
}

// Activate transitions the responder side to Active once its proof has been
// emitted (spec.md §4.4 "on inbound side: ... emit proof, transition to
// Active").
func (l *Link) Activate(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return
	}
	l.state = Active
	l.lastActivity = now
	l.publish(Event{LinkID: l.ID, State: Active, Timestamp: now})
}

// State returns the link's current lifecycle phase.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Touch records activity (data or keepalive) resetting the idle clock.
func (l *Link) Touch(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Stale {
		l.state = Active
		l.publish(Event{LinkID: l.ID, State: Active, Timestamp: now})
	}
	l.lastActivity = now
}

// Encrypt encrypts a data-packet payload under the link's session keys.
func (l *Link) Encrypt(plaintext []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasKeys {
		return nil, ErrNotActive
	}
	return xcrypto.AEADEncrypt(l.keys, plaintext)
}

// Decrypt reverses Encrypt.
func (l *Link) Decrypt(ciphertext []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasKeys {
		return nil, ErrNotActive
	}
	return xcrypto.AEADDecrypt(l.keys, ciphertext)
}

// Close transitions the link to Closed. Resource transfers and pending
// proofs on this link are the caller's responsibility to cancel (spec.md
// §4.4 "on Closed, resource transfers on this link are cancelled").
func (l *Link) Close(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return
	}
	l.state = Closed
	l.publish(Event{LinkID: l.ID, State: Closed, Timestamp: now})
}

// CheckTimeout evaluates the idle/stale/closed transition for now,
// returning true if the link moved to Closed.
func (l *Link) CheckTimeout(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Closed {
		return true
	}
	elapsed := now.Sub(l.lastActivity)
	switch {
	case l.state == Active && elapsed > l.idleTimeout:
		l.state = Stale
		l.publish(Event{LinkID: l.ID, State: Stale, Timestamp: now})
	case l.state == Stale && elapsed > 2*l.idleTimeout:
		l.state = Closed
		l.publish(Event{LinkID: l.ID, State: Closed, Timestamp: now})
		return true
	case (l.state == Pending || l.state == Handshaking) && elapsed > l.proofTimeout:
		l.state = Closed
		l.publish(Event{LinkID: l.ID, State: Closed, Timestamp: now})
		return true
	}
	return false
}

// Subscribe returns a channel of this link's state events.
func (l *Link) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 8)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()
	cancel := func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		for i, c := range l.subs {
			if c == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (l *Link) publish(ev Event) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// KeepaliveFrame builds the 1-byte control packet body for req/resp.
func KeepaliveFrame(request bool) []byte {
	if request {
		return []byte{KeepaliveRequest}
	}
	return []byte{KeepaliveResponse}
}

// IsKeepalive reports whether payload is a keepalive control frame, and
// whether it was a request (vs. response).
func IsKeepalive(payload []byte) (isKeepalive, isRequest bool) {
	if len(payload) != 1 {
		return false, false
	}
	switch payload[0] {
	case KeepaliveRequest:
		return true, true
	case KeepaliveResponse:
		return true, false
	default:
		return false, false
	}
}

// Table tracks all links by id, running periodic idle/proof-timeout sweeps.
type Table struct {
	mu    sync.RWMutex
	links map[[16]byte]*Link
}

// NewTable builds an empty link table.
func NewTable() *Table {
	return &Table{links: make(map[[16]byte]*Link)}
}

// Add registers a link.
func (t *Table) Add(l *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[l.ID] = l
}

// Get looks up a link by id.
func (t *Table) Get(id [16]byte) (*Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.links[id]
	return l, ok
}

// Remove drops a link from the table (after it has reached Closed).
func (t *Table) Remove(id [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, id)
}

// Sweep runs CheckTimeout across all tracked links, removing those that
// transitioned to Closed, and returns the ids removed.
func (t *Table) Sweep(now time.Time) [][16]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var closed [][16]byte
	for id, l := range t.links {
		if l.CheckTimeout(now) {
			closed = append(closed, id)
			delete(t.links, id)
		}
	}
	return closed
}

// Run drives periodic sweeps on interval until ctx is cancelled (spec.md §5
// "background tasks observe a shared shutdown signal").
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// ForLinkPacketType reports whether a packet type is link-scoped routing
// (spec.md §4.6 "Link packets go to the interface that owns the link").
func ForLinkPacketType(pt packet.PacketType) bool {
	return pt == packet.PacketTypeLinkReq || pt == packet.PacketTypeProof
}
