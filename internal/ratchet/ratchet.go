// Package ratchet implements the rotating x25519 private-key list used for
// inbound forward secrecy (spec.md §3/§4.2), persisted as a signed msgpack
// blob and reloaded on decrypt-miss.
package ratchet

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"meshrund/internal/xcrypto"
)

// DefaultInterval and DefaultRetained match spec.md §3's documented
// defaults.
const (
	DefaultInterval = 30 * time.Minute
	DefaultRetained = 512
)

// ErrNoMatch is returned when decryption finds no ratchet (or fallback)
// capable of producing the shared secret.
var ErrNoMatch = errors.New("ratchet: no matching key")

// ErrBadSignature is returned when a loaded persisted blob fails signature
// verification against the owning identity.
var ErrBadSignature = errors.New("ratchet: signature verification failed")

// persistedForm is the msgpack struct written to disk (spec.md §6):
// {signature: bytes, ratchets: bytes} where ratchets is itself the
// msgpack-encoded list of 32-byte keys.
type persistedForm struct {
	Signature []byte `msgpack:"signature"`
	Ratchets  []byte `msgpack:"ratchets"`
}

// Store is a destination's ratchet state: an ordered list of x25519 private
// keys (most recent first), rotation policy, and persistence path.
type Store struct {
	mu sync.Mutex

	owner *xcrypto.PrivateIdentity

	Enabled  bool
	Enforce  bool
	Interval time.Duration
	Retained int
	Path     string

	keys         [][32]byte // most-recent-first
	lastRotation time.Time
}

// New builds a ratchet store bound to owner. Call Open to load/initialize
// persisted state before first use.
func New(owner *xcrypto.PrivateIdentity, interval time.Duration, retained int, path string) *Store {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retained <= 0 {
		retained = DefaultRetained
	}
	return &Store{owner: owner, Interval: interval, Retained: retained, Path: path}
}

// Open loads the persisted ratchet list if path exists, verifying the
// signature against owner's verify key; otherwise the list starts empty and
// is persisted (spec.md §4.2).
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.keys = nil
		return s.persistLocked()
	}
	if err != nil {
		return err
	}

	var pf persistedForm
	if err := msgpack.Unmarshal(data, &pf); err != nil {
		return err
	}
	if !xcrypto.Verify(s.owner.Verify, pf.Ratchets, pf.Signature) {
		return ErrBadSignature
	}
	var rawKeys [][32]byte
	if err := msgpack.Unmarshal(pf.Ratchets, &rawKeys); err != nil {
		return err
	}
	s.keys = rawKeys
	return nil
}

func (s *Store) persistLocked() error {
	inner, err := msgpack.Marshal(s.keys)
	if err != nil {
		return err
	}
	sig := s.owner.Sign(inner)
	pf := persistedForm{Signature: sig, Ratchets: inner}
	blob, err := msgpack.Marshal(pf)
	if err != nil {
		return err
	}
	return atomicWrite(s.Path, blob)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Current returns the current (most recent) ratchet public key, or false if
// none exists.
func (s *Store) Current() ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.keys) == 0 {
		return [32]byte{}, false
	}
	return xcrypto.X25519PublicFromPrivate(s.keys[0]), true
}

// RotateIfDue recomputes the current ratchet public for announce emission:
// if no ratchet exists or more than Interval has elapsed since the last
// rotation, a new x25519 private is generated and pushed to the front, and
// the list is truncated to Retained (spec.md §4.2).
func (s *Store) RotateIfDue(now time.Time) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := len(s.keys) == 0 || now.Sub(s.lastRotation) > s.Interval
	if due {
		priv, err := xcrypto.GenerateX25519Private()
		if err != nil {
			return [32]byte{}, err
		}
		s.keys = append([][32]byte{priv}, s.keys...)
		if len(s.keys) > s.Retained {
			s.keys = s.keys[:s.Retained]
		}
		s.lastRotation = now
		if err := s.persistLocked(); err != nil {
			return [32]byte{}, err
		}
	}
	return xcrypto.X25519PublicFromPrivate(s.keys[0]), nil
}

// Decrypt tries current ratchets in order, falls back to a one-shot reload
// from disk, then — if enforcement is off — falls back to the static
// identity key (spec.md §4.2).
func (s *Store) Decrypt(peerPub [32]byte, decryptWith func(shared []byte) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	keys := append([][32]byte(nil), s.keys...)
	s.mu.Unlock()

	for _, k := range keys {
		shared, err := xcrypto.ECDH(k, peerPub)
		if err != nil {
			continue
		}
		if plain, err := decryptWith(shared); err == nil {
			return plain, nil
		}
	}

	// one-shot reload-from-disk
	if err := s.Open(); err == nil {
		s.mu.Lock()
		reloaded := append([][32]byte(nil), s.keys...)
		s.mu.Unlock()
		for _, k := range reloaded {
			shared, err := xcrypto.ECDH(k, peerPub)
			if err != nil {
				continue
			}
			if plain, err := decryptWith(shared); err == nil {
				return plain, nil
			}
		}
	}

	if s.Enforce {
		return nil, ErrNoMatch
	}

	shared, err := xcrypto.ECDH(s.owner.X25519Private(), peerPub)
	if err != nil {
		return nil, ErrNoMatch
	}
	plain, err := decryptWith(shared)
	if err != nil {
		return nil, ErrNoMatch
	}
	return plain, nil
}
