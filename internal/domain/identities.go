package domain

import (
	"fmt"
	"time"

	"meshrund/internal/xcrypto"
)

// IdentityRecord is a known peer or local identity tracked by the SDK
// domain state (spec.md §4.8 "identities (list/import/export/activate/
// resolve/contact/bootstrap/presence/announce)").
type IdentityRecord struct {
	ID        string `msgpack:"id"`
	Public    [32]byte `msgpack:"public"`
	Verify    []byte   `msgpack:"verify"`
	Name      string   `msgpack:"name,omitempty"`
	Active    bool     `msgpack:"active"`
	Presence  string   `msgpack:"presence,omitempty"` // online|away|offline
	CreatedAt int64    `msgpack:"created_at"`
}

// ImportIdentity registers a known identity from its exported key material.
func (s *State) ImportIdentity(id xcrypto.Identity, name string, now time.Time) IdentityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := IdentityRecord{ID: NewID("identity"), Public: id.Public, Verify: append([]byte(nil), id.Verify...), Name: name, CreatedAt: now.UnixMilli()}
	s.Identities[rec.ID] = rec
	return rec
}

// ExportIdentity returns the key material for a known identity.
func (s *State) ExportIdentity(id string) (IdentityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Identities[id]
	return rec, ok
}

// ActivateIdentity marks an identity as the active local identity.
func (s *State) ActivateIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Identities[id]
	if !ok {
		return fmt.Errorf("domain: identity %s not found", id)
	}
	rec.Active = true
	s.Identities[id] = rec
	return nil
}

// ListIdentities returns every known identity record.
func (s *State) ListIdentities() []IdentityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IdentityRecord, 0, len(s.Identities))
	for _, rec := range s.Identities {
		out = append(out, rec)
	}
	return out
}

// ResolveIdentity looks up an identity by its public key.
func (s *State) ResolveIdentity(public [32]byte) (IdentityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.Identities {
		if rec.Public == public {
			return rec, true
		}
	}
	return IdentityRecord{}, false
}

// SetPresence updates an identity's presence tag.
func (s *State) SetPresence(id, presence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.Identities[id]
	if !ok {
		return fmt.Errorf("domain: identity %s not found", id)
	}
	rec.Presence = presence
	s.Identities[id] = rec
	return nil
}

// ContactEntry is a locally-kept alias for a resolved identity ("contact"
// per spec.md §4.8).
type ContactEntry struct {
	IdentityID string `msgpack:"identity_id"`
	Alias      string `msgpack:"alias"`
}

// AddContact records an alias for a known identity.
func (s *State) AddContact(identityID, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Identities[identityID]; !ok {
		return fmt.Errorf("domain: identity %s not found", identityID)
	}
	s.Contacts[identityID] = ContactEntry{IdentityID: identityID, Alias: alias}
	return nil
}
