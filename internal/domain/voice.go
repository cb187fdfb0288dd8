package domain

import (
	"fmt"
	"time"
)

// VoiceSessionStatus is the lifecycle of a voice session (spec.md scenario
// S6).
type VoiceSessionStatus string

const (
	VoiceOpen   VoiceSessionStatus = "open"
	VoiceClosed VoiceSessionStatus = "closed"
)

// VoiceSession is a live or closed voice call scoped to a remote identity.
type VoiceSession struct {
	ID         string             `msgpack:"id"`
	PeerID     string             `msgpack:"peer_id"`
	Status     VoiceSessionStatus `msgpack:"status"`
	Codec      string             `msgpack:"codec,omitempty"`
	OpenedAt   int64              `msgpack:"opened_at"`
	UpdatedAt  int64              `msgpack:"updated_at"`
	ClosedAt   int64              `msgpack:"closed_at,omitempty"`
}

// OpenVoiceSession starts a new voice session with a peer.
func (s *State) OpenVoiceSession(peerID, codec string, now time.Time) VoiceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := VoiceSession{
		ID:        NewID("voice"),
		PeerID:    peerID,
		Status:    VoiceOpen,
		Codec:     codec,
		OpenedAt:  now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	s.VoiceSessions[v.ID] = v
	return v
}

// UpdateVoiceSession refreshes a session's codec/activity timestamp. Updating
// a closed session is rejected.
func (s *State) UpdateVoiceSession(id, codec string, now time.Time) (VoiceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.VoiceSessions[id]
	if !ok {
		return VoiceSession{}, fmt.Errorf("domain: voice session %s not found", id)
	}
	if v.Status == VoiceClosed {
		return VoiceSession{}, fmt.Errorf("domain: voice session %s already closed", id)
	}
	if codec != "" {
		v.Codec = codec
	}
	v.UpdatedAt = now.UnixMilli()
	s.VoiceSessions[id] = v
	return v, nil
}

// CloseVoiceSession terminates a session. Closing an already-closed session
// is a no-op returning false.
func (s *State) CloseVoiceSession(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.VoiceSessions[id]
	if !ok || v.Status == VoiceClosed {
		return false
	}
	v.Status = VoiceClosed
	v.ClosedAt = now.UnixMilli()
	v.UpdatedAt = now.UnixMilli()
	s.VoiceSessions[id] = v
	return true
}

// GetVoiceSession fetches a voice session by id.
func (s *State) GetVoiceSession(id string) (VoiceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.VoiceSessions[id]
	return v, ok
}

// ListVoiceSessions returns every known voice session.
func (s *State) ListVoiceSessions() []VoiceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VoiceSession, 0, len(s.VoiceSessions))
	for _, v := range s.VoiceSessions {
		out = append(out, v)
	}
	return out
}
