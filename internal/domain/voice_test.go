package domain_test

import (
	"testing"
	"time"

	"meshrund/internal/domain"
)

func TestVoiceSessionLifecycle(t *testing.T) {
	s := domain.NewState()
	now := time.Unix(1700000000, 0)

	v := s.OpenVoiceSession("peer-1", "opus", now)
	if v.Status != domain.VoiceOpen {
		t.Fatalf("expected open status")
	}

	updated, err := s.UpdateVoiceSession(v.ID, "g722", now.Add(time.Second))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Codec != "g722" {
		t.Fatalf("expected codec update")
	}

	if !s.CloseVoiceSession(v.ID, now.Add(2*time.Second)) {
		t.Fatalf("expected close to succeed")
	}
	if s.CloseVoiceSession(v.ID, now) {
		t.Fatalf("expected second close to be a no-op")
	}
	if _, err := s.UpdateVoiceSession(v.ID, "opus", now); err == nil {
		t.Fatalf("expected update on closed session to fail")
	}
}
