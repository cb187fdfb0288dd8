package domain_test

import (
	"testing"
	"time"

	"meshrund/internal/domain"
)

func TestMarkerCASLifecycle(t *testing.T) {
	s := domain.NewState()
	now := time.Unix(1700000000, 0)

	m := s.CreateMarker("topic-1", map[string]any{"lat": 1.0, "lon": 2.0}, now)
	if m.Revision != 1 {
		t.Fatalf("expected initial revision 1, got %d", m.Revision)
	}

	updated, cerr := s.UpdateMarker(m.ID, 1, map[string]any{"lat": 3.0, "lon": 4.0}, now)
	if cerr != nil {
		t.Fatalf("update: %v", cerr)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}

	if _, cerr := s.UpdateMarker(m.ID, 1, map[string]any{}, now); cerr == nil {
		t.Fatalf("expected stale revision to be rejected")
	} else if cerr.Details["expected_revision"] != 1 || cerr.Details["observed_revision"] != 2 {
		t.Fatalf("unexpected conflict details: %+v", cerr.Details)
	}

	if s.DeleteMarker(m.ID, 1) {
		t.Fatalf("expected stale-revision delete to be rejected")
	}
	if !s.DeleteMarker(m.ID, 2) {
		t.Fatalf("expected current-revision delete to succeed")
	}
	if _, ok := s.GetMarker(m.ID); ok {
		t.Fatalf("expected marker to be gone after delete")
	}
}
