package domain_test

import (
	"testing"
	"time"

	"meshrund/internal/domain"
)

func TestSnapshotRoundTrip(t *testing.T) {
	s := domain.NewState()
	now := time.Unix(1700000000, 0)

	topic := s.CreateTopic("alerts", now)
	sub, err := s.Subscribe(topic.ID, now)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := s.Publish(topic.ID, map[string]any{"level": "warn"}, now); err != nil {
		t.Fatalf("publish: %v", err)
	}
	s.CreateMarker(topic.ID, map[string]any{"x": 1.0}, now)

	blob, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored, err := domain.LoadSnapshot(blob)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(restored.ListTopics()) != 1 {
		t.Fatalf("expected 1 restored topic")
	}
	if len(restored.QueryTelemetry("")) != 1 {
		t.Fatalf("expected 1 restored telemetry point")
	}
	if len(restored.ListMarkers()) != 1 {
		t.Fatalf("expected 1 restored marker")
	}
	if _, ok := restored.GetTopic(topic.ID); !ok {
		t.Fatalf("expected restored topic lookup by id to work")
	}
	_ = sub
}

func TestSnapshotDropsDanglingSubscription(t *testing.T) {
	s := domain.NewState()
	now := time.Now()
	topic := s.CreateTopic("ephemeral", now)
	if _, err := s.Subscribe(topic.ID, now); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Simulate a topic vanishing out from under a still-referencing
	// subscription before persistence.
	delete(s.Topics, topic.ID)

	blob, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := domain.LoadSnapshot(blob)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(restored.Subscriptions) != 0 {
		t.Fatalf("expected dangling subscription to be normalized away, got %d", len(restored.Subscriptions))
	}
}
