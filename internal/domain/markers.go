package domain

import (
	"time"

	"meshrund/internal/codeerr"
)

// Marker is a positioned, revisioned annotation (spec.md §4.8 domain
// methods, scenario S2).
type Marker struct {
	ID       string         `msgpack:"id"`
	TopicID  string         `msgpack:"topic_id,omitempty"`
	Position map[string]any `msgpack:"position"`
	Revision int            `msgpack:"revision"`
	UpdatedAt int64         `msgpack:"updated_at"`
}

// CreateMarker creates a marker at revision 1.
func (s *State) CreateMarker(topicID string, position map[string]any, now time.Time) Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Marker{ID: NewID("marker"), TopicID: topicID, Position: position, Revision: 1, UpdatedAt: now.UnixMilli()}
	s.Markers[m.ID] = m
	return m
}

// UpdateMarker applies a compare-and-swap position update (spec.md scenario
// S2).
func (s *State) UpdateMarker(id string, expectedRevision int, position map[string]any, now time.Time) (Marker, *codeerr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Markers[id]
	if !ok {
		return Marker{}, codeerr.Runtime(codeerr.RuntimeConflict, "marker not found")
	}
	if m.Revision != expectedRevision {
		return Marker{}, codeerr.New(codeerr.CategoryRuntime, codeerr.RuntimeConflict, "revision mismatch").
			WithDetails(map[string]any{"expected_revision": expectedRevision, "observed_revision": m.Revision})
	}
	m.Position = position
	m.Revision++
	m.UpdatedAt = now.UnixMilli()
	s.Markers[id] = m
	return m, nil
}

// DeleteMarker removes a marker under the same CAS discipline as update
// (spec.md scenario S2 "second delete with the same revision → accepted:false").
func (s *State) DeleteMarker(id string, expectedRevision int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Markers[id]
	if !ok || m.Revision != expectedRevision {
		return false
	}
	delete(s.Markers, id)
	return true
}

// GetMarker fetches a marker by id.
func (s *State) GetMarker(id string) (Marker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.Markers[id]
	return m, ok
}

// ListMarkers returns every known marker.
func (s *State) ListMarkers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, 0, len(s.Markers))
	for _, m := range s.Markers {
		out = append(out, m)
	}
	return out
}
