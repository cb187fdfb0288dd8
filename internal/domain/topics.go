package domain

import (
	"fmt"
	"time"
)

// Topic is a named pub/sub channel (spec.md §4.8 domain methods, release
// B/C).
type Topic struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatedAt int64  `msgpack:"created_at"`
}

// Subscription binds a subscriber to a topic.
type Subscription struct {
	ID        string `msgpack:"id"`
	TopicID   string `msgpack:"topic_id"`
	CreatedAt int64  `msgpack:"created_at"`
}

// TelemetryPoint is one published message recorded against its topic, for
// telemetry query (spec.md scenario S1).
type TelemetryPoint struct {
	ID        string         `msgpack:"id"`
	TopicID   string         `msgpack:"topic_id"`
	Message   map[string]any `msgpack:"message"`
	Timestamp int64          `msgpack:"timestamp"`
}

// CreateTopic registers a new topic by name.
func (s *State) CreateTopic(name string, now time.Time) Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Topic{ID: NewID("topic"), Name: name, CreatedAt: now.UnixMilli()}
	s.Topics[t.ID] = t
	return t
}

// GetTopic fetches a topic by id.
func (s *State) GetTopic(id string) (Topic, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Topics[id]
	return t, ok
}

// ListTopics returns every known topic.
func (s *State) ListTopics() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Topic, 0, len(s.Topics))
	for _, t := range s.Topics {
		out = append(out, t)
	}
	return out
}

// Subscribe creates a subscription to an existing topic.
func (s *State) Subscribe(topicID string, now time.Time) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Topics[topicID]; !ok {
		return Subscription{}, fmt.Errorf("domain: topic %s not found", topicID)
	}
	sub := Subscription{ID: NewID("sub"), TopicID: topicID, CreatedAt: now.UnixMilli()}
	s.Subscriptions[sub.ID] = sub
	return sub, nil
}

// Publish records a telemetry point against a topic (spec.md S1 "publish
// {message}; query telemetry").
func (s *State) Publish(topicID string, message map[string]any, now time.Time) (TelemetryPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Topics[topicID]; !ok {
		return TelemetryPoint{}, fmt.Errorf("domain: topic %s not found", topicID)
	}
	p := TelemetryPoint{ID: NewID("tel"), TopicID: topicID, Message: message, Timestamp: now.UnixMilli()}
	s.Telemetry = append(s.Telemetry, p)
	return p, nil
}

// QueryTelemetry returns telemetry points, optionally filtered to one topic.
func (s *State) QueryTelemetry(topicID string) []TelemetryPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if topicID == "" {
		return append([]TelemetryPoint(nil), s.Telemetry...)
	}
	var out []TelemetryPoint
	for _, p := range s.Telemetry {
		if p.TopicID == topicID {
			out = append(out, p)
		}
	}
	return out
}
