package domain

import (
	"github.com/vmihailenco/msgpack/v5"
)

// snapshotWire is the on-disk msgpack shape of a State, stored as the
// single blob row in internal/store's sdk_domain_snapshot table (spec.md
// §4.8 "Events and persistence").
type snapshotWire struct {
	Topics        []Topic        `msgpack:"topics"`
	Subscriptions []Subscription `msgpack:"subscriptions"`
	Telemetry     []TelemetryPoint `msgpack:"telemetry"`
	Attachments   []Attachment   `msgpack:"attachments"`
	Markers       []Marker       `msgpack:"markers"`
	Identities    []IdentityRecord `msgpack:"identities"`
	Contacts      []ContactEntry `msgpack:"contacts"`
	Commands      []RemoteCommand `msgpack:"commands"`
	VoiceSessions []VoiceSession `msgpack:"voice_sessions"`
}

// MarshalSnapshot serializes the full domain state to msgpack for
// persistence.
func (s *State) MarshalSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := snapshotWire{Telemetry: append([]TelemetryPoint(nil), s.Telemetry...)}
	for _, t := range s.Topics {
		w.Topics = append(w.Topics, t)
	}
	for _, sub := range s.Subscriptions {
		w.Subscriptions = append(w.Subscriptions, sub)
	}
	for _, a := range s.Attachments {
		w.Attachments = append(w.Attachments, a)
	}
	for _, m := range s.Markers {
		w.Markers = append(w.Markers, m)
	}
	for _, id := range s.Identities {
		w.Identities = append(w.Identities, id)
	}
	for _, c := range s.Contacts {
		w.Contacts = append(w.Contacts, c)
	}
	for _, cmd := range s.Commands {
		w.Commands = append(w.Commands, cmd)
	}
	for _, v := range s.VoiceSessions {
		w.VoiceSessions = append(w.VoiceSessions, v)
	}
	return msgpack.Marshal(&w)
}

// LoadSnapshot replaces s's contents with the decoded blob, normalizing away
// dangling cross-references: subscriptions to topics that no longer exist
// and telemetry points against unknown topics are dropped, and any command
// left in CommandPending is left as-is (a restart does not itself expire
// in-flight commands).
func LoadSnapshot(blob []byte) (*State, error) {
	var w snapshotWire
	if err := msgpack.Unmarshal(blob, &w); err != nil {
		return nil, err
	}
	s := NewState()
	for _, t := range w.Topics {
		s.Topics[t.ID] = t
	}
	for _, sub := range w.Subscriptions {
		if _, ok := s.Topics[sub.TopicID]; !ok {
			continue
		}
		s.Subscriptions[sub.ID] = sub
	}
	for _, p := range w.Telemetry {
		if _, ok := s.Topics[p.TopicID]; !ok {
			continue
		}
		s.Telemetry = append(s.Telemetry, p)
	}
	for _, a := range w.Attachments {
		s.Attachments[a.ID] = a
	}
	for _, m := range w.Markers {
		s.Markers[m.ID] = m
	}
	for _, id := range w.Identities {
		s.Identities[id.ID] = id
	}
	for _, c := range w.Contacts {
		if _, ok := s.Identities[c.IdentityID]; !ok {
			continue
		}
		s.Contacts[c.IdentityID] = c
	}
	for _, cmd := range w.Commands {
		s.Commands[cmd.CorrelationID] = cmd
	}
	for _, v := range w.VoiceSessions {
		s.VoiceSessions[v.ID] = v
	}
	return s, nil
}
