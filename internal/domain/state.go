package domain

import "sync"

// State is the full in-memory SDK domain snapshot: everything exposed
// through the release B/C SDK methods and persisted via
// internal/store's sdk_domain_snapshot table (spec.md §3/§4.8).
type State struct {
	mu sync.Mutex

	Topics        map[string]Topic
	Subscriptions map[string]Subscription
	Telemetry     []TelemetryPoint

	Attachments map[string]Attachment
	uploads     map[string]*uploadSession

	Markers map[string]Marker

	Identities map[string]IdentityRecord
	Contacts   map[string]ContactEntry

	Commands map[string]RemoteCommand

	VoiceSessions map[string]VoiceSession
}

// NewState builds an empty domain snapshot ready for use.
func NewState() *State {
	return &State{
		Topics:        make(map[string]Topic),
		Subscriptions: make(map[string]Subscription),
		Attachments:   make(map[string]Attachment),
		uploads:       make(map[string]*uploadSession),
		Markers:       make(map[string]Marker),
		Identities:    make(map[string]IdentityRecord),
		Contacts:      make(map[string]ContactEntry),
		Commands:      make(map[string]RemoteCommand),
		VoiceSessions: make(map[string]VoiceSession),
	}
}
