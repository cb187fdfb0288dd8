package rpcdaemon

import "context"

// SendMessageParams is send_message/sdk_send_v2's request shape (spec.md
// §4.8). Destination and the optional key material are hex-encoded so the
// wire JSON stays plain strings.
type SendMessageParams struct {
	Destination          string   `json:"destination"`
	DestinationType      string   `json:"destination_type"` // single|group|plain
	Title                string   `json:"title,omitempty"`
	ContentBase64        string   `json:"content_base64"`
	RatchetPublicHex     string   `json:"ratchet_public_hex,omitempty"`
	GroupKeyHex          string   `json:"group_key_hex,omitempty"`
	TryPropagationOnFail bool     `json:"try_propagation_on_fail,omitempty"`
	RelayCandidates      []string `json:"relay_candidates,omitempty"`
}

// PeerInfo describes one path-table entry for list_peers (spec.md §4.8).
type PeerInfo struct {
	Destination  string `json:"destination"`
	NextHopHex   string `json:"next_hop_hex"`
	Hops         int    `json:"hops"`
	Interface    string `json:"interface"`
	ObservedUnix int64  `json:"observed_unix"`
}

// InterfaceInfo describes one configured transport interface for interface
// get/set (spec.md §4.8 "tcp_client requires host+port; tcp_server requires
// port").
type InterfaceInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Hooks are the pluggable capability functions the daemon drives instead of
// importing a concrete transport (spec.md §9 "the daemon never imports a
// concrete transport"). The runtime wires these to the real transport/link/
// delivery machinery; tests can supply in-memory stand-ins.
type Hooks struct {
	Deliver          func(ctx context.Context, p SendMessageParams) (messageID string, err error)
	ListPeers        func() []PeerInfo
	SyncPeer         func(destinationHex string) error
	Unpeer           func(destinationHex string) error
	ListInterfaces   func() []InterfaceInfo
	SetInterface     func(cfg InterfaceInfo) error
	SetPropagation   func(enabled bool, relay string) error
	PropagationState func() (enabled bool, relay string)
	GenerateTicket   func(destinationHex string) (string, error)
	SetStampPolicy   func(destinationHex string, costBits int) error
}
