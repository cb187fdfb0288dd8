package rpcdaemon

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"meshrund/internal/codeerr"
	"meshrund/internal/store"
)

// ListMessagesParams is list_messages's request shape (spec.md §4.8,
// pagination via the store's "<ts>:<id>" cursor).
type ListMessagesParams struct {
	Limit        int    `json:"limit"`
	BeforeCursor string `json:"before_cursor,omitempty"`
}

// ListMessagesResult is list_messages's response shape.
type ListMessagesResult struct {
	Messages   []store.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// ListMessages implements list_messages.
func (d *Daemon) ListMessages(p ListMessagesParams) (*ListMessagesResult, *codeerr.Error) {
	if p.Limit <= 0 {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "limit must be greater than zero")
	}
	msgs, err := d.store.ListMessages(p.Limit, p.BeforeCursor)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	res := &ListMessagesResult{Messages: msgs}
	if len(msgs) == p.Limit {
		last := msgs[len(msgs)-1]
		res.NextCursor = fmt.Sprintf("%d:%s", last.Timestamp, last.ID)
	}
	return res, nil
}

// ReceiveMessageParams is receive_message's request shape: fetch one
// message record by id (spec.md §4.8).
type ReceiveMessageParams struct {
	MessageID string `json:"message_id"`
}

// ReceiveMessage implements receive_message.
func (d *Daemon) ReceiveMessage(p ReceiveMessageParams) (*store.Message, *codeerr.Error) {
	msg, ok, err := d.store.GetMessage(p.MessageID)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	if !ok {
		return nil, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "message not found")
	}
	return &msg, nil
}

// ListAnnouncesParams is list_announces's request shape (spec.md §4.8,
// "timestamp:id" cursor).
type ListAnnouncesParams struct {
	Limit        int    `json:"limit"`
	BeforeCursor string `json:"before_cursor,omitempty"`
}

// ListAnnouncesResult is list_announces's response shape.
type ListAnnouncesResult struct {
	Announces  []store.Announce `json:"announces"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ListAnnounces implements list_announces.
func (d *Daemon) ListAnnounces(p ListAnnouncesParams) (*ListAnnouncesResult, *codeerr.Error) {
	if p.Limit <= 0 {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "limit must be greater than zero")
	}
	var beforeTS int64
	var beforeID string
	if p.BeforeCursor != "" {
		if _, err := fmt.Sscanf(p.BeforeCursor, "%d:%s", &beforeTS, &beforeID); err != nil {
			return nil, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "malformed cursor")
		}
	}
	announces, err := d.store.ListAnnounces(p.Limit, beforeTS, beforeID)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	res := &ListAnnouncesResult{Announces: announces}
	if len(announces) == p.Limit {
		last := announces[len(announces)-1]
		res.NextCursor = fmt.Sprintf("%d:%s", last.Timestamp, last.ID)
	}
	return res, nil
}

// SendMessage implements send_message/sdk_send_v2: it persists the message
// as queued, then hands it to the delivery hook asynchronously so the RPC
// call itself does not block on the delivery cascade (spec.md §4.7
// "Status transitions are appended to a delivery trace").
func (d *Daemon) SendMessage(ctx context.Context, p SendMessageParams) (*store.Message, *codeerr.Error) {
	if d.hooks.Deliver == nil {
		return nil, codeerr.Capability(codeerr.CapabilityDisabled, "message delivery is not wired")
	}
	content, err := base64.StdEncoding.DecodeString(p.ContentBase64)
	if err != nil {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "content_base64 is not valid base64")
	}

	now := time.Now()
	msg := store.Message{
		ID:            newMessageID(now),
		Source:        "local",
		Destination:   p.Destination,
		Title:         p.Title,
		Content:       content,
		Timestamp:     now.UnixMilli(),
		Direction:     "outbound",
		ReceiptStatus: string(StatusQueued),
	}
	if err := d.store.InsertMessage(msg); err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	d.events.Emit("message_queued", SeverityInfo, map[string]any{"message_id": msg.ID})

	deliverParams := SendMessageParams{
		Destination: msg.Destination, DestinationType: p.DestinationType,
		RatchetPublicHex: p.RatchetPublicHex, GroupKeyHex: p.GroupKeyHex,
		TryPropagationOnFail: p.TryPropagationOnFail, RelayCandidates: p.RelayCandidates,
		ContentBase64: p.ContentBase64,
	}
	go func() {
		deliverCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if _, err := d.hooks.Deliver(deliverCtx, deliverParams); err != nil {
			_, _ = d.RecordReceipt(msg.ID, "failed:"+err.Error())
		}
	}()
	return &msg, nil
}

func newMessageID(now time.Time) string {
	return fmt.Sprintf("msg-%d-%d", now.UnixNano(), messageSeq.next())
}

// messageSeq hands out a process-local monotonic tiebreaker for message ids
// minted within the same nanosecond.
var messageSeq sequence

type sequence struct {
	mu sync.Mutex
	n  uint64
}

func (s *sequence) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}

// ListPeers implements list_peers over the runtime's path-table hook.
func (d *Daemon) ListPeers() ([]PeerInfo, *codeerr.Error) {
	if d.hooks.ListPeers == nil {
		return nil, codeerr.Capability(codeerr.CapabilityDisabled, "peer listing is not wired")
	}
	return d.hooks.ListPeers(), nil
}

// SyncPeerParams is peer sync's request shape.
type SyncPeerParams struct {
	Destination string `json:"destination"`
}

// SyncPeer implements peer sync.
func (d *Daemon) SyncPeer(p SyncPeerParams) *codeerr.Error {
	if d.hooks.SyncPeer == nil {
		return codeerr.Capability(codeerr.CapabilityDisabled, "peer sync is not wired")
	}
	if err := d.hooks.SyncPeer(p.Destination); err != nil {
		return codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
	}
	return nil
}

// Unpeer implements unpeer.
func (d *Daemon) Unpeer(p SyncPeerParams) *codeerr.Error {
	if d.hooks.Unpeer == nil {
		return codeerr.Capability(codeerr.CapabilityDisabled, "unpeer is not wired")
	}
	if err := d.hooks.Unpeer(p.Destination); err != nil {
		return codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
	}
	return nil
}

// GetInterfaces implements interface get.
func (d *Daemon) GetInterfaces() ([]InterfaceInfo, *codeerr.Error) {
	if d.hooks.ListInterfaces == nil {
		return nil, codeerr.Capability(codeerr.CapabilityDisabled, "interface listing is not wired")
	}
	return d.hooks.ListInterfaces(), nil
}

// SetInterface implements interface set (spec.md §4.8 "tcp_client requires
// host+port; tcp_server requires port").
func (d *Daemon) SetInterface(cfg InterfaceInfo) *codeerr.Error {
	switch cfg.Type {
	case "tcp_client":
		if cfg.Host == "" || cfg.Port == 0 {
			return codeerr.Validation(codeerr.ValidationInvalidArgument, "tcp_client requires host and port")
		}
	case "tcp_server":
		if cfg.Port == 0 {
			return codeerr.Validation(codeerr.ValidationInvalidArgument, "tcp_server requires port")
		}
	case "udp", "gossip":
		if cfg.Port == 0 {
			return codeerr.Validation(codeerr.ValidationInvalidArgument, cfg.Type+" requires port")
		}
	default:
		return codeerr.Validation(codeerr.ValidationInvalidArgument, "unknown interface type "+cfg.Type)
	}
	if d.hooks.SetInterface == nil {
		return codeerr.Capability(codeerr.CapabilityDisabled, "interface configuration is not wired")
	}
	if err := d.hooks.SetInterface(cfg); err != nil {
		return codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
	}
	return nil
}

// PropagationStateResult is propagation get's response shape.
type PropagationStateResult struct {
	Enabled bool   `json:"enabled"`
	Relay   string `json:"relay,omitempty"`
}

// GetPropagation implements the propagation-state read half of the
// propagation controls.
func (d *Daemon) GetPropagation() (*PropagationStateResult, *codeerr.Error) {
	if d.hooks.PropagationState == nil {
		return nil, codeerr.Capability(codeerr.CapabilityDisabled, "propagation is not wired")
	}
	enabled, relay := d.hooks.PropagationState()
	return &PropagationStateResult{Enabled: enabled, Relay: relay}, nil
}

// SetPropagationParams is propagation set's request shape.
type SetPropagationParams struct {
	Enabled bool   `json:"enabled"`
	Relay   string `json:"relay,omitempty"`
}

// SetPropagation implements the propagation controls' write half.
func (d *Daemon) SetPropagation(p SetPropagationParams) *codeerr.Error {
	if d.hooks.SetPropagation == nil {
		return codeerr.Capability(codeerr.CapabilityDisabled, "propagation is not wired")
	}
	if err := d.hooks.SetPropagation(p.Enabled, p.Relay); err != nil {
		return codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
	}
	return nil
}

// StampPolicyParams is set_stamp_policy's request shape (spec.md §4.8
// "stamp policy").
type StampPolicyParams struct {
	Destination string `json:"destination"`
	CostBits    int    `json:"cost_bits"`
}

// SetStampPolicy implements stamp policy configuration.
func (d *Daemon) SetStampPolicy(p StampPolicyParams) *codeerr.Error {
	if p.CostBits < 0 {
		return codeerr.Validation(codeerr.ValidationInvalidArgument, "cost_bits must be non-negative")
	}
	if d.hooks.SetStampPolicy == nil {
		return codeerr.Capability(codeerr.CapabilityDisabled, "stamp policy is not wired")
	}
	if err := d.hooks.SetStampPolicy(p.Destination, p.CostBits); err != nil {
		return codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
	}
	return nil
}

// GenerateTicketParams is ticket generation's request shape.
type GenerateTicketParams struct {
	Destination string `json:"destination"`
}

// GenerateTicketResult carries the opaque generated ticket.
type GenerateTicketResult struct {
	Ticket string `json:"ticket"`
}

// GenerateTicket implements ticket generation.
func (d *Daemon) GenerateTicket(p GenerateTicketParams) (*GenerateTicketResult, *codeerr.Error) {
	if d.hooks.GenerateTicket == nil {
		return nil, codeerr.Capability(codeerr.CapabilityDisabled, "ticket generation is not wired")
	}
	ticket, err := d.hooks.GenerateTicket(p.Destination)
	if err != nil {
		return nil, codeerr.Runtime(codeerr.RuntimeConflict, err.Error())
	}
	return &GenerateTicketResult{Ticket: ticket}, nil
}
