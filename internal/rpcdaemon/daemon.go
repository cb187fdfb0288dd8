// Package rpcdaemon implements the RPC surface's method dispatch table,
// capability negotiation, sequenced event stream, runtime config CAS, and
// receipt terminality (spec.md §4.8).
package rpcdaemon

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshrund/internal/codeerr"
	"meshrund/internal/domain"
	"meshrund/internal/store"
)

// Profile is the negotiated client profile (spec.md §4.8).
type Profile string

const (
	ProfileDesktopFull            Profile = "desktop-full"
	ProfileDesktopLocalRuntime    Profile = "desktop-local-runtime"
	ProfileEmbeddedAlloc          Profile = "embedded-alloc"
)

// BindMode and AuthMode mirror spec.md §4.8's negotiation enums.
type BindMode string
type AuthMode string
type OverflowPolicy string

const (
	BindLocalOnly BindMode = "local_only"
	BindRemote    BindMode = "remote"

	AuthLocalTrusted AuthMode = "local_trusted"
	AuthToken        AuthMode = "token"
	AuthMTLS         AuthMode = "mtls"

	OverflowReject     OverflowPolicy = "reject"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowBlock      OverflowPolicy = "block"
)

// profileCapabilities is the supported capability set per profile (spec.md
// §4.8 "embedded-alloc drops async_events capability").
var profileCapabilities = map[Profile][]string{
	ProfileDesktopFull:         {"async_events", "attachments", "voice", "markers", "identities"},
	ProfileDesktopLocalRuntime: {"async_events", "attachments", "markers", "identities"},
	ProfileEmbeddedAlloc:       {"attachments", "markers"},
}

// ProfileLimits carries the profile-scoped limits returned by negotiate
// (spec.md §4.8).
type ProfileLimits struct {
	MaxPollEvents    int `json:"max_poll_events"`
	MaxEventBytes    int `json:"max_event_bytes"`
	MaxBatchBytes    int `json:"max_batch_bytes"`
	MaxExtensionKeys int `json:"max_extension_keys"`
	IdempotencyTTLMS int `json:"idempotency_ttl_ms"`
}

var profileLimits = map[Profile]ProfileLimits{
	ProfileDesktopFull:         {MaxPollEvents: 256, MaxEventBytes: 65536, MaxBatchBytes: 1 << 20, MaxExtensionKeys: 64, IdempotencyTTLMS: 300000},
	ProfileDesktopLocalRuntime: {MaxPollEvents: 128, MaxEventBytes: 32768, MaxBatchBytes: 512 * 1024, MaxExtensionKeys: 32, IdempotencyTTLMS: 300000},
	ProfileEmbeddedAlloc:       {MaxPollEvents: 32, MaxEventBytes: 8192, MaxBatchBytes: 64 * 1024, MaxExtensionKeys: 8, IdempotencyTTLMS: 60000},
}

// NegotiateParams is sdk_negotiate_v2's request shape.
type NegotiateParams struct {
	ContractVersions []int          `json:"contract_versions"`
	Profile          Profile        `json:"profile"`
	BindMode         BindMode       `json:"bind_mode"`
	AuthMode         AuthMode       `json:"auth_mode"`
	OverflowPolicy   OverflowPolicy `json:"overflow_policy"`
	BlockTimeoutMS   int            `json:"block_timeout_ms,omitempty"`
	Issuer           string         `json:"issuer,omitempty"`
	Audience         string         `json:"audience,omitempty"`
	JTICacheTTLMS    int            `json:"jti_cache_ttl_ms,omitempty"`
	SharedSecret     string         `json:"shared_secret,omitempty"`
	RequestedCaps    []string       `json:"requested_capabilities,omitempty"`
}

// NegotiateResult is sdk_negotiate_v2's response shape.
type NegotiateResult struct {
	ActiveContractVersion int           `json:"active_contract_version"`
	Capabilities          []string      `json:"capabilities"`
	Limits                ProfileLimits `json:"limits"`
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func intersect(requested, supported []string) []string {
	if requested == nil {
		return append([]string(nil), supported...)
	}
	var out []string
	for _, s := range supported {
		if contains(requested, s) {
			out = append(out, s)
		}
	}
	return out
}

// Negotiate validates and applies a contract negotiation (spec.md §4.8).
func (d *Daemon) Negotiate(p NegotiateParams) (*NegotiateResult, *codeerr.Error) {
	if !contains(p.ContractVersions, 2) {
		return nil, codeerr.Capability(codeerr.CapabilityContractIncompatible, "contract version 2 required")
	}
	caps, ok := profileCapabilities[p.Profile]
	if !ok {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "unknown profile")
	}
	limits, ok := profileLimits[p.Profile]
	if !ok {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "unknown profile")
	}

	switch p.BindMode {
	case BindRemote:
		if p.AuthMode != AuthToken && p.AuthMode != AuthMTLS {
			return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "remote bind requires token or mtls auth")
		}
	case BindLocalOnly:
		if p.AuthMode != AuthLocalTrusted {
			return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "local_only bind requires local_trusted auth")
		}
	default:
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "unknown bind_mode")
	}

	if p.OverflowPolicy == OverflowBlock && p.BlockTimeoutMS <= 0 {
		return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "block overflow policy requires block_timeout_ms")
	}

	if p.AuthMode == AuthToken {
		if p.Issuer == "" || p.Audience == "" || p.JTICacheTTLMS <= 0 || p.SharedSecret == "" {
			return nil, codeerr.Validation(codeerr.ValidationInvalidArgument, "token auth requires issuer, audience, jti_cache_ttl_ms>0, shared_secret")
		}
	}

	effectiveCaps := intersect(p.RequestedCaps, caps)
	if p.Profile == ProfileEmbeddedAlloc {
		effectiveCaps = removeCap(effectiveCaps, "async_events")
	}

	d.mu.Lock()
	d.profile = p.Profile
	d.bindMode = p.BindMode
	d.authMode = p.AuthMode
	d.overflowPolicy = p.OverflowPolicy
	d.capabilities = effectiveCaps
	d.mu.Unlock()

	return &NegotiateResult{ActiveContractVersion: 2, Capabilities: effectiveCaps, Limits: limits}, nil
}

func removeCap(caps []string, name string) []string {
	var out []string
	for _, c := range caps {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

// RuntimeConfig is the CAS-guarded restricted config key set (spec.md
// §4.8).
type RuntimeConfig struct {
	Revision         int            `json:"revision"`
	OverflowPolicy   OverflowPolicy `json:"overflow_policy,omitempty"`
	BlockTimeoutMS   int            `json:"block_timeout_ms,omitempty"`
	EventStream      string         `json:"event_stream,omitempty"`
	IdempotencyTTLMS int            `json:"idempotency_ttl_ms,omitempty"`
	Redaction        string         `json:"redaction,omitempty"`
	RPCBackend       string         `json:"rpc_backend,omitempty"`
	Extensions       map[string]any `json:"extensions,omitempty"`
}

var configurableKeys = map[string]bool{
	"overflow_policy": true, "block_timeout_ms": true, "event_stream": true,
	"idempotency_ttl_ms": true, "redaction": true, "rpc_backend": true, "extensions": true,
}

// ConfigureParams is sdk_configure_v2's request shape.
type ConfigureParams struct {
	ExpectedRevision int            `json:"expected_revision"`
	Patch            map[string]any `json:"patch"`
}

// Configure applies a JSON-merge patch with compare-and-swap semantics
// (spec.md §4.8).
func (d *Daemon) Configure(p ConfigureParams) (*RuntimeConfig, *codeerr.Error) {
	for key := range p.Patch {
		if !configurableKeys[key] {
			return nil, codeerr.Config(codeerr.ConfigUnknownKey, fmt.Sprintf("unknown config key %q", key))
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ExpectedRevision != d.config.Revision {
		return nil, codeerr.New(codeerr.CategoryConfig, codeerr.ConfigConflict, "revision mismatch").
			WithDetails(map[string]any{"expected_revision": p.ExpectedRevision, "observed_revision": d.config.Revision})
	}

	raw, err := json.Marshal(d.config)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryConfig, codeerr.ConfigConflict, "internal marshal error")
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, codeerr.New(codeerr.CategoryConfig, codeerr.ConfigConflict, "internal unmarshal error")
	}
	for k, v := range p.Patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryConfig, codeerr.ConfigConflict, "internal marshal error")
	}
	var next RuntimeConfig
	if err := json.Unmarshal(mergedBytes, &next); err != nil {
		return nil, codeerr.New(codeerr.CategoryConfig, codeerr.ConfigConflict, "internal unmarshal error")
	}
	next.Revision = d.config.Revision + 1
	d.config = next

	d.events.Emit("config_updated", SeverityInfo, map[string]any{"revision": next.Revision})
	return &next, nil
}

// MessageStatus is the wire enum for a message's receipt/delivery status.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusCancelled MessageStatus = "cancelled"
)

func startsWithFailed(status string) bool {
	return status == "failed" || (len(status) > 7 && status[:7] == "failed:")
}

// isTerminal matches the sticky-terminal statuses of spec.md §3's receipt
// taxonomy: cancelled, delivered, failed or failed:<reason>, expired,
// rejected.
func isTerminal(status string) bool {
	switch status {
	case "delivered", "cancelled", "expired", "rejected":
		return true
	default:
		return startsWithFailed(status)
	}
}

func startsWithSent(status string) bool {
	return len(status) >= 5 && status[:5] == "sent:"
}

// CancelOutcome is sdk_cancel_message_v2's result enum (spec.md §4.8).
type CancelOutcome string

const (
	CancelNotFound         CancelOutcome = "NotFound"
	CancelAccepted         CancelOutcome = "Accepted"
	CancelTooLateToCancel  CancelOutcome = "TooLateToCancel"
	CancelAlreadyTerminal  CancelOutcome = "AlreadyTerminal"
)

// CancelMessage implements sdk_cancel_message_v2 (spec.md §4.8).
func (d *Daemon) CancelMessage(messageID string) (CancelOutcome, error) {
	msg, ok, err := d.store.GetMessage(messageID)
	if err != nil {
		return "", err
	}
	if !ok {
		return CancelNotFound, nil
	}
	if startsWithSent(msg.ReceiptStatus) {
		return CancelTooLateToCancel, nil
	}
	if isTerminal(msg.ReceiptStatus) {
		return CancelAlreadyTerminal, nil
	}
	if err := d.store.UpdateReceiptStatus(messageID, string(StatusCancelled)); err != nil {
		return "", err
	}
	d.events.Emit("message_cancelled", SeverityInfo, map[string]any{"message_id": messageID})
	return CancelAccepted, nil
}

// RecordReceipt implements record_receipt's sticky-terminal idempotence
// rule (spec.md §3/§4.8): a terminal status is never overwritten.
func (d *Daemon) RecordReceipt(messageID, status string) (updated bool, err error) {
	msg, ok, err := d.store.GetMessage(messageID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("rpcdaemon: message %s not found", messageID)
	}
	if isTerminal(msg.ReceiptStatus) {
		return false, nil
	}
	if err := d.store.UpdateReceiptStatus(messageID, status); err != nil {
		return false, err
	}
	d.events.Emit("receipt_recorded", SeverityInfo, map[string]any{"message_id": messageID, "status": status})
	return true, nil
}

// Daemon is the RPC surface's in-process state: negotiated session,
// runtime config, event log, and the persistent store it fronts.
type Daemon struct {
	mu sync.Mutex

	profile        Profile
	bindMode       BindMode
	authMode       AuthMode
	overflowPolicy OverflowPolicy
	capabilities   []string

	config RuntimeConfig

	events *EventLog
	store  *store.Store
	domain *domain.State
	hooks  Hooks

	startedAt time.Time
}

// New builds a daemon fronting the given store and domain state, with a
// fresh event log identified by runtimeID/streamID. hooks plugs in the
// delivery/peer/interface/propagation capabilities the runtime wires to the
// real transport (spec.md §9 "the daemon never imports a concrete
// transport").
func New(st *store.Store, runtimeID, streamID string, dom *domain.State, hooks Hooks) *Daemon {
	return &Daemon{
		config:    RuntimeConfig{Revision: 1},
		events:    NewEventLog(runtimeID, streamID, EventLogCapacity),
		store:     st,
		domain:    dom,
		hooks:     hooks,
		startedAt: time.Now(),
	}
}

// Events exposes the daemon's event log for poll/subscribe wiring.
func (d *Daemon) Events() *EventLog { return d.events }

// Store exposes the daemon's persistent store facade.
func (d *Daemon) Store() *store.Store { return d.store }

// PollParams is sdk_poll_events_v2's request shape.
type PollParams struct {
	Cursor string `json:"cursor,omitempty"`
	Max    int    `json:"max"`
}

// PollEventsResult is sdk_poll_events_v2's response shape.
type PollEventsResult struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor"`
}

// translateCursorErr maps the event log's internal cursor error tags to
// full codeerr.Errors with canonical message text (spec.md §4.8).
func translateCursorErr(e *cursorError) *codeerr.Error {
	switch e.code {
	case codeInvalidArgument:
		return codeerr.Validation(codeerr.ValidationInvalidArgument, "max must be greater than zero")
	case codeInvalidCursor:
		return codeerr.Runtime(codeerr.RuntimeInvalidCursor, "malformed cursor")
	case codeCursorExpired:
		return codeerr.Runtime(codeerr.RuntimeCursorExpired, "cursor refers to an evicted event")
	case codeStreamDegraded:
		return codeerr.Runtime(codeerr.RuntimeStreamDegraded, "event stream is degraded; poll with a null cursor to recover")
	default:
		return codeerr.Runtime(codeerr.RuntimeInvalidCursor, "cursor error")
	}
}

// PollEvents implements sdk_poll_events_v2 (spec.md §4.8).
func (d *Daemon) PollEvents(p PollParams) (*PollEventsResult, *codeerr.Error) {
	d.mu.Lock()
	limits, ok := profileLimits[d.profile]
	d.mu.Unlock()
	if ok && p.Max > limits.MaxPollEvents {
		return nil, codeerr.Validation(codeerr.ValidationMaxPollEventsExceeded, "max exceeds the negotiated profile limit")
	}

	res, cerr := d.events.Poll(p.Cursor, p.Max)
	if cerr != nil {
		return nil, translateCursorErr(cerr)
	}
	return &PollEventsResult{Events: res.Events, NextCursor: res.NextCursor}, nil
}

// StatusResult is sdk_status_v2's response shape.
type StatusResult struct {
	MessageID     string `json:"message_id"`
	ReceiptStatus string `json:"receipt_status"`
}

// Status implements sdk_status_v2.
func (d *Daemon) Status(messageID string) (*StatusResult, *codeerr.Error) {
	msg, ok, err := d.store.GetMessage(messageID)
	if err != nil {
		return nil, codeerr.New(codeerr.CategoryStorage, "SDK_STORAGE_IO", err.Error())
	}
	if !ok {
		return nil, codeerr.Runtime(codeerr.RuntimeInvalidCursor, "message not found")
	}
	return &StatusResult{MessageID: msg.ID, ReceiptStatus: msg.ReceiptStatus}, nil
}

// SnapshotResult is sdk_snapshot_v2's response shape.
type SnapshotResult struct {
	Profile      Profile        `json:"profile"`
	Capabilities []string       `json:"capabilities"`
	Config       RuntimeConfig  `json:"config"`
	Counts       map[string]int `json:"counts,omitempty"`
}

// Snapshot implements sdk_snapshot_v2.
func (d *Daemon) Snapshot(includeCounts bool) (*SnapshotResult, *codeerr.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := &SnapshotResult{Profile: d.profile, Capabilities: append([]string(nil), d.capabilities...), Config: d.config}
	if includeCounts {
		buckets, err := d.store.CountMessageBuckets([]string{"queued"}, []string{"sent:direct", "sent:opportunistic", "sent:propagated"})
		if err == nil {
			res.Counts = map[string]int{"queued": int(buckets.Queued), "in_flight": int(buckets.InFlight)}
		}
	}
	return res, nil
}

// ShutdownMode is sdk_shutdown_v2's mode argument.
type ShutdownMode string

const (
	ShutdownGraceful ShutdownMode = "graceful"
	ShutdownImmediate ShutdownMode = "immediate"
)

// Shutdown implements sdk_shutdown_v2, emitting a terminal event.
func (d *Daemon) Shutdown(mode ShutdownMode) {
	d.events.Emit("shutdown_requested", SeverityInfo, map[string]any{"mode": string(mode)})
}
