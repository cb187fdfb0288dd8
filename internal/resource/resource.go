// Package resource implements chunked transfer of payloads too large for a
// single packet: hashmap advertisement/segmentation, windowed receiver-
// driven request/retry, and integrity/proof exchange (spec.md §4.5, "the
// heart of the core").
package resource

import (
	"bytes"
	"compress/flate"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"meshrund/internal/xcrypto"
)

// Wire constants (spec.md §4.5, cross-checked against original_source's
// resource transfer implementation).
const (
	RandomPrefixSize      = 4
	MapHashSize           = 4
	AdvertisementOverhead = 134
	Window                = 4
	DefaultRetryInterval  = 2 * time.Second
	DefaultRetryLimit     = 5
)

// Flag bits carried on an advertisement (spec.md §4.5).
const (
	FlagEncrypted byte = 1 << iota
	FlagCompressed
	FlagSplit
	FlagRequest
	FlagResponse
	FlagMetadata
)

// Status is a transfer's lifecycle phase.
type Status int

const (
	Pending Status = iota
	Transferring
	Complete
	Failed
	Cancelled
)

// ErrSplitAdvertisement is returned when an inbound advertisement sets the
// split flag, which this implementation does not support (spec.md §4.5 "a
// split advertisement is rejected by the receiver").
var ErrSplitAdvertisement = errors.New("resource: split advertisement rejected")

// ErrIntegrity is returned when a fully-assembled transfer fails its
// resource_hash check.
var ErrIntegrity = errors.New("resource: integrity check failed")

// HashmapMaxLen derives the number of map-hash entries that fit in one
// advertisement/hash-update segment for the given link MDU (spec.md §4.5).
func HashmapMaxLen(linkMDU int) int {
	budget := linkMDU - AdvertisementOverhead
	if budget < MapHashSize {
		return 0
	}
	return budget / MapHashSize
}

// Advertisement is the wire-level announcement of an outbound (or
// in-progress) transfer (spec.md §4.5).
type Advertisement struct {
	TransferSize  uint32
	DataSize      uint32
	Parts         uint32
	ResourceHash  [32]byte
	Random        [RandomPrefixSize]byte
	OriginalHash  [32]byte
	SegmentIndex  uint16
	TotalSegments uint16
	Flags         byte
	Hashmap       [][MapHashSize]byte // this segment's slice of the full map
}

// HashUpdate carries a later hashmap segment once the receiver has
// exhausted what it already knows (spec.md §4.5 "send a HashUpdate with
// that segment").
type HashUpdate struct {
	ResourceHash [32]byte
	SegmentIndex uint16
	Hashmap      [][MapHashSize]byte
}

// Request is the receiver's windowed part request (spec.md §4.5).
type Request struct {
	ResourceHash     [32]byte
	HashmapExhausted bool
	LastMapHash      *[MapHashSize]byte
	Requested        [][MapHashSize]byte
}

// PartReply carries one requested ciphertext chunk, identified by its map
// hash (spec.md §4.5 "reply with a plain Resource-context packet whose data
// is the ciphertext chunk").
type PartReply struct {
	ResourceHash [32]byte
	MapHash      [MapHashSize]byte
	Data         []byte
}

// Proof is the receiver's completion proof (spec.md §4.5).
type Proof struct {
	ResourceHash [32]byte
	ProofHash    [32]byte
}

// Event is published by the manager on transfer progress/completion.
type Event struct {
	ResourceHash [32]byte
	Kind         EventKind
	ReceivedPart uint32
	TotalParts   uint32
	ReceivedByte uint32
	TotalBytes   uint32
	Payload      []byte
	Metadata     []byte
}

// EventKind distinguishes the three published event shapes.
type EventKind int

const (
	EventProgress EventKind = iota
	EventInboundComplete
	EventOutboundComplete
)

func randomPrefix() ([RandomPrefixSize]byte, error) {
	var r [RandomPrefixSize]byte
	if _, err := io.ReadFull(rand.Reader, r[:]); err != nil {
		return r, err
	}
	return r, nil
}

func deflate(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}

func mapHash(part []byte, random [RandomPrefixSize]byte) [MapHashSize]byte {
	full := xcrypto.SHA256Concat(part, random[:])
	var out [MapHashSize]byte
	copy(out[:], full[:MapHashSize])
	return out
}

func buildInner(payload, metadata []byte) []byte {
	if metadata == nil {
		return payload
	}
	szPrefix := putUint24BE(uint32(len(metadata)))
	out := make([]byte, 0, 3+len(metadata)+len(payload))
	out = append(out, szPrefix[:]...)
	out = append(out, metadata...)
	out = append(out, payload...)
	return out
}

func putUint24BE(v uint32) [3]byte {
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func uint24BE(b [3]byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// Outbound is a sender-side transfer in progress.
type Outbound struct {
	mu sync.Mutex

	ResourceHash  [32]byte
	ExpectedProof [32]byte
	random        [RandomPrefixSize]byte
	parts         [][]byte // ciphertext chunks, in order
	mapHashes     [][MapHashSize]byte
	flags         byte
	status        Status
}

// BuildOutbound assembles a sender-side transfer per spec.md §4.5: frame
// metadata, optionally compress, prefix with randomness, optionally
// link-encrypt, then slice into MDU-sized ciphertext parts.
func BuildOutbound(payload, metadata []byte, compress bool, encrypt func([]byte) ([]byte, error), mdu int) (*Outbound, *Advertisement, error) {
	inner := buildInner(payload, metadata)

	var flags byte
	if metadata != nil {
		flags |= FlagMetadata
	}
	if compress {
		compressed, err := deflate(inner)
		if err != nil {
			return nil, nil, err
		}
		inner = compressed
		flags |= FlagCompressed
	}

	random, err := randomPrefix()
	if err != nil {
		return nil, nil, err
	}

	resourceHash := xcrypto.SHA256Concat(inner, random[:])
	expectedProof := xcrypto.SHA256Concat(inner, resourceHash[:])

	full := make([]byte, 0, len(random)+len(inner))
	full = append(full, random[:]...)
	full = append(full, inner...)

	blob := full
	if encrypt != nil {
		ciphertext, err := encrypt(full)
		if err != nil {
			return nil, nil, err
		}
		blob = ciphertext
		flags |= FlagEncrypted
	}

	var parts [][]byte
	for off := 0; off < len(blob); off += mdu {
		end := off + mdu
		if end > len(blob) {
			end = len(blob)
		}
		parts = append(parts, append([]byte(nil), blob[off:end]...))
	}
	if len(parts) == 0 {
		parts = [][]byte{{}}
	}

	mapHashes := make([][MapHashSize]byte, len(parts))
	for i, p := range parts {
		mapHashes[i] = mapHash(p, random)
	}

	ob := &Outbound{
		ResourceHash:  resourceHash,
		ExpectedProof: expectedProof,
		random:        random,
		parts:         parts,
		mapHashes:     mapHashes,
		flags:         flags,
		status:        Pending,
	}

	segLen := HashmapMaxLen(mdu + AdvertisementOverhead)
	if segLen <= 0 || segLen > len(mapHashes) {
		segLen = len(mapHashes)
	}
	first := mapHashes
	if segLen < len(mapHashes) {
		first = mapHashes[:segLen]
	}
	adv := &Advertisement{
		TransferSize:  uint32(len(blob)),
		DataSize:      uint32(len(payload)),
		Parts:         uint32(len(parts)),
		ResourceHash:  resourceHash,
		Random:        random,
		OriginalHash:  xcrypto.SHA256(payload),
		SegmentIndex:  1,
		TotalSegments: 1,
		Flags:         flags,
		Hashmap:       append([][MapHashSize]byte(nil), first...),
	}
	return ob, adv, nil
}

// HandleRequest answers a receiver's request with the matching parts, and
// optionally the next hashmap segment (spec.md §4.5 "Sender on request").
func (o *Outbound) HandleRequest(req Request, segLen int) ([]PartReply, *HashUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status = Transferring

	byHash := make(map[[MapHashSize]byte]int, len(o.mapHashes))
	for i, h := range o.mapHashes {
		byHash[h] = i
	}

	var replies []PartReply
	for _, h := range req.Requested {
		if idx, ok := byHash[h]; ok {
			replies = append(replies, PartReply{ResourceHash: o.ResourceHash, MapHash: h, Data: o.parts[idx]})
		}
	}

	if !req.HashmapExhausted {
		return replies, nil
	}
	lastIdx := 0
	if req.LastMapHash != nil {
		if idx, ok := byHash[*req.LastMapHash]; ok {
			lastIdx = idx
		}
	}
	if segLen <= 0 {
		segLen = len(o.mapHashes)
	}
	nextSegment := uint16(lastIdx/segLen) + 2 // 1-indexed, next after the one containing lastIdx
	start := int(nextSegment-1) * segLen
	if start >= len(o.mapHashes) {
		return replies, nil
	}
	end := start + segLen
	if end > len(o.mapHashes) {
		end = len(o.mapHashes)
	}
	return replies, &HashUpdate{ResourceHash: o.ResourceHash, SegmentIndex: nextSegment, Hashmap: append([][MapHashSize]byte(nil), o.mapHashes[start:end]...)}
}

// HandleProof validates the receiver's completion proof (spec.md §4.5
// "Sender on proof").
func (o *Outbound) HandleProof(p Proof) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p.ResourceHash != o.ResourceHash || p.ProofHash != o.ExpectedProof {
		return false
	}
	o.status = Complete
	return true
}

// Status returns the outbound transfer's current lifecycle phase.
func (o *Outbound) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Inbound is a receiver-side transfer in progress.
type Inbound struct {
	mu sync.Mutex

	ResourceHash [32]byte
	Random       [RandomPrefixSize]byte
	Flags        byte
	TotalParts   uint32
	TransferSize uint32

	hashmap  [][MapHashSize]byte // known-so-far; zero value means unknown
	known    []bool
	parts    [][]byte
	received uint32

	hashmapExhausted bool
	lastMapHash      [MapHashSize]byte
	lastSegment      uint16

	retryCount   int
	lastProgress time.Time
	lastRequest  time.Time

	status Status

	lastPlain []byte // pre-decompression plaintext from the last successful Assemble, for BuildProof
}

// NewInbound allocates receiver-side state from an advertisement (spec.md
// §4.5 "Receiver. On advertisement: allocate sparse part and hashmap
// arrays").
func NewInbound(adv Advertisement, now time.Time) (*Inbound, error) {
	if adv.Flags&FlagSplit != 0 {
		return nil, ErrSplitAdvertisement
	}
	in := &Inbound{
		ResourceHash: adv.ResourceHash,
		Random:       adv.Random,
		Flags:        adv.Flags,
		TotalParts:   adv.Parts,
		TransferSize: adv.TransferSize,
		hashmap:      make([][MapHashSize]byte, adv.Parts),
		known:        make([]bool, adv.Parts),
		parts:        make([][]byte, adv.Parts),
		status:       Pending,
		lastProgress: now,
	}
	in.applySegment(int(adv.SegmentIndex-1)*len(adv.Hashmap), adv.Hashmap)
	return in, nil
}

// ApplyHashUpdate installs a later hashmap segment (spec.md §4.5).
func (in *Inbound) ApplyHashUpdate(u HashUpdate, segLen int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	start := int(u.SegmentIndex-1) * segLen
	in.applySegment(start, u.Hashmap)
}

func (in *Inbound) applySegment(start int, seg [][MapHashSize]byte) {
	for i, h := range seg {
		idx := start + i
		if idx < len(in.hashmap) && !in.known[idx] && h != ([MapHashSize]byte{}) {
			in.hashmap[idx] = h
			in.known[idx] = true
		}
	}
}

// BuildRequest walks the hashmap in order, queuing up to window outstanding
// part requests (spec.md §4.5 "Request construction").
func (in *Inbound) BuildRequest(window int) Request {
	in.mu.Lock()
	defer in.mu.Unlock()

	req := Request{ResourceHash: in.ResourceHash}
	for i := range in.hashmap {
		if len(req.Requested) >= window {
			return req
		}
		if !in.known[i] {
			req.HashmapExhausted = true
			if i > 0 {
				lmh := in.hashmap[i-1]
				req.LastMapHash = &lmh
			}
			return req
		}
		if in.parts[i] == nil {
			req.Requested = append(req.Requested, in.hashmap[i])
		}
	}
	return req
}

// MarkRequest records that a request was just sent, for retry bookkeeping.
func (in *Inbound) MarkRequest(now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.retryCount++
	in.lastRequest = now
}

// HandlePart stores a received ciphertext chunk if its map hash matches a
// known, still-empty slot (spec.md §4.5 "Receiver on part").
func (in *Inbound) HandlePart(data []byte, now time.Time) (complete bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	h := mapHash(data, in.Random)
	for i, known := range in.known {
		if known && in.hashmap[i] == h && in.parts[i] == nil {
			in.parts[i] = append([]byte(nil), data...)
			in.received++
			in.lastProgress = now
			in.status = Transferring
			break
		}
	}
	return in.received == in.TotalParts && in.TotalParts > 0
}

// Assemble reconstructs and verifies the completed transfer (spec.md §4.5
// "When all parts are received").
func (in *Inbound) Assemble(decrypt func([]byte) ([]byte, error)) (payload, metadata []byte, err error) {
	in.mu.Lock()
	parts := append([][]byte(nil), in.parts...)
	flags := in.Flags
	random := in.Random
	resourceHash := in.ResourceHash
	in.mu.Unlock()

	blob := make([]byte, 0, int(in.TransferSize))
	for _, p := range parts {
		if p == nil {
			return nil, nil, errors.New("resource: incomplete transfer")
		}
		blob = append(blob, p...)
	}

	plain := blob
	if flags&FlagEncrypted != 0 {
		plain, err = decrypt(blob)
		if err != nil {
			in.fail()
			return nil, nil, err
		}
	}
	if len(plain) < RandomPrefixSize {
		in.fail()
		return nil, nil, ErrIntegrity
	}
	plainRandom := plain[:RandomPrefixSize]
	inner := plain[RandomPrefixSize:]
	if !bytes.Equal(plainRandom, random[:]) {
		in.fail()
		return nil, nil, ErrIntegrity
	}

	if flags&FlagCompressed != 0 {
		inner, err = inflate(inner)
		if err != nil {
			in.fail()
			return nil, nil, err
		}
	}

	if flags&FlagMetadata != 0 {
		if len(inner) < 3 {
			in.fail()
			return nil, nil, ErrIntegrity
		}
		var szb [3]byte
		copy(szb[:], inner[:3])
		sz := uint24BE(szb)
		if uint32(len(inner)) < 3+sz {
			in.fail()
			return nil, nil, ErrIntegrity
		}
		metadata = append([]byte(nil), inner[3:3+sz]...)
		payload = append([]byte(nil), inner[3+sz:]...)
	} else {
		payload = append([]byte(nil), inner...)
	}

	computed := xcrypto.SHA256Concat(plain[RandomPrefixSize:], random[:])
	if computed != resourceHash {
		in.fail()
		return nil, nil, ErrIntegrity
	}

	in.mu.Lock()
	in.status = Complete
	in.lastPlain = append([]byte(nil), plain[RandomPrefixSize:]...)
	in.mu.Unlock()
	return payload, metadata, nil
}

// LastAssembledPlain returns the pre-decompression plaintext bytes hashed
// into the resource hash by the last successful Assemble, for building a
// completion proof (spec.md §4.5 "Receiver. ... emit proof").
func (in *Inbound) LastAssembledPlain() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastPlain
}

func (in *Inbound) fail() {
	in.mu.Lock()
	in.status = Failed
	in.mu.Unlock()
}

// BuildProof emits the completion proof to send to the sender.
func (in *Inbound) BuildProof(plainWithoutRandom []byte) Proof {
	var ph [32]byte
	ph = xcrypto.SHA256Concat(plainWithoutRandom, in.ResourceHash[:])
	return Proof{ResourceHash: in.ResourceHash, ProofHash: ph}
}

// Status returns the inbound transfer's current lifecycle phase.
func (in *Inbound) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Progress reports received parts/bytes for progress events.
func (in *Inbound) Progress() (parts, totalParts uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.received, in.TotalParts
}

// RetryDue reports whether a receiver-side retry is due (spec.md §4.5
// "Retry policy").
func (in *Inbound) RetryDue(now time.Time, interval time.Duration, limit int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.status == Complete || in.status == Failed || in.status == Cancelled {
		return false
	}
	if in.retryCount >= limit {
		return false
	}
	return now.Sub(in.lastProgress) >= interval && now.Sub(in.lastRequest) >= interval
}

// RetryExceeded reports whether the transfer has exhausted its retry
// budget and should be removed.
func (in *Inbound) RetryExceeded(limit int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.retryCount >= limit
}

// Cancel marks the transfer cancelled; advisory, no acknowledgement is sent
// (spec.md §4.5 "Cancellation ... is advisory; no acknowledgement").
func (in *Inbound) Cancel() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.status = Cancelled
}

// Manager coordinates outbound and inbound transfers and publishes events.
type Manager struct {
	mu       sync.Mutex
	outbound map[[32]byte]*Outbound
	inbound  map[[32]byte]*Inbound

	RetryInterval time.Duration
	RetryLimit    int

	subsMu sync.Mutex
	subs   []chan Event
}

// NewManager builds a resource manager with default retry policy.
func NewManager() *Manager {
	return &Manager{
		outbound:      make(map[[32]byte]*Outbound),
		inbound:       make(map[[32]byte]*Inbound),
		RetryInterval: DefaultRetryInterval,
		RetryLimit:    DefaultRetryLimit,
	}
}

// TrackOutbound registers a sender-side transfer.
func (m *Manager) TrackOutbound(o *Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbound[o.ResourceHash] = o
}

// TrackInbound registers a receiver-side transfer.
func (m *Manager) TrackInbound(in *Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound[in.ResourceHash] = in
}

// Outbound looks up a sender-side transfer by resource hash.
func (m *Manager) Outbound(hash [32]byte) (*Outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbound[hash]
	return o, ok
}

// Inbound looks up a receiver-side transfer by resource hash.
func (m *Manager) Inbound(hash [32]byte) (*Inbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inbound[hash]
	return in, ok
}

// CompleteInbound records completion and publishes the inbound-complete
// event, then stops tracking the transfer.
func (m *Manager) CompleteInbound(hash [32]byte, payload, metadata []byte) {
	m.mu.Lock()
	delete(m.inbound, hash)
	m.mu.Unlock()
	m.publish(Event{ResourceHash: hash, Kind: EventInboundComplete, Payload: payload, Metadata: metadata})
}

// CompleteOutbound publishes the outbound-complete event and stops
// tracking the transfer.
func (m *Manager) CompleteOutbound(hash [32]byte) {
	m.mu.Lock()
	delete(m.outbound, hash)
	m.mu.Unlock()
	m.publish(Event{ResourceHash: hash, Kind: EventOutboundComplete})
}

// PublishProgress emits a progress event for an in-flight transfer.
func (m *Manager) PublishProgress(hash [32]byte, receivedParts, totalParts uint32) {
	m.publish(Event{ResourceHash: hash, Kind: EventProgress, ReceivedPart: receivedParts, TotalParts: totalParts})
}

// RetryTick collects inbound transfers due for retry, marks them, and
// returns the requests the transport should send (spec.md §4.5 "On each
// periodic tick the manager collects due transfers").
func (m *Manager) RetryTick(now time.Time) []struct {
	Hash    [32]byte
	Request Request
} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []struct {
		Hash    [32]byte
		Request Request
	}
	for hash, in := range m.inbound {
		if in.RetryExceeded(m.RetryLimit) {
			delete(m.inbound, hash)
			continue
		}
		if in.RetryDue(now, m.RetryInterval, m.RetryLimit) {
			req := in.BuildRequest(Window)
			in.MarkRequest(now)
			due = append(due, struct {
				Hash    [32]byte
				Request Request
			}{Hash: hash, Request: req})
		}
	}
	return due
}

// Subscribe returns a channel of transfer events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	cancel := func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		for i, c := range m.subs {
			if c == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Manager) publish(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
