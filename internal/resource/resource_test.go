package resource_test

import (
	"bytes"
	"testing"
	"time"

	"meshrund/internal/resource"
)

const testMDU = 32

// driveTransfer runs a full sender/receiver round trip with no link
// encryption and returns the assembled payload/metadata plus whether the
// sender accepted the receiver's proof.
func driveTransfer(t *testing.T, payload, metadata []byte, compress bool) (gotPayload, gotMetadata []byte, proofOK bool) {
	t.Helper()

	ob, adv, err := resource.BuildOutbound(payload, metadata, compress, nil, testMDU)
	if err != nil {
		t.Fatalf("build outbound: %v", err)
	}

	now := time.Unix(1700000000, 0)
	in, err := resource.NewInbound(*adv, now)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}

	segLen := resource.HashmapMaxLen(testMDU + resource.AdvertisementOverhead)
	for {
		req := in.BuildRequest(resource.Window)
		if len(req.Requested) == 0 && !req.HashmapExhausted {
			break
		}
		in.MarkRequest(now)
		replies, update := ob.HandleRequest(req, segLen)
		if update != nil {
			in.ApplyHashUpdate(*update, segLen)
		}
		complete := false
		for _, r := range replies {
			complete = in.HandlePart(r.Data, now)
		}
		if complete {
			break
		}
		if len(replies) == 0 && update == nil {
			break
		}
	}

	gotPayload, gotMetadata, err = in.Assemble(nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	proof := in.BuildProof(in.LastAssembledPlain())
	proofOK = ob.HandleProof(proof)
	return gotPayload, gotMetadata, proofOK
}

func TestFullTransferRoundTripUncompressed(t *testing.T) {
	payload := []byte("this is the payload carried across several resource parts")
	metadata := []byte("meta")

	gotPayload, gotMetadata, proofOK := driveTransfer(t, payload, metadata, false)
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", gotPayload, payload)
	}
	if !bytes.Equal(gotMetadata, metadata) {
		t.Fatalf("metadata mismatch: got %q want %q", gotMetadata, metadata)
	}
	if !proofOK {
		t.Fatalf("expected sender to accept receiver's completion proof")
	}
}

func TestFullTransferRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible-compressible-compressible "), 10)
	gotPayload, gotMetadata, proofOK := driveTransfer(t, payload, nil, true)
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch after compressed round trip")
	}
	if gotMetadata != nil {
		t.Fatalf("expected nil metadata, got %q", gotMetadata)
	}
	if !proofOK {
		t.Fatalf("expected sender to accept receiver's completion proof")
	}
}

func TestNewInboundRejectsSplitAdvertisement(t *testing.T) {
	adv := resource.Advertisement{Flags: resource.FlagSplit}
	_, err := resource.NewInbound(adv, time.Unix(1700000000, 0))
	if err != resource.ErrSplitAdvertisement {
		t.Fatalf("expected ErrSplitAdvertisement, got %v", err)
	}
}

func TestAssembleFailsIntegrityOnTamperedPart(t *testing.T) {
	payload := []byte("0123456789abcdef0123456789abcdef0123456789")
	ob, adv, err := resource.BuildOutbound(payload, nil, false, nil, testMDU)
	if err != nil {
		t.Fatalf("build outbound: %v", err)
	}
	now := time.Unix(1700000000, 0)
	in, err := resource.NewInbound(*adv, now)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}

	segLen := resource.HashmapMaxLen(testMDU + resource.AdvertisementOverhead)
	req := in.BuildRequest(resource.Window)
	replies, _ := ob.HandleRequest(req, segLen)
	if len(replies) < 2 {
		t.Fatalf("expected at least two replies for this payload/MDU combination")
	}
	tampered := append([]byte(nil), replies[0].Data...)
	tampered[0] ^= 0xFF

	// A tampered chunk no longer matches any known map hash, so it is
	// silently dropped rather than accepted into a part slot.
	in.HandlePart(tampered, now)
	for _, r := range replies[1:] {
		in.HandlePart(r.Data, now)
	}
	if _, _, err := in.Assemble(nil); err == nil {
		t.Fatalf("expected Assemble to fail on an incomplete transfer")
	}
}

func TestHandmapMaxLen(t *testing.T) {
	if got := resource.HashmapMaxLen(resource.AdvertisementOverhead + 16); got != 4 {
		t.Fatalf("got %d want 4", got)
	}
	if got := resource.HashmapMaxLen(resource.AdvertisementOverhead - 1); got != 0 {
		t.Fatalf("expected zero when budget underflows MapHashSize, got %d", got)
	}
}

func TestWireEncodeDecodeRoundTrip(t *testing.T) {
	adv := resource.Advertisement{
		TransferSize: 10, DataSize: 8, Parts: 1,
		ResourceHash: [32]byte{1}, Random: [resource.RandomPrefixSize]byte{2},
		OriginalHash: [32]byte{3}, SegmentIndex: 1, TotalSegments: 1, Flags: resource.FlagMetadata,
		Hashmap: [][resource.MapHashSize]byte{{4, 5, 6, 7}},
	}
	encAdv, err := resource.EncodeAdvertisement(adv)
	if err != nil {
		t.Fatalf("encode advertisement: %v", err)
	}
	kind, decoded, err := resource.DecodeControl(encAdv)
	if err != nil {
		t.Fatalf("decode advertisement: %v", err)
	}
	if kind != resource.ControlAdvertisement {
		t.Fatalf("got kind %v want ControlAdvertisement", kind)
	}
	gotAdv, ok := decoded.(resource.Advertisement)
	if !ok {
		t.Fatalf("expected decoded value to be an Advertisement, got %T", decoded)
	}
	if gotAdv.ResourceHash != adv.ResourceHash || gotAdv.Flags != adv.Flags || len(gotAdv.Hashmap) != 1 {
		t.Fatalf("advertisement round trip mismatch: got %+v", gotAdv)
	}

	hu := resource.HashUpdate{ResourceHash: [32]byte{9}, SegmentIndex: 2, Hashmap: [][resource.MapHashSize]byte{{1, 2, 3, 4}}}
	encHU, err := resource.EncodeHashUpdate(hu)
	if err != nil {
		t.Fatalf("encode hash update: %v", err)
	}
	kind, decoded, err = resource.DecodeControl(encHU)
	if err != nil {
		t.Fatalf("decode hash update: %v", err)
	}
	if kind != resource.ControlHashUpdate {
		t.Fatalf("got kind %v want ControlHashUpdate", kind)
	}
	gotHU := decoded.(resource.HashUpdate)
	if gotHU.ResourceHash != hu.ResourceHash || gotHU.SegmentIndex != hu.SegmentIndex {
		t.Fatalf("hash update round trip mismatch: got %+v", gotHU)
	}

	lmh := [resource.MapHashSize]byte{8, 8, 8, 8}
	req := resource.Request{ResourceHash: [32]byte{2}, HashmapExhausted: true, LastMapHash: &lmh, Requested: [][resource.MapHashSize]byte{{1, 1, 1, 1}}}
	encReq, err := resource.EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	kind, decoded, err = resource.DecodeControl(encReq)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if kind != resource.ControlRequest {
		t.Fatalf("got kind %v want ControlRequest", kind)
	}
	gotReq := decoded.(resource.Request)
	if gotReq.ResourceHash != req.ResourceHash || !gotReq.HashmapExhausted || gotReq.LastMapHash == nil || *gotReq.LastMapHash != lmh {
		t.Fatalf("request round trip mismatch: got %+v", gotReq)
	}

	part := resource.PartReply{ResourceHash: [32]byte{3}, MapHash: [resource.MapHashSize]byte{1, 2, 3, 4}, Data: []byte("chunk")}
	encPart, err := resource.EncodePartReply(part)
	if err != nil {
		t.Fatalf("encode part: %v", err)
	}
	kind, decoded, err = resource.DecodeControl(encPart)
	if err != nil {
		t.Fatalf("decode part: %v", err)
	}
	if kind != resource.ControlPart {
		t.Fatalf("got kind %v want ControlPart", kind)
	}
	gotPart := decoded.(resource.PartReply)
	if gotPart.ResourceHash != part.ResourceHash || !bytes.Equal(gotPart.Data, part.Data) {
		t.Fatalf("part round trip mismatch: got %+v", gotPart)
	}

	proof := resource.Proof{ResourceHash: [32]byte{4}, ProofHash: [32]byte{5}}
	encProof, err := resource.EncodeProof(proof)
	if err != nil {
		t.Fatalf("encode proof: %v", err)
	}
	kind, decoded, err = resource.DecodeControl(encProof)
	if err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if kind != resource.ControlProof {
		t.Fatalf("got kind %v want ControlProof", kind)
	}
	gotProof := decoded.(resource.Proof)
	if gotProof != proof {
		t.Fatalf("proof round trip mismatch: got %+v want %+v", gotProof, proof)
	}
}

func TestDecodeControlRejectsEmptyPayload(t *testing.T) {
	if _, _, err := resource.DecodeControl(nil); err != resource.ErrIntegrity {
		t.Fatalf("expected ErrIntegrity on empty payload, got %v", err)
	}
}

func TestManagerRetryTickRespectsIntervalAndLimit(t *testing.T) {
	m := resource.NewManager()
	m.RetryInterval = time.Second
	m.RetryLimit = 2

	adv := resource.Advertisement{Parts: 2, ResourceHash: [32]byte{7}}
	now := time.Unix(1700000000, 0)
	in, err := resource.NewInbound(adv, now)
	if err != nil {
		t.Fatalf("new inbound: %v", err)
	}
	m.TrackInbound(in)

	if due := m.RetryTick(now); len(due) != 0 {
		t.Fatalf("expected no retry due immediately, got %+v", due)
	}

	later := now.Add(2 * time.Second)
	due := m.RetryTick(later)
	if len(due) != 1 || due[0].Hash != adv.ResourceHash {
		t.Fatalf("expected one due retry for the tracked transfer, got %+v", due)
	}

	evenLater := later.Add(2 * time.Second)
	due = m.RetryTick(evenLater)
	if len(due) != 1 {
		t.Fatalf("expected a second retry still within the limit, got %+v", due)
	}

	pastLimit := evenLater.Add(2 * time.Second)
	due = m.RetryTick(pastLimit)
	if len(due) != 0 {
		t.Fatalf("expected retry budget exhausted to drop the transfer, got %+v", due)
	}
	if _, ok := m.Inbound(adv.ResourceHash); ok {
		t.Fatalf("expected manager to stop tracking a retry-exhausted inbound transfer")
	}
}

func TestManagerCompleteInboundPublishesEvent(t *testing.T) {
	m := resource.NewManager()
	events, cancel := m.Subscribe()
	defer cancel()

	hash := [32]byte{1}
	m.CompleteInbound(hash, []byte("payload"), nil)

	select {
	case ev := <-events:
		if ev.Kind != resource.EventInboundComplete || ev.ResourceHash != hash {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatalf("expected CompleteInbound to publish synchronously")
	}

	if _, ok := m.Inbound(hash); ok {
		t.Fatalf("expected CompleteInbound to stop tracking the transfer")
	}
}
