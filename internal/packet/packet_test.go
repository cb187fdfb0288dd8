package packet_test

import (
	"bytes"
	"testing"

	"meshrund/internal/packet"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := packet.Header{
		IfacFlag:        true,
		HeaderType:      packet.HeaderTypeType1,
		ContextFlag:     packet.ContextSet,
		PropagationType: packet.PropagationTransport,
		DestinationType: packet.DestinationGroup,
		PacketType:      packet.PacketTypeAnnounce,
		Hops:            7,
	}
	got := packet.DecodeHeader(h.Encode())
	if got != h {
		t.Fatalf("header round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	var dest [packet.DestinationSize]byte
	copy(dest[:], []byte("0123456789abcdef"))

	p := &packet.Packet{
		Header: packet.Header{
			HeaderType:      packet.HeaderTypeType1,
			DestinationType: packet.DestinationSingle,
			PacketType:      packet.PacketTypeData,
		},
		Destination: dest,
		Context:     3,
		Payload:     []byte("hello"),
	}

	frame, err := p.Encode(1024)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := packet.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Destination != p.Destination {
		t.Fatalf("destination mismatch: got %x want %x", decoded.Destination, p.Destination)
	}
	if decoded.Context != p.Context {
		t.Fatalf("context mismatch: got %d want %d", decoded.Context, p.Context)
	}
	if !bytes.Equal(decoded.Payload, p.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded.Payload, p.Payload)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	p := &packet.Packet{Payload: []byte("too long for the budget")}
	if _, err := p.Encode(4); err != packet.ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := packet.Decode([]byte{0x00, 0x00}); err != packet.ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}

func TestHashStableAndSensitiveToPayload(t *testing.T) {
	base := &packet.Packet{
		Header:      packet.Header{PacketType: packet.PacketTypeData},
		Destination: [packet.DestinationSize]byte{1, 2, 3},
		Payload:     []byte("payload-a"),
	}
	again := &packet.Packet{
		Header:      base.Header,
		Destination: base.Destination,
		Payload:     append([]byte(nil), base.Payload...),
	}
	if base.Hash() != again.Hash() {
		t.Fatalf("expected identical packets to hash identically")
	}

	changed := &packet.Packet{
		Header:      base.Header,
		Destination: base.Destination,
		Payload:     []byte("payload-b"),
	}
	if base.Hash() == changed.Hash() {
		t.Fatalf("expected different payloads to hash differently")
	}
}

func TestHashIgnoresHops(t *testing.T) {
	a := &packet.Packet{Header: packet.Header{PacketType: packet.PacketTypeData, Hops: 1}, Payload: []byte("x")}
	b := &packet.Packet{Header: packet.Header{PacketType: packet.PacketTypeData, Hops: 9}, Payload: []byte("x")}
	if a.Hash() != b.Hash() {
		t.Fatalf("expected hops to be excluded from the packet hash")
	}
}

func TestMaxPayload(t *testing.T) {
	if got := packet.MaxPayload(500); got != 500-packet.FixedOverhead {
		t.Fatalf("got %d want %d", got, 500-packet.FixedOverhead)
	}
	if got := packet.MaxPayload(0); got != 0 {
		t.Fatalf("expected MaxPayload to floor at zero, got %d", got)
	}
}

func TestUint24RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 65535, 1 << 23} {
		got := packet.Uint24(packet.PutUint24(v))
		if got != v {
			t.Fatalf("uint24 round trip: got %d want %d", got, v)
		}
	}
}
