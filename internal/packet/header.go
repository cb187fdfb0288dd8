// Package packet implements the fixed-layout wire codec, bounded payload
// buffer, and loop-suppression cache described in spec.md §4.1/§6.
package packet

import (
	"errors"
)

// HeaderType distinguishes single-hop from transport-carrying packets.
type HeaderType byte

const (
	HeaderTypeType1 HeaderType = 0 // single-hop
	HeaderTypeType2 HeaderType = 1 // carries a transport id hint
)

// PacketType is the packet_type field of the header.
type PacketType byte

const (
	PacketTypeData      PacketType = 0x00
	PacketTypeAnnounce  PacketType = 0x01
	PacketTypeLinkReq   PacketType = 0x02
	PacketTypeProof     PacketType = 0x03
	PacketTypeResource  PacketType = 0x04 // hashmap/part exchange carrier
	PacketTypeKeepalive PacketType = 0x05
)

// DestinationType is the destination_type field of the header.
type DestinationType byte

const (
	DestinationSingle DestinationType = 0
	DestinationGroup  DestinationType = 1
	DestinationPlain  DestinationType = 2
	DestinationLink   DestinationType = 3
)

// ContextFlag toggles semantics that are otherwise ambiguous from the
// packet_type alone (e.g. "ratchet present" on an announce).
type ContextFlag byte

const (
	ContextNone ContextFlag = 0
	ContextSet  ContextFlag = 1
)

// PropagationType is carried for messages traveling via a propagation relay.
type PropagationType byte

const (
	PropagationBroadcast PropagationType = 0
	PropagationTransport PropagationType = 1
)

// Header is the 7-field packed header (spec.md §3/§6): ifac_flag,
// header_type, context_flag, propagation_type, destination_type,
// packet_type, hops.
type Header struct {
	IfacFlag        bool
	HeaderType      HeaderType
	ContextFlag     ContextFlag
	PropagationType PropagationType
	DestinationType DestinationType
	PacketType      PacketType
	Hops            byte
}

// Encode packs the header into its 2-byte wire form: one flag byte, one hops
// byte.
func (h Header) Encode() [2]byte {
	var b byte
	if h.IfacFlag {
		b |= 1 << 7
	}
	b |= (byte(h.HeaderType) & 0x1) << 6
	b |= (byte(h.ContextFlag) & 0x1) << 5
	b |= (byte(h.PropagationType) & 0x1) << 4
	b |= (byte(h.DestinationType) & 0x3) << 2
	b |= byte(h.PacketType) & 0x3
	return [2]byte{b, h.Hops}
}

// DecodeHeader unpacks the 2-byte wire form produced by Encode.
func DecodeHeader(b [2]byte) Header {
	flags := b[0]
	return Header{
		IfacFlag:        flags&(1<<7) != 0,
		HeaderType:      HeaderType((flags >> 6) & 0x1),
		ContextFlag:     ContextFlag((flags >> 5) & 0x1),
		PropagationType: PropagationType((flags >> 4) & 0x1),
		DestinationType: DestinationType((flags >> 2) & 0x3),
		PacketType:      PacketType(flags & 0x3),
		Hops:            b[1],
	}
}

// ErrPayloadTooLarge is returned when a write would overflow the bounded
// payload buffer.
var ErrPayloadTooLarge = errors.New("packet: payload exceeds MDU")

// ErrShortPacket is returned when decoding a buffer too short to contain a
// header and destination.
var ErrShortPacket = errors.New("packet: buffer too short")

const (
	// DestinationSize is the fixed width of the destination address hash.
	DestinationSize = 16
	// TransportHintSize is the width of the optional transport hint.
	TransportHintSize = 16
	// FixedOverhead is the header + destination + context byte overhead
	// every packet pays regardless of payload.
	FixedOverhead = 2 + DestinationSize + 1
)

// MaxPayload derives the per-packet payload budget from the underlying
// medium's MTU, after subtracting the fixed header/destination/context
// overhead (spec.md §4.1 "MDU ... media MTU minus fixed overheads").
func MaxPayload(mduBytes int) int {
	budget := mduBytes - FixedOverhead
	if budget < 0 {
		return 0
	}
	return budget
}
