package packet

import (
	"encoding/binary"

	"meshrund/internal/xcrypto"
)

// Packet is the wire unit transported over an interface (spec.md §3/§6).
type Packet struct {
	Header         Header
	Destination    [DestinationSize]byte
	TransportHint  *[TransportHintSize]byte
	Context        byte
	Payload        []byte
}

// Encode serializes a packet to its wire form.
func (p *Packet) Encode(maxPayload int) ([]byte, error) {
	if len(p.Payload) > maxPayload {
		return nil, ErrPayloadTooLarge
	}
	hdr := p.Header.Encode()
	size := 2 + DestinationSize + 1 + len(p.Payload)
	if p.Header.HeaderType == HeaderTypeType2 && p.TransportHint != nil {
		size += TransportHintSize
	}
	out := make([]byte, 0, size)
	out = append(out, hdr[:]...)
	out = append(out, p.Destination[:]...)
	if p.Header.HeaderType == HeaderTypeType2 && p.TransportHint != nil {
		out = append(out, p.TransportHint[:]...)
	}
	out = append(out, p.Context)
	out = append(out, p.Payload...)
	return out, nil
}

// Decode parses a packet from its wire form.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < 2+DestinationSize+1 {
		return nil, ErrShortPacket
	}
	var hb [2]byte
	copy(hb[:], buf[:2])
	hdr := DecodeHeader(hb)
	off := 2

	p := &Packet{Header: hdr}
	copy(p.Destination[:], buf[off:off+DestinationSize])
	off += DestinationSize

	if hdr.HeaderType == HeaderTypeType2 {
		if len(buf) < off+TransportHintSize+1 {
			return nil, ErrShortPacket
		}
		var hint [TransportHintSize]byte
		copy(hint[:], buf[off:off+TransportHintSize])
		p.TransportHint = &hint
		off += TransportHintSize
	}

	if len(buf) < off+1 {
		return nil, ErrShortPacket
	}
	p.Context = buf[off]
	off++
	p.Payload = append([]byte(nil), buf[off:]...)
	return p, nil
}

// Hash computes the packet hash (spec.md §3): SHA-256 over a canonical
// subset identifying semantics — the destination, the semantic header bits,
// and the payload. Hops and the ifac/transport-hint bits are excluded since
// they mutate per-hop without changing the packet's identity for loop
// suppression purposes.
func (p *Packet) Hash() [32]byte {
	semantic := byte(p.Header.ContextFlag)&0x1<<5 |
		byte(p.Header.PropagationType)&0x1<<4 |
		byte(p.Header.DestinationType)&0x3<<2 |
		byte(p.Header.PacketType)&0x3
	buf := make([]byte, 0, 1+DestinationSize+1+len(p.Payload))
	buf = append(buf, semantic)
	buf = append(buf, p.Destination[:]...)
	buf = append(buf, p.Context)
	buf = append(buf, p.Payload...)
	return xcrypto.SHA256(buf)
}

// PutUint24 encodes a 24-bit big-endian size prefix, used by the resource
// manager's metadata framing (spec.md §4.5: "metadata_size_be24").
func PutUint24(v uint32) [3]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	var out [3]byte
	copy(out[:], b[1:])
	return out
}

// Uint24 decodes a 24-bit big-endian size prefix.
func Uint24(b [3]byte) uint32 {
	full := [4]byte{0, b[0], b[1], b[2]}
	return binary.BigEndian.Uint32(full[:])
}
