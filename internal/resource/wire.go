package resource

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ControlKind tags which of the five resource control shapes a Resource-
// context packet payload carries (spec.md §4.5): advertisement, hash
// update, request, part reply, or proof.
type ControlKind byte

const (
	ControlAdvertisement ControlKind = iota
	ControlHashUpdate
	ControlRequest
	ControlPart
	ControlProof
)

type wireAdvertisement struct {
	TransferSize  uint32          `msgpack:"transfer_size"`
	DataSize      uint32          `msgpack:"data_size"`
	Parts         uint32          `msgpack:"parts"`
	ResourceHash  []byte          `msgpack:"resource_hash"`
	Random        []byte          `msgpack:"random"`
	OriginalHash  []byte          `msgpack:"original_hash"`
	SegmentIndex  uint16          `msgpack:"segment_index"`
	TotalSegments uint16          `msgpack:"total_segments"`
	Flags         byte            `msgpack:"flags"`
	Hashmap       [][]byte        `msgpack:"hashmap"`
}

type wireHashUpdate struct {
	ResourceHash []byte   `msgpack:"resource_hash"`
	SegmentIndex uint16   `msgpack:"segment_index"`
	Hashmap      [][]byte `msgpack:"hashmap"`
}

type wireRequest struct {
	ResourceHash     []byte   `msgpack:"resource_hash"`
	HashmapExhausted bool     `msgpack:"hashmap_exhausted"`
	LastMapHash      []byte   `msgpack:"last_map_hash,omitempty"`
	Requested        [][]byte `msgpack:"requested"`
}

type wirePartReply struct {
	ResourceHash []byte `msgpack:"resource_hash"`
	MapHash      []byte `msgpack:"map_hash"`
	Data         []byte `msgpack:"data"`
}

type wireProof struct {
	ResourceHash []byte `msgpack:"resource_hash"`
	ProofHash    []byte `msgpack:"proof_hash"`
}

// EncodeAdvertisement serializes an advertisement for the Resource-context
// packet payload, prefixed with its control-kind tag byte.
func EncodeAdvertisement(a Advertisement) ([]byte, error) {
	hashmap := make([][]byte, len(a.Hashmap))
	for i, h := range a.Hashmap {
		hashmap[i] = append([]byte(nil), h[:]...)
	}
	body, err := msgpack.Marshal(wireAdvertisement{
		TransferSize: a.TransferSize, DataSize: a.DataSize, Parts: a.Parts,
		ResourceHash: a.ResourceHash[:], Random: a.Random[:], OriginalHash: a.OriginalHash[:],
		SegmentIndex: a.SegmentIndex, TotalSegments: a.TotalSegments, Flags: a.Flags, Hashmap: hashmap,
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ControlAdvertisement)}, body...), nil
}

// EncodeHashUpdate serializes a hash-update control message.
func EncodeHashUpdate(u HashUpdate) ([]byte, error) {
	hashmap := make([][]byte, len(u.Hashmap))
	for i, h := range u.Hashmap {
		hashmap[i] = append([]byte(nil), h[:]...)
	}
	body, err := msgpack.Marshal(wireHashUpdate{ResourceHash: u.ResourceHash[:], SegmentIndex: u.SegmentIndex, Hashmap: hashmap})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ControlHashUpdate)}, body...), nil
}

// EncodeRequest serializes a receiver request control message.
func EncodeRequest(r Request) ([]byte, error) {
	requested := make([][]byte, len(r.Requested))
	for i, h := range r.Requested {
		requested[i] = append([]byte(nil), h[:]...)
	}
	w := wireRequest{ResourceHash: r.ResourceHash[:], HashmapExhausted: r.HashmapExhausted, Requested: requested}
	if r.LastMapHash != nil {
		w.LastMapHash = append([]byte(nil), r.LastMapHash[:]...)
	}
	body, err := msgpack.Marshal(w)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ControlRequest)}, body...), nil
}

// EncodePartReply serializes one requested ciphertext chunk reply.
func EncodePartReply(p PartReply) ([]byte, error) {
	body, err := msgpack.Marshal(wirePartReply{ResourceHash: p.ResourceHash[:], MapHash: p.MapHash[:], Data: p.Data})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ControlPart)}, body...), nil
}

// EncodeProof serializes a completion proof.
func EncodeProof(p Proof) ([]byte, error) {
	body, err := msgpack.Marshal(wireProof{ResourceHash: p.ResourceHash[:], ProofHash: p.ProofHash[:]})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(ControlProof)}, body...), nil
}

// DecodeControl parses the control-kind tag byte and dispatches to the
// matching typed decoder. Callers type-switch on the returned value.
func DecodeControl(payload []byte) (ControlKind, any, error) {
	if len(payload) < 1 {
		return 0, nil, ErrIntegrity
	}
	kind := ControlKind(payload[0])
	body := payload[1:]
	switch kind {
	case ControlAdvertisement:
		var w wireAdvertisement
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return kind, nil, err
		}
		a := Advertisement{
			TransferSize: w.TransferSize, DataSize: w.DataSize, Parts: w.Parts,
			SegmentIndex: w.SegmentIndex, TotalSegments: w.TotalSegments, Flags: w.Flags,
		}
		copy(a.ResourceHash[:], w.ResourceHash)
		copy(a.Random[:], w.Random)
		copy(a.OriginalHash[:], w.OriginalHash)
		a.Hashmap = make([][MapHashSize]byte, len(w.Hashmap))
		for i, h := range w.Hashmap {
			copy(a.Hashmap[i][:], h)
		}
		return kind, a, nil
	case ControlHashUpdate:
		var w wireHashUpdate
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return kind, nil, err
		}
		u := HashUpdate{SegmentIndex: w.SegmentIndex}
		copy(u.ResourceHash[:], w.ResourceHash)
		u.Hashmap = make([][MapHashSize]byte, len(w.Hashmap))
		for i, h := range w.Hashmap {
			copy(u.Hashmap[i][:], h)
		}
		return kind, u, nil
	case ControlRequest:
		var w wireRequest
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return kind, nil, err
		}
		r := Request{HashmapExhausted: w.HashmapExhausted}
		copy(r.ResourceHash[:], w.ResourceHash)
		if w.LastMapHash != nil {
			var lmh [MapHashSize]byte
			copy(lmh[:], w.LastMapHash)
			r.LastMapHash = &lmh
		}
		r.Requested = make([][MapHashSize]byte, len(w.Requested))
		for i, h := range w.Requested {
			copy(r.Requested[i][:], h)
		}
		return kind, r, nil
	case ControlPart:
		var w wirePartReply
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return kind, nil, err
		}
		p := PartReply{Data: w.Data}
		copy(p.ResourceHash[:], w.ResourceHash)
		copy(p.MapHash[:], w.MapHash)
		return kind, p, nil
	case ControlProof:
		var w wireProof
		if err := msgpack.Unmarshal(body, &w); err != nil {
			return kind, nil, err
		}
		p := Proof{}
		copy(p.ResourceHash[:], w.ResourceHash)
		copy(p.ProofHash[:], w.ProofHash)
		return kind, p, nil
	default:
		return kind, nil, ErrIntegrity
	}
}
