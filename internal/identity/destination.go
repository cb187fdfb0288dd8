// Package identity implements endpoint identities and destinations
// (spec.md §3): an identity is (x25519 static public key, ed25519 verifying
// key); a destination binds an identity to a name and direction/type.
package identity

import (
	"meshrund/internal/xcrypto"
)

// NameHashSize and AddressHashSize match spec.md §3.
const (
	NameHashSize    = 10
	AddressHashSize = 16
)

// NameHash computes the 10-byte prefix of SHA-256 over "app.aspect".
func NameHash(appName, aspect string) [NameHashSize]byte {
	full := xcrypto.SHA256([]byte(appName + "." + aspect))
	var out [NameHashSize]byte
	copy(out[:], full[:NameHashSize])
	return out
}

// AddressHash computes the 16-byte prefix of SHA-256 over
// name_hash‖identity_public_bytes (spec.md §3).
func AddressHash(identityPublic [32]byte, nameHash [NameHashSize]byte) [AddressHashSize]byte {
	full := xcrypto.SHA256Concat(nameHash[:], identityPublic[:])
	var out [AddressHashSize]byte
	copy(out[:], full[:AddressHashSize])
	return out
}

// Direction is whether a destination is bound for inbound receipt or
// outbound transmission.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// Type is the destination's routing semantics.
type Type int

const (
	TypeSingle Type = iota
	TypePlain
	TypeGroup
)

// Destination binds an identity to a name and carries the computed address
// hash. Single-input destinations additionally carry ratchet state, owned
// by the ratchet package and attached externally (spec.md §9: "Destination
// owns ratchet state exclusively").
type Destination struct {
	Identity  xcrypto.Identity
	AppName   string
	Aspect    string
	Hash      [AddressHashSize]byte
	Direction Direction
	Type      Type
}

// New builds a destination for an identity, computing its address hash.
func New(id xcrypto.Identity, appName, aspect string, dir Direction, typ Type) Destination {
	nh := NameHash(appName, aspect)
	return Destination{
		Identity:  id,
		AppName:   appName,
		Aspect:    aspect,
		Hash:      AddressHash(id.Public, nh),
		Direction: dir,
		Type:      typ,
	}
}

// NameHash recomputes this destination's name hash (used by announce
// validation to recheck the address hash invariant).
func (d Destination) NameHash() [NameHashSize]byte {
	return NameHash(d.AppName, d.Aspect)
}
