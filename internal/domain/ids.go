// Package domain holds the SDK domain state snapshot: topics,
// subscriptions, telemetry, attachments, markers, identities, pending
// remote commands, and voice sessions (spec.md §3/§4.8 domain methods).
package domain

import (
	"github.com/google/uuid"
)

// NewID builds a deterministic-shape "<prefix>-<hex16>" id from 16 hex
// characters of fresh randomness (spec.md §3 SDK domain snapshot id
// scheme), seeded via google/uuid since the spec does not mandate a
// different randomness source.
func NewID(prefix string) string {
	u := uuid.New()
	hex := u.String()
	// strip hyphens, take the first 16 hex characters.
	compact := make([]byte, 0, 32)
	for _, c := range []byte(hex) {
		if c != '-' {
			compact = append(compact, c)
		}
	}
	return prefix + "-" + string(compact[:16])
}
