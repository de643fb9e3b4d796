// Package ids generates identifiers for queue operations and conflicts.
package ids

import "github.com/google/uuid"

// Generator produces unique identifiers.
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// UUIDv7 embeds a timestamp in the most significant bits, so identifiers sort
// by creation time in listings and logs.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Or returns g, or UUIDv7 when g is nil.
func Or(g Generator) Generator {
	if g == nil {
		return UUIDv7{}
	}
	return g
}
