package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces opaque identifiers for locally created records.
type Generator interface {
	NewID() string
}

// UUID issues random v4 UUIDs.
type UUID struct{}

// NewID returns a fresh UUID string.
func (UUID) NewID() string {
	return uuid.NewString()
}

// Sequence issues prefix-1, prefix-2, ... and is meant for deterministic tests.
type Sequence struct {
	Prefix string
	n      atomic.Int64
}

// NewSequence returns a Sequence starting at 1.
func NewSequence(prefix string) *Sequence {
	return &Sequence{Prefix: prefix}
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}
