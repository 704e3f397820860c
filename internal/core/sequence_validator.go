package core

import (
	"errors"
	"fmt"
)

var (
	ErrStaleSequence = errors.New("core: source sequence already applied")
	ErrSequenceGap   = errors.New("core: source sequence gap")
)

// SequenceValidator enforces per-partition ordering of source sequences.
// Operations are strict: each partition must arrive exactly in order, so a
// gap halts the partition rather than silently reordering balances. Price
// partitions are gap-tolerant: the oracle samples a stream and dropped
// quotes are harmless, so only stale sequences are rejected.
type SequenceValidator struct {
	expected map[string]int64 // partition -> next expected (strict)
	lastSeen map[string]int64 // partition -> highest applied (tolerant)
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expected: make(map[string]int64),
		lastSeen: make(map[string]int64),
	}
}

// ValidateOperation checks a strict partition and advances it on success.
// The first sequence seen for a partition sets its baseline.
func (v *SequenceValidator) ValidateOperation(partition string, seq int64) error {
	want, ok := v.expected[partition]
	if !ok {
		v.expected[partition] = seq + 1
		return nil
	}
	switch {
	case seq < want:
		return fmt.Errorf("%w: partition %s seq %d, expected %d", ErrStaleSequence, partition, seq, want)
	case seq > want:
		return fmt.Errorf("%w: partition %s seq %d, expected %d", ErrSequenceGap, partition, seq, want)
	}
	v.expected[partition] = seq + 1
	return nil
}

// ValidatePrice checks a gap-tolerant partition and advances it on success.
func (v *SequenceValidator) ValidatePrice(partition string, seq int64) error {
	if last, ok := v.lastSeen[partition]; ok && seq <= last {
		return fmt.Errorf("%w: partition %s seq %d, last %d", ErrStaleSequence, partition, seq, last)
	}
	v.lastSeen[partition] = seq
	return nil
}

// Snapshot exports both partition maps for persistence. Strict partitions
// are prefixed "op:", tolerant ones "price:"; the partitions themselves
// never contain a bare prefix collision because callers namespace them.
func (v *SequenceValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(v.expected)+len(v.lastSeen))
	for p, s := range v.expected {
		out["op:"+p] = s
	}
	for p, s := range v.lastSeen {
		out["price:"+p] = s
	}
	return out
}

// Restore replaces the validator state from a Snapshot export.
func (v *SequenceValidator) Restore(state map[string]int64) {
	v.expected = make(map[string]int64)
	v.lastSeen = make(map[string]int64)
	for p, s := range state {
		switch {
		case len(p) > 3 && p[:3] == "op:":
			v.expected[p[3:]] = s
		case len(p) > 6 && p[:6] == "price:":
			v.lastSeen[p[6:]] = s
		}
	}
}
