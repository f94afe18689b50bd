// Package session implements the thin session wrapper described in
// spec §4.5: one SubscriptionSet, one bounded FIFO of browse continuation
// points, and the identity/security fields upper layers read off a
// session without mutating the core.
package session

import (
	"github.com/nexus-edge/opcua-server/internal/addressspace"
)

// ContinuationPoint is one paused browse cursor: an opaque id handed to
// the client, the address-space cursor to resume from, and the
// address-space version at the time it was created.
type ContinuationPoint struct {
	ID      string
	Cursor  []byte
	Version addressspace.Version
}

// BrowseContinuationPoints is a bounded, oldest-evicting FIFO of
// ContinuationPoint entries keyed by opaque id.
type BrowseContinuationPoints struct {
	max     int
	entries []ContinuationPoint
}

// NewBrowseContinuationPoints returns an empty FIFO capped at max entries.
func NewBrowseContinuationPoints(max int) *BrowseContinuationPoints {
	return &BrowseContinuationPoints{max: max}
}

// Add appends cp, evicting the oldest entry first if the FIFO is full.
func (b *BrowseContinuationPoints) Add(cp ContinuationPoint) {
	for len(b.entries) >= b.max {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, cp)
}

// Find returns the entry with the given id, or false if it is absent or
// its snapshot version no longer matches the address space's current
// version (in which case it is also removed, per spec §4.4).
func (b *BrowseContinuationPoints) Find(id string, as addressspace.AddressSpace) (ContinuationPoint, bool) {
	for i, cp := range b.entries {
		if cp.ID != id {
			continue
		}
		if cp.Version != as.Version() {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return ContinuationPoint{}, false
		}
		return cp, true
	}
	return ContinuationPoint{}, false
}

// Remove deletes the entry with the given id, if present. Used both for
// ordinary cleanup and for the BrowseNext release_continuation_points
// semantics, where a client releases a cursor without consuming it.
func (b *BrowseContinuationPoints) Remove(id string) {
	for i, cp := range b.entries {
		if cp.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// RemoveMany deletes every entry whose id is in ids.
func (b *BrowseContinuationPoints) RemoveMany(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	kept := b.entries[:0]
	for _, cp := range b.entries {
		if _, drop := set[cp.ID]; !drop {
			kept = append(kept, cp)
		}
	}
	b.entries = kept
}

// SweepInvalid retains only entries whose snapshot version still matches
// the address space's current version. Intended to run whenever the
// address space reports a mutation.
func (b *BrowseContinuationPoints) SweepInvalid(as addressspace.AddressSpace) {
	current := as.Version()
	kept := b.entries[:0]
	for _, cp := range b.entries {
		if cp.Version == current {
			kept = append(kept, cp)
		}
	}
	b.entries = kept
}

// Len reports how many continuation points are currently held.
func (b *BrowseContinuationPoints) Len() int { return len(b.entries) }
