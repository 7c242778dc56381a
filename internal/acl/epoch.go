package acl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Direction indices used throughout the binding tables.
const (
	dirInput  = 0
	dirOutput = 1
)

func dirIndex(isInput bool) int {
	if isInput {
		return dirInput
	}
	return dirOutput
}

// lcUnbound marks an interface/direction with no lookup context.
const lcUnbound = int32(-1)

// ErrIfIndexRange indicates an interface index beyond the configured
// table size.
var ErrIfIndexRange = errors.New("interface index out of range")

// -------------------------------------------------------------------------
// Binding — per-interface lookup contexts and policy epochs
// -------------------------------------------------------------------------

// Binding holds the per-(interface, direction) control-plane state the
// hot path reads on every packet: the bound lookup context and the
// policy epoch. Both tables are fixed-size arrays of atomics sized at
// init; the control plane stores with release semantics, workers load
// with acquire semantics. A stale read merely delays reclassification
// by one packet, so no locking is needed.
type Binding struct {
	// lcIndex[dir][ifIndex] holds the bound lookup context index, or
	// lcUnbound.
	lcIndex [2][]atomic.Int32

	// epoch[dir][ifIndex] holds the current PolicyEpoch in the low 16
	// bits. Input slots start at EpochIsInput, output slots at zero,
	// so the arc bit is correct even before the first bind.
	epoch [2][]atomic.Uint32

	// mu serializes control-plane writers; readers never take it.
	mu sync.Mutex
}

// NewBinding creates binding tables for interface indices
// [0, maxInterfaces).
func NewBinding(maxInterfaces int) *Binding {
	b := &Binding{}
	for d := range 2 {
		b.lcIndex[d] = make([]atomic.Int32, maxInterfaces)
		b.epoch[d] = make([]atomic.Uint32, maxInterfaces)
		for i := range maxInterfaces {
			b.lcIndex[d][i].Store(lcUnbound)
		}
	}
	for i := range maxInterfaces {
		b.epoch[dirInput][i].Store(uint32(EpochIsInput))
	}
	return b
}

// LookupContextFor returns the lookup context bound to the interface
// and direction, and whether one is bound. Out-of-range indices read
// as unbound.
func (b *Binding) LookupContextFor(ifIndex uint32, isInput bool) (uint32, bool) {
	d := dirIndex(isInput)
	if int(ifIndex) >= len(b.lcIndex[d]) {
		return 0, false
	}
	lc := b.lcIndex[d][ifIndex].Load()
	if lc == lcUnbound {
		return 0, false
	}
	return uint32(lc), true
}

// EpochFor returns the current policy epoch for the interface and
// direction. A never-bound or out-of-range interface reads the
// direction's default epoch: arc bit set for input, zero for output.
func (b *Binding) EpochFor(ifIndex uint32, isInput bool) PolicyEpoch {
	d := dirIndex(isInput)
	if int(ifIndex) >= len(b.epoch[d]) {
		if isInput {
			return EpochIsInput
		}
		return 0
	}
	return PolicyEpoch(b.epoch[d][ifIndex].Load())
}

// Bind attaches a lookup context to the interface/direction and
// advances the policy epoch, invalidating sessions created under
// earlier bindings once reclassification is enabled. The arc bit of
// the new epoch always reflects the direction; only the low 15 bits
// advance.
func (b *Binding) Bind(ifIndex uint32, isInput bool, lcIndex uint32) error {
	d := dirIndex(isInput)
	if int(ifIndex) >= len(b.lcIndex[d]) {
		return fmt.Errorf("bind interface %d: %w", ifIndex, ErrIfIndexRange)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lcIndex[d][ifIndex].Store(int32(lcIndex))
	b.bumpEpochLocked(ifIndex, isInput)
	return nil
}

// Unbind detaches the lookup context; packets on the arc deny by
// default afterwards. The epoch advances so cached sessions of the old
// policy die under reclassification.
func (b *Binding) Unbind(ifIndex uint32, isInput bool) error {
	d := dirIndex(isInput)
	if int(ifIndex) >= len(b.lcIndex[d]) {
		return fmt.Errorf("unbind interface %d: %w", ifIndex, ErrIfIndexRange)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lcIndex[d][ifIndex].Store(lcUnbound)
	b.bumpEpochLocked(ifIndex, isInput)
	return nil
}

// BumpEpoch advances the epoch without changing the binding. Exposed
// for policy changes that replace ACL contents in place.
func (b *Binding) BumpEpoch(ifIndex uint32, isInput bool) error {
	d := dirIndex(isInput)
	if int(ifIndex) >= len(b.epoch[d]) {
		return fmt.Errorf("bump epoch interface %d: %w", ifIndex, ErrIfIndexRange)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bumpEpochLocked(ifIndex, isInput)
	return nil
}

func (b *Binding) bumpEpochLocked(ifIndex uint32, isInput bool) {
	d := dirIndex(isInput)
	cur := PolicyEpoch(b.epoch[d][ifIndex].Load())
	next := (cur + 1) & ^EpochIsInput
	if isInput {
		next |= EpochIsInput
	}
	b.epoch[d][ifIndex].Store(uint32(next))
}

// MaxInterfaces returns the size of the binding tables.
func (b *Binding) MaxInterfaces() int { return len(b.lcIndex[dirInput]) }
