package buffer

import (
	"sync"
	"sync/atomic"
)

// FrameState is the lifecycle state of a frame:
// EVICTED -> LOADING -> RESIDENT <-> MARKED_FOR_EVICTION ->
// LOCKED_EXCLUSIVE -> EVICTED (or back to RESIDENT when the page is
// demoted to NUMA instead), EVICTED -> RESIDENT directly for a freshly
// allocated page, and RESIDENT <-> LOCKED_EXCLUSIVE for flush, promotion
// and deallocation.
type FrameState uint8

const (
	StateEvicted FrameState = iota
	StateLoading
	StateResident
	StateMarkedForEviction
	StateLockedExclusive
)

func (s FrameState) String() string {
	switch s {
	case StateEvicted:
		return "EVICTED"
	case StateLoading:
		return "LOADING"
	case StateResident:
		return "RESIDENT"
	case StateMarkedForEviction:
		return "MARKED_FOR_EVICTION"
	case StateLockedExclusive:
		return "LOCKED_EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// stateBits/versionBits split the packed state_and_version word the way
// the frame state machine wants it: a small state tag plus a monotonic
// version counter bumped on every transition, used by the eviction queue
// to detect that a candidate has gone stale.
const (
	stateBits    = 8
	versionShift = stateBits
)

func packStateVersion(state FrameState, version uint64) uint64 {
	return uint64(state) | version<<versionShift
}

func unpackStateVersion(sv uint64) (FrameState, uint64) {
	return FrameState(sv & (1<<stateBits - 1)), sv >> versionShift
}

// Tier identifies which volatile region currently backs a resident frame.
type Tier uint8

const (
	TierNone Tier = iota
	TierDRAM
	TierNUMA
)

// Frame is the per-page control block: a fixed-size header, independent
// of page content, that carries the state machine,
// pin count, dirty flag and a pointer into whichever volatile region
// currently holds the page's bytes.
type Frame struct {
	pageID PageID

	// stateAndVersion packs FrameState and a monotonic version into one
	// word so callers can validate eviction candidates with a single CAS.
	stateAndVersion atomic.Uint64

	pinCount atomic.Int32
	dirty    atomic.Bool
	tier     atomic.Uint32

	// retired marks a frame whose eviction removed it from the page
	// table for good. A goroutine that cached this frame before the
	// erase must go back to the table for a fresh one instead of trying
	// to drive this one out of EVICTED again.
	retired atomic.Bool

	// data is the byte slice carved out of a volatile region's slab for
	// this frame. Valid only while the frame is RESIDENT, MARKED_FOR_EVICTION
	// or LOCKED_EXCLUSIVE.
	data []byte

	// slotIndex is data's slot index within its owning tier's
	// VolatileRegion, needed to return the slot to the free list on
	// eviction or demotion.
	slotIndex int

	// latch guards concurrent readers/writers of data's contents,
	// distinct from the state machine which guards frame lifecycle.
	latch sync.RWMutex
}

func newFrame(id PageID) *Frame {
	f := &Frame{pageID: id}
	f.stateAndVersion.Store(packStateVersion(StateEvicted, 0))
	return f
}

func (f *Frame) PageID() PageID { return f.pageID }

func (f *Frame) State() FrameState {
	s, _ := unpackStateVersion(f.stateAndVersion.Load())
	return s
}

func (f *Frame) Version() uint64 {
	_, v := unpackStateVersion(f.stateAndVersion.Load())
	return v
}

func (f *Frame) Tier() Tier { return Tier(f.tier.Load()) }

func (f *Frame) Data() []byte { return f.data }

func (f *Frame) IsDirty() bool { return f.dirty.Load() }

func (f *Frame) SetDirty(dirty bool) { f.dirty.Store(dirty) }

func (f *Frame) PinCount() int32 { return f.pinCount.Load() }

func (f *Frame) Pin() int32 { return f.pinCount.Add(1) }

// Unpin decrements the pin count and reports whether it reached zero,
// the signal the buffer manager uses to enqueue the frame as an eviction
// candidate.
func (f *Frame) Unpin() (reachedZero bool) {
	return f.pinCount.Add(-1) == 0
}

func (f *Frame) RLock() { f.latch.RLock() }

func (f *Frame) RUnlock() { f.latch.RUnlock() }

func (f *Frame) Lock() { f.latch.Lock() }

func (f *Frame) Unlock() { f.latch.Unlock() }

// tryTransition attempts to move the frame from `from` to `to`, bumping
// the version. It fails without side effects if the frame is not
// currently in `from`, or if a concurrent writer raced it; callers loop
// with a backoff on failure when the race is expected to be transient.
func (f *Frame) tryTransition(from, to FrameState) bool {
	old := f.stateAndVersion.Load()
	state, version := unpackStateVersion(old)
	if state != from {
		return false
	}
	next := packStateVersion(to, version+1)
	return f.stateAndVersion.CompareAndSwap(old, next)
}

// tryTransitionVersioned is like tryTransition but additionally requires
// the frame's current version to match expectVersion, the check the
// eviction queue performs before acting on a candidate: a popped hint
// whose version no longer matches is stale and skipped.
func (f *Frame) tryTransitionVersioned(from, to FrameState, expectVersion uint64) bool {
	old := f.stateAndVersion.Load()
	state, version := unpackStateVersion(old)
	if state != from || version != expectVersion {
		return false
	}
	next := packStateVersion(to, version+1)
	return f.stateAndVersion.CompareAndSwap(old, next)
}

// setResident installs data from a volatile region slot and transitions
// the frame from `from` (LOADING for a read-through, EVICTED for a
// freshly allocated page) straight to RESIDENT in one step, used by both
// read-through and fresh allocation.
func (f *Frame) setResident(from FrameState, data []byte, slotIndex int, tier Tier) bool {
	if !f.tryTransition(from, StateResident) {
		return false
	}
	f.data = data
	f.slotIndex = slotIndex
	f.tier.Store(uint32(tier))
	return true
}

// retier reassigns data/slotIndex/tier without touching the state
// machine, used when a resident page migrates between DRAM and NUMA
// without ever leaving RESIDENT.
func (f *Frame) retier(data []byte, slotIndex int, tier Tier) {
	f.data = data
	f.slotIndex = slotIndex
	f.tier.Store(uint32(tier))
}

func (f *Frame) SlotIndex() int { return f.slotIndex }

func (f *Frame) retire() { f.retired.Store(true) }

func (f *Frame) isRetired() bool { return f.retired.Load() }

func (f *Frame) clearResident() {
	f.data = nil
	f.slotIndex = -1
	f.tier.Store(uint32(TierNone))
}
