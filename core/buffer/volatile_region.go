package buffer

import "sync"

// VolatileRegion is a fixed-capacity DRAM (or NUMA-node-local) slab for a
// single size class: one contiguous allocation sliced into pageSize
// chunks, with a free-slot stack tracking which chunks are unused. There
// is one per size class per tier.
type VolatileRegion struct {
	sizeClass SizeClass
	pageSize  int
	capacity  int

	slab []byte

	mu     sync.Mutex
	free   []int    // stack of free slot indices
	owners []PageID // slot index -> resident page, InvalidPageID while free
	inUse  int
}

// NewVolatileRegion preallocates capacity slots of sizeClass's page size.
// Preallocating the whole slab up front, rather than growing it
// incrementally, keeps slot addresses stable for the lifetime of the
// region so BufferManagedPtr offsets never need to be rewritten.
func NewVolatileRegion(sizeClass SizeClass, capacity int) *VolatileRegion {
	pageSize := sizeClass.Bytes()
	vr := &VolatileRegion{
		sizeClass: sizeClass,
		pageSize:  pageSize,
		capacity:  capacity,
		// Aligned so that every pageSize-sized chunk within the slab is
		// itself PageAlignment-aligned, keeping slots eligible for
		// direct, unbuffered transfer to the SSD region.
		slab:   newAlignedBuffer(pageSize * capacity),
		free:   make([]int, capacity),
		owners: make([]PageID, capacity),
	}
	for i := 0; i < capacity; i++ {
		vr.free[i] = capacity - 1 - i
	}
	return vr
}

func (vr *VolatileRegion) SizeClass() SizeClass { return vr.sizeClass }

func (vr *VolatileRegion) Capacity() int { return vr.capacity }

func (vr *VolatileRegion) Bytes() int64 { return int64(len(vr.slab)) }

// Alloc reserves a free slot and returns its backing slice and index.
func (vr *VolatileRegion) Alloc() ([]byte, int, error) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	if len(vr.free) == 0 {
		return nil, -1, ErrRegionFull
	}
	idx := vr.free[len(vr.free)-1]
	vr.free = vr.free[:len(vr.free)-1]
	vr.inUse++
	start := idx * vr.pageSize
	return vr.slab[start : start+vr.pageSize : start+vr.pageSize], idx, nil
}

// Free returns slot idx to the free list. The caller must have already
// dissociated the frame from this slot.
func (vr *VolatileRegion) Free(idx int) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	vr.owners[idx] = InvalidPageID
	vr.free = append(vr.free, idx)
	vr.inUse--
}

// SetOwner records which page occupies slot idx, consulted by Unswizzle
// to turn a raw address back into a (PageID, offset) pair.
func (vr *VolatileRegion) SetOwner(idx int, id PageID) {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	vr.owners[idx] = id
}

// Owner returns the page occupying slot idx, or InvalidPageID if the
// slot is free.
func (vr *VolatileRegion) Owner(idx int) PageID {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.owners[idx]
}

// InUse reports the number of currently-allocated slots.
func (vr *VolatileRegion) InUse() int {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.inUse
}

// SlotFor returns the slot byte range for idx without taking the
// free-list lock.
func (vr *VolatileRegion) SlotFor(idx int) []byte {
	start := idx * vr.pageSize
	return vr.slab[start : start+vr.pageSize : start+vr.pageSize]
}

// Contains reports whether addr lies within this region's backing slab,
// the first step of pointer unswizzling.
func (vr *VolatileRegion) Contains(addr uintptr) bool {
	if len(vr.slab) == 0 {
		return false
	}
	base := sliceAddr(vr.slab)
	return addr >= base && addr < base+uintptr(len(vr.slab))
}

// SlotIndexFor returns the slot index owning addr, assuming Contains(addr)
// already returned true.
func (vr *VolatileRegion) SlotIndexFor(addr uintptr) (idx int, offset uintptr) {
	base := sliceAddr(vr.slab)
	rel := addr - base
	idx = int(rel) / vr.pageSize
	offset = rel % uintptr(vr.pageSize)
	return idx, offset
}
