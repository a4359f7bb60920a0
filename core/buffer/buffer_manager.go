// Package buffer implements the page-granular, multi-sized, tiered
// buffer pool manager: page identity, an SSD-backed region, one
// volatile region per size class per tier, a CAS-driven frame state
// machine, a sharded page table, a FIFO eviction queue validated by
// frame version, the BufferManager that orchestrates all of it, and the
// BufferManagedPtr value type callers address pages through.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the externally tunable knobs of a BufferManager, read
// once at construction.
type Config struct {
	DRAMBufferPoolSize        int64               `yaml:"dram_buffer_pool_size"`
	NUMABufferPoolSize        int64               `yaml:"numa_buffer_pool_size"`
	CPUNode                   int                 `yaml:"cpu_node"`
	EnableNUMA                bool                `yaml:"enable_numa"`
	MigrationPolicy           MigrationPolicyKind `yaml:"migration_policy"`
	SSDPath                   string              `yaml:"ssd_path"`
	EnableEvictionPurgeWorker bool                `yaml:"enable_eviction_purge_worker"`
	MigrationRateBytesPerSec  int64               `yaml:"migration_rate_bytes_per_sec"`
}

// perTierRegions bundles the per-size-class VolatileRegions that make up
// one tier (DRAM, or the NUMA secondary pool).
type perTierRegions [NumSizeClasses]*VolatileRegion

// openPageState is the bump allocator cursor for sub-page allocation:
// the most recently opened page for a size class, and how many bytes of
// it are already claimed.
type openPageState struct {
	id   PageID
	used int
}

// BufferManager is the component that ties frames, the page table,
// the eviction queue(s), the volatile regions and the SSD region
// together behind Pin/Unpin/Allocate.
type BufferManager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics

	ssd *SSDRegion

	dram perTierRegions
	numa perTierRegions // zero value (nil entries) when EnableNUMA is false

	pageTable     *PageTable
	dramEvictions *EvictionQueue
	numaEvictions *EvictionQueue

	migrator *Migrator

	allocMu   sync.Mutex
	openPages [NumSizeClasses]*openPageState
	// liveAllocs counts outstanding sub-page allocations per page, so
	// Deallocate can release a page once its last allocation is gone.
	liveAllocs map[PageID]int

	closed bool
	mu     sync.Mutex // guards closed
}

func NewBufferManager(cfg Config, logger *zap.Logger, meter metric.Meter) (*BufferManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ssd, err := NewSSDRegion(cfg.SSDPath, logger)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("buffer: constructing metrics: %w", err)
	}

	bm := &BufferManager{
		cfg:           cfg,
		logger:        logger.Named("buffer_manager"),
		metrics:       metrics,
		ssd:           ssd,
		pageTable:     NewPageTable(),
		dramEvictions: NewEvictionQueue(1<<16, logger),
		migrator:      NewMigrator(cfg.MigrationPolicy, cfg.MigrationRateBytesPerSec, logger),
		liveAllocs:    make(map[PageID]int),
	}

	for sc := SizeClass(0); sc < NumSizeClasses; sc++ {
		capacity := capacityFor(cfg.DRAMBufferPoolSize, sc)
		if capacity > 0 {
			bm.dram[sc] = NewVolatileRegion(sc, capacity)
		}
	}

	if cfg.EnableNUMA {
		bm.numaEvictions = NewEvictionQueue(1<<16, logger)
		for sc := SizeClass(0); sc < NumSizeClasses; sc++ {
			capacity := capacityFor(cfg.NUMABufferPoolSize, sc)
			if capacity > 0 {
				bm.numa[sc] = NewVolatileRegion(sc, capacity)
			}
		}
	}

	if cfg.EnableEvictionPurgeWorker {
		go bm.dramEvictions.PurgeLoop(bm.validateCandidate)
		if bm.numaEvictions != nil {
			go bm.numaEvictions.PurgeLoop(bm.validateCandidate)
		}
	}

	return bm, nil
}

// capacityFor distributes a tier's total byte budget evenly across size
// classes. A real deployment would tune this per workload; an even split
// keeps every class usable without requiring a priori knowledge of the
// page size distribution.
func capacityFor(totalBytes int64, sc SizeClass) int {
	if totalBytes <= 0 {
		return 0
	}
	perClass := totalBytes / int64(NumSizeClasses)
	n := perClass / int64(sc.Bytes())
	if n < 1 {
		return 1
	}
	return int(n)
}

func (bm *BufferManager) evictionQueueFor(tier Tier) *EvictionQueue {
	if tier == TierNUMA {
		return bm.numaEvictions
	}
	return bm.dramEvictions
}

func (bm *BufferManager) regionFor(tier Tier, sc SizeClass) *VolatileRegion {
	if tier == TierNUMA {
		return bm.numa[sc]
	}
	return bm.dram[sc]
}

// validateCandidate is the EvictionQueue's hook for checking whether a
// queued (page, version) hint is still a legitimate eviction target:
// resident, unpinned, at the version it was enqueued with.
func (bm *BufferManager) validateCandidate(id PageID, version uint64) bool {
	frame, ok := bm.pageTable.Find(id)
	if !ok {
		return false
	}
	state, v := frame.State(), frame.Version()
	return v == version && state == StateResident && frame.PinCount() == 0
}

// Pin resolves id to a resident, pinned Frame, performing a read-through
// from the SSD region if necessary. Read and write pins are unified;
// this package leaves MVCC/latching semantics to callers.
//
// The pin only commits once the frame is observed RESIDENT again after
// the pin count was bumped: an evictor that claimed the frame between
// our state snapshot and our increment would otherwise free the slot
// under us. A pin that lands on MARKED_FOR_EVICTION rescues the frame by
// transitioning it back to RESIDENT, which bumps the version and turns
// every queued eviction hint for it stale.
func (bm *BufferManager) Pin(id PageID) (*Frame, error) {
	if !id.Valid() {
		return nil, ErrInvalidPageID
	}
	start := time.Now()
	var bo backoff
	missed := false

restart:
	for {
		frame, _ := bm.pageTable.FindOrInsert(id)
		for {
			switch frame.State() {
			case StateResident:
				frame.Pin()
				switch frame.State() {
				case StateResident:
					// committed
				case StateMarkedForEviction:
					if !frame.tryTransition(StateMarkedForEviction, StateResident) {
						frame.pinCount.Add(-1)
						bo.spin()
						continue
					}
				default:
					// Lost to an evictor or exclusive writer; retry.
					frame.pinCount.Add(-1)
					bo.spin()
					continue
				}
				bm.maybePromote(frame)
				if missed {
					bm.metrics.recordMiss(context.Background(), time.Since(start).Seconds())
				} else {
					bm.metrics.recordHit(context.Background())
				}
				return frame, nil
			case StateMarkedForEviction:
				if !frame.tryTransition(StateMarkedForEviction, StateResident) {
					bo.spin()
				}
			case StateLoading, StateLockedExclusive:
				bo.spin()
			case StateEvicted:
				if frame.isRetired() {
					// The evictor removed this frame from the table; a
					// fresh one must be driven through LOADING instead.
					continue restart
				}
				if frame.tryTransition(StateEvicted, StateLoading) {
					missed = true
					if err := bm.loadInto(frame, id); err != nil {
						frame.retire()
						bm.pageTable.Erase(id)
						frame.tryTransition(StateLoading, StateEvicted)
						return nil, err
					}
					continue
				}
				bo.spin()
			}
		}
	}
}

// loadInto performs the actual SSD read-through for a frame that has
// just transitioned to LOADING, placing the result into the DRAM tier
// (unless DRAM is disabled by the migration policy, in which case it
// lands directly in NUMA).
func (bm *BufferManager) loadInto(frame *Frame, id PageID) error {
	sc := id.SizeClass()
	tier := TierDRAM
	if !bm.migrator.DRAMEnabled() {
		tier = TierNUMA
	}
	data, slotIdx, err := bm.ensureVolatileSlot(tier, sc)
	if err != nil {
		return err
	}
	if err := bm.ssd.ReadAt(sc, id.Index(), data); err != nil {
		// A failed read-through leaves the page without defined contents,
		// so it is fatal like a failed write-back.
		bm.logger.Fatal("read-through failed", zap.Stringer("page_id", id), zap.Error(err))
	}
	if !frame.setResident(StateLoading, data, slotIdx, tier) {
		bm.regionFor(tier, sc).Free(slotIdx)
		return fmt.Errorf("buffer: frame %s left LOADING unexpectedly", id)
	}
	bm.regionFor(tier, sc).SetOwner(slotIdx, id)
	bm.metrics.adjustResident(context.Background(), 1)
	return nil
}

// maybePromote copies a NUMA-resident frame up into DRAM when the
// migration policy decides this access warrants it. Only the sole pinner may relocate the bytes: any other
// outstanding pin already holds the old address. The frame is claimed
// LOCKED_EXCLUSIVE for the copy so no new reader resolves the page while
// its slot is being swapped.
func (bm *BufferManager) maybePromote(frame *Frame) {
	if frame.Tier() != TierNUMA || !bm.migrator.DRAMEnabled() {
		return
	}
	if !bm.migrator.shouldPromote(frame.PageID()) {
		return
	}
	if frame.PinCount() != 1 {
		return
	}
	sc := frame.PageID().SizeClass()
	data, slotIdx, err := bm.ensureVolatileSlot(TierDRAM, sc)
	if err != nil {
		bm.logger.Debug("promotion skipped, dram pool exhausted", zap.Stringer("page_id", frame.PageID()))
		return
	}
	if err := bm.migrator.throttle(context.Background(), sc.Bytes()); err != nil {
		bm.regionFor(TierDRAM, sc).Free(slotIdx)
		return
	}
	if !frame.tryTransition(StateResident, StateLockedExclusive) {
		bm.regionFor(TierDRAM, sc).Free(slotIdx)
		return
	}
	if frame.PinCount() != 1 {
		frame.tryTransition(StateLockedExclusive, StateResident)
		bm.regionFor(TierDRAM, sc).Free(slotIdx)
		return
	}
	oldSlot, oldTier := frame.SlotIndex(), frame.Tier()
	copy(data, frame.Data())
	frame.retier(data, slotIdx, TierDRAM)
	bm.regionFor(TierDRAM, sc).SetOwner(slotIdx, frame.PageID())
	bm.regionFor(oldTier, sc).Free(oldSlot)
	frame.tryTransition(StateLockedExclusive, StateResident)
	bm.migrator.forgetAccesses(frame.PageID())
}

// Unpin releases one reference to id, optionally marking it dirty, and
// enqueues it as an eviction candidate once the pin count reaches zero.
func (bm *BufferManager) Unpin(id PageID, dirty bool) error {
	frame, ok := bm.pageTable.Find(id)
	if !ok {
		return ErrFrameNotFound
	}
	assert(frame.PinCount() > 0, "unpin of a frame with no outstanding pin", id)
	if dirty {
		frame.SetDirty(true)
	}
	if frame.Unpin() {
		bm.evictionQueueFor(frame.Tier()).Push(id, frame.Version())
	}
	return nil
}

// GetPage pins id and returns its resident byte slice. The caller must
// call Unpin once done with the slice.
func (bm *BufferManager) GetPage(id PageID) ([]byte, error) {
	frame, err := bm.Pin(id)
	if err != nil {
		return nil, err
	}
	return frame.Data(), nil
}

// Allocate reserves size bytes at the default 8-byte alignment, packing
// small allocations into the most recently opened page of the fitting
// size class and opening a fresh page once that one fills up.
func (bm *BufferManager) Allocate(size int) (BufferManagedPtr[byte], error) {
	return bm.AllocateAligned(size, 8)
}

// AllocateAligned is Allocate with an explicit alignment. align must be
// a power of two no larger than the page size; it is honored relative
// to the page start, which itself sits at a PageAlignment boundary in
// the volatile region.
func (bm *BufferManager) AllocateAligned(size, align int) (BufferManagedPtr[byte], error) {
	if align <= 0 || align&(align-1) != 0 {
		return NilBufferManagedPtr[byte](), ErrBadAlignment
	}
	sc, err := FindFittingSizeClass(size)
	if err != nil {
		return NilBufferManagedPtr[byte](), err
	}
	if align > sc.Bytes() {
		return NilBufferManagedPtr[byte](), ErrBadAlignment
	}

	bm.allocMu.Lock()
	defer bm.allocMu.Unlock()

	st := bm.openPages[sc]
	if st != nil {
		if aligned := (st.used + align - 1) &^ (align - 1); aligned+size <= sc.Bytes() {
			st.used = aligned + size
			bm.liveAllocs[st.id]++
			return NewBufferManagedPtr[byte](st.id, uintptr(aligned)), nil
		}
	}
	id, err := bm.allocateNewPage(sc)
	if err != nil {
		return NilBufferManagedPtr[byte](), err
	}
	bm.openPages[sc] = &openPageState{id: id, used: size}
	bm.liveAllocs[id] = 1
	return NewBufferManagedPtr[byte](id, 0), nil
}

// Deallocate returns one Allocate-d byte range. Freed sub-page ranges
// are not reused, but once a page's last outstanding allocation is gone
// the whole page is released back to the pool and the SSD free list.
func (bm *BufferManager) Deallocate(ptr BufferManagedPtr[byte], size int) error {
	if ptr.IsNil() {
		return ErrInvalidPageID
	}
	id := ptr.PageID()

	bm.allocMu.Lock()
	n, ok := bm.liveAllocs[id]
	if !ok {
		bm.allocMu.Unlock()
		return ErrFrameNotFound
	}
	n--
	if n > 0 {
		bm.liveAllocs[id] = n
		bm.allocMu.Unlock()
		return nil
	}
	delete(bm.liveAllocs, id)
	bm.allocMu.Unlock()
	return bm.DeallocatePage(id)
}

// allocateNewPage reserves a fresh SSD slot and an initially-resident
// DRAM (or NUMA, under the numa_only migration policy) frame for it.
func (bm *BufferManager) allocateNewPage(sc SizeClass) (PageID, error) {
	idx, err := bm.ssd.Allocate(sc)
	if err != nil {
		return InvalidPageID, err
	}
	id := NewPageID(sc, idx)
	frame, existed := bm.pageTable.FindOrInsert(id)
	if existed {
		return InvalidPageID, ErrFrameExists
	}

	tier := TierDRAM
	if !bm.migrator.DRAMEnabled() {
		tier = TierNUMA
	}
	data, slotIdx, err := bm.ensureVolatileSlot(tier, sc)
	if err != nil {
		bm.pageTable.Erase(id)
		bm.ssd.Deallocate(sc, idx)
		return InvalidPageID, err
	}
	if !frame.setResident(StateEvicted, data, slotIdx, tier) {
		bm.regionFor(tier, sc).Free(slotIdx)
		bm.pageTable.Erase(id)
		bm.ssd.Deallocate(sc, idx)
		return InvalidPageID, ErrFrameExists
	}
	// A fresh page has no backing bytes on the SSD yet; zero it and mark
	// it dirty so its first eviction writes the slot out and a later
	// read-through observes defined contents.
	clear(data)
	frame.SetDirty(true)
	bm.regionFor(tier, sc).SetOwner(slotIdx, id)
	bm.metrics.adjustResident(context.Background(), 1)
	bm.evictionQueueFor(tier).Push(id, frame.Version())
	return id, nil
}

// DeallocatePage releases a whole page back to the SSD region's free
// list, used by callers that know a page's entire contents are now
// garbage. Sub-page slot reuse within a page is out of scope: pages fill
// up and are discarded as a unit.
func (bm *BufferManager) DeallocatePage(id PageID) error {
	if !id.Valid() {
		return ErrInvalidPageID
	}
	bm.allocMu.Lock()
	if st := bm.openPages[id.SizeClass()]; st != nil && st.id == id {
		bm.openPages[id.SizeClass()] = nil
	}
	delete(bm.liveAllocs, id)
	bm.allocMu.Unlock()

	frame, ok := bm.pageTable.Find(id)
	if !ok {
		// Not resident; only the SSD slot needs releasing.
		bm.ssd.Deallocate(id.SizeClass(), id.Index())
		return nil
	}
	if frame.PinCount() > 0 {
		return ErrPagePinned
	}
	if !frame.tryTransition(StateResident, StateLockedExclusive) {
		return ErrStaleVersion
	}
	if frame.PinCount() > 0 {
		frame.tryTransition(StateLockedExclusive, StateResident)
		return ErrPagePinned
	}
	tier, slotIdx := frame.Tier(), frame.SlotIndex()
	frame.clearResident()
	frame.SetDirty(false)
	frame.retire()
	bm.pageTable.Erase(id)
	frame.tryTransition(StateLockedExclusive, StateEvicted)
	if tier != TierNone {
		bm.regionFor(tier, id.SizeClass()).Free(slotIdx)
		bm.metrics.adjustResident(context.Background(), -1)
	}
	bm.ssd.Deallocate(id.SizeClass(), id.Index())
	return nil
}

// ensureVolatileSlot allocates a slot from tier/sc's region, evicting
// from that tier's queue under memory pressure until one becomes
// available or eviction is exhausted.
func (bm *BufferManager) ensureVolatileSlot(tier Tier, sc SizeClass) ([]byte, int, error) {
	region := bm.regionFor(tier, sc)
	if region == nil {
		return nil, -1, ErrNUMADisabled
	}
	const maxEvictionAttempts = 256
	for attempt := 0; ; attempt++ {
		data, idx, err := region.Alloc()
		if err == nil {
			return data, idx, nil
		}
		if attempt >= maxEvictionAttempts {
			return nil, -1, ErrOutOfMemory
		}
		if !bm.evictOne(tier, sc) {
			return nil, -1, ErrOutOfMemory
		}
	}
}

// evictOne pops and validates one candidate from tier's eviction queue
// and, if it still qualifies, evicts it: demoting DRAM pages to NUMA
// when available, or writing back to the SSD region otherwise. Reports
// whether a frame was actually freed.
//
// The claim happens in two steps: the versioned CAS to MARKED proves the
// hint is not stale, and the follow-up CAS to LOCKED_EXCLUSIVE wins
// against any pinner trying to rescue the frame back to RESIDENT. Only
// once both CASes land and the pin count reads zero under the exclusive
// claim is the slot actually freed; a pinner that raced its increment in
// observes the non-RESIDENT state, backs its pin out and retries.
func (bm *BufferManager) evictOne(tier Tier, sc SizeClass) bool {
	queue := bm.evictionQueueFor(tier)
	const maxPops = 64
	for i := 0; i < maxPops; i++ {
		id, version, ok := queue.TryPop()
		if !ok {
			return false
		}
		frame, ok := bm.pageTable.Find(id)
		if !ok {
			continue
		}
		if frame.Tier() != tier {
			continue
		}
		if !frame.tryTransitionVersioned(StateResident, StateMarkedForEviction, version) {
			continue
		}
		if frame.PinCount() > 0 {
			frame.tryTransition(StateMarkedForEviction, StateResident)
			continue
		}
		if !frame.tryTransition(StateMarkedForEviction, StateLockedExclusive) {
			// A pinner rescued the frame first.
			continue
		}
		if frame.PinCount() > 0 {
			frame.tryTransition(StateLockedExclusive, StateResident)
			continue
		}
		if bm.finishEviction(frame, tier) {
			return true
		}
	}
	return false
}

// finishEviction evicts a frame held LOCKED_EXCLUSIVE with no pins:
// demoting a DRAM page into the NUMA tier when one is configured, or
// writing back dirty bytes and releasing the slot entirely. Reports
// whether a slot in `tier` was freed.
func (bm *BufferManager) finishEviction(frame *Frame, tier Tier) bool {
	id := frame.PageID()
	sc := id.SizeClass()
	slotIdx := frame.SlotIndex()
	data := frame.Data()

	if tier == TierDRAM && bm.cfg.EnableNUMA && bm.migrator.NUMAEnabled() && bm.numa[sc] != nil {
		if numaData, numaIdx, err := bm.numa[sc].Alloc(); err == nil {
			copy(numaData, data)
			bm.numa[sc].SetOwner(numaIdx, id)
			frame.retier(numaData, numaIdx, TierNUMA)
			bm.dram[sc].Free(slotIdx)
			frame.tryTransition(StateLockedExclusive, StateResident)
			bm.numaEvictions.Push(id, frame.Version())
			return true
		}
	}

	wasDirty := frame.IsDirty()
	if wasDirty {
		if err := bm.ssd.WriteAt(sc, id.Index(), data); err != nil {
			// An I/O failure here would silently lose committed bytes, so
			// it is fatal rather than recoverable.
			bm.logger.Fatal("writeback failed during eviction", zap.Stringer("page_id", id), zap.Error(err))
		}
	}
	frame.clearResident()
	frame.SetDirty(false)
	frame.retire()
	bm.pageTable.Erase(id)
	frame.tryTransition(StateLockedExclusive, StateEvicted)
	bm.regionFor(tier, sc).Free(slotIdx)
	bm.metrics.adjustResident(context.Background(), -1)
	bm.metrics.recordEviction(context.Background(), wasDirty)
	bm.evictionQueueFor(tier).recordEvicted(id, time.Now())
	return true
}

// Unswizzle is the inverse of pointer swizzling: it maps a raw address that
// lies inside some volatile region's slab back to the (PageID, offset)
// pair addressing the same byte, manufacturing a BufferManagedPtr from a
// pointer a column container obtained by dereferencing one. The caller
// must hold a pin on the page for the address to be meaningful.
func (bm *BufferManager) Unswizzle(addr uintptr) (BufferManagedPtr[byte], error) {
	for _, tier := range [...]perTierRegions{bm.dram, bm.numa} {
		for _, region := range tier {
			if region == nil || !region.Contains(addr) {
				continue
			}
			slotIdx, offset := region.SlotIndexFor(addr)
			id := region.Owner(slotIdx)
			if !id.Valid() {
				return NilBufferManagedPtr[byte](), ErrUnswizzleMiss
			}
			return NewBufferManagedPtr[byte](id, offset), nil
		}
	}
	return NilBufferManagedPtr[byte](), ErrUnswizzleMiss
}

// FlushAll writes back every dirty resident frame without evicting it,
// used before an orderly shutdown.
func (bm *BufferManager) FlushAll() error {
	return bm.flushDirtyFrames()
}

// flushDirtyFrames writes back every dirty resident frame, a bounded
// number of writes in flight at once. Each write happens under
// LOCKED_EXCLUSIVE so no writer can redirty the bytes mid-transfer;
// outstanding pins are fine, the flush only reads the slot.
func (bm *BufferManager) flushDirtyFrames() error {
	var g errgroup.Group
	g.SetLimit(8)
	for _, shard := range bm.pageTable.shards {
		shard.mu.RLock()
		frames := make([]*Frame, 0, len(shard.m))
		for _, f := range shard.m {
			frames = append(frames, f)
		}
		shard.mu.RUnlock()
		for _, f := range frames {
			if !f.IsDirty() {
				continue
			}
			g.Go(func() error {
				if !f.tryTransition(StateResident, StateLockedExclusive) {
					return nil
				}
				if err := bm.ssd.WriteAt(f.PageID().SizeClass(), f.PageID().Index(), f.Data()); err != nil {
					f.tryTransition(StateLockedExclusive, StateResident)
					return err
				}
				f.SetDirty(false)
				f.tryTransition(StateLockedExclusive, StateResident)
				return nil
			})
		}
	}
	return g.Wait()
}

// Close flushes dirty frames, stops background purge loops and closes
// the SSD region.
func (bm *BufferManager) Close() error {
	bm.mu.Lock()
	if bm.closed {
		bm.mu.Unlock()
		return nil
	}
	bm.closed = true
	bm.mu.Unlock()

	if err := bm.flushDirtyFrames(); err != nil {
		bm.logger.Error("flush on close failed", zap.Error(err))
	}
	bm.dramEvictions.Stop()
	if bm.numaEvictions != nil {
		bm.numaEvictions.Stop()
	}
	return bm.ssd.Close()
}

// MemoryConsumption reports the total bytes reserved by each tier's
// volatile regions.
func (bm *BufferManager) MemoryConsumption() (dram, numa int64) {
	for _, r := range bm.dram {
		if r != nil {
			dram += r.Bytes()
		}
	}
	for _, r := range bm.numa {
		if r != nil {
			numa += r.Bytes()
		}
	}
	return dram, numa
}
