package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"
)

func newTestBufferManager(t *testing.T, cfg Config) *BufferManager {
	t.Helper()
	if cfg.SSDPath == "" {
		cfg.SSDPath = t.TempDir()
	}
	if cfg.DRAMBufferPoolSize == 0 {
		cfg.DRAMBufferPoolSize = 4 * 1024 * 1024
	}
	logger := zaptest.NewLogger(t)
	bm, err := NewBufferManager(cfg, logger, noop.NewMeterProvider().Meter(""))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, bm.Close()) })
	return bm
}

// tinyPoolConfig holds roughly one 4 KiB slot per size class, so a
// second allocation in any class must evict the first.
func tinyPoolConfig() Config {
	return Config{
		MigrationPolicy:    MigrationDramOnly,
		DRAMBufferPoolSize: int64(NumSizeClasses) * int64(SizeClass4KiB.Bytes()),
	}
}

func TestAllocatePinWriteUnpinReadBack(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	ptr, err := bm.Allocate(64)
	require.NoError(t, err)
	require.False(t, ptr.IsNil())

	payload := "hello, buffer pool"
	frame, err := bm.Pin(ptr.PageID())
	require.NoError(t, err)
	copy(frame.Data()[ptr.Offset():], payload)
	require.NoError(t, bm.Unpin(ptr.PageID(), true))

	frame2, err := bm.Pin(ptr.PageID())
	require.NoError(t, err)
	require.Equal(t, payload, string(frame2.Data()[ptr.Offset():int(ptr.Offset())+len(payload)]))
	require.NoError(t, bm.Unpin(ptr.PageID(), false))
}

func TestPinEvictsUnderMemoryPressure(t *testing.T) {
	bm := newTestBufferManager(t, tinyPoolConfig())

	var ids []PageID
	for i := 0; i < 8; i++ {
		// Allocate a full page each time so every call opens a fresh page
		// instead of packing into the previous one, exercising eviction.
		ptr, err := bm.Allocate(SizeClass4KiB.Bytes())
		require.NoError(t, err)
		ids = append(ids, ptr.PageID())
	}

	for _, id := range ids {
		frame, err := bm.Pin(id)
		require.NoError(t, err)
		require.Equal(t, StateResident, frame.State())
		require.NoError(t, bm.Unpin(id, false))
	}
}

// TestPageRoundtripSurvivesEviction: write a recognizable pattern,
// force the page out of the pool with subsequent allocations, and
// verify the reloaded bytes are identical.
func TestPageRoundtripSurvivesEviction(t *testing.T) {
	bm := newTestBufferManager(t, tinyPoolConfig())

	ptr, err := bm.Allocate(SizeClass4KiB.Bytes())
	require.NoError(t, err)
	victim := ptr.PageID()

	frame, err := bm.Pin(victim)
	require.NoError(t, err)
	for i := range frame.Data() {
		frame.Data()[i] = byte(i % 256)
	}
	require.NoError(t, bm.Unpin(victim, true))

	// Enough fresh allocations in the same class to guarantee the victim
	// was written back and its slot reused.
	for i := 0; i < 8; i++ {
		_, err := bm.Allocate(SizeClass4KiB.Bytes())
		require.NoError(t, err)
	}

	frame, err = bm.Pin(victim)
	require.NoError(t, err)
	for i, b := range frame.Data() {
		if b != byte(i%256) {
			t.Fatalf("byte %d corrupted after eviction roundtrip: got %d want %d", i, b, i%256)
		}
	}
	require.NoError(t, bm.Unpin(victim, false))
}

// TestResidentSetStaysBounded: two sequential sweeps over a working set
// far larger than the pool must never hold more resident pages than the
// pool has slots.
func TestResidentSetStaysBounded(t *testing.T) {
	bm := newTestBufferManager(t, tinyPoolConfig())

	const numPages = 16
	ids := make([]PageID, numPages)
	for i := range ids {
		ptr, err := bm.Allocate(SizeClass4KiB.Bytes())
		require.NoError(t, err)
		ids[i] = ptr.PageID()
		frame, err := bm.Pin(ids[i])
		require.NoError(t, err)
		frame.Data()[0] = byte(i)
		require.NoError(t, bm.Unpin(ids[i], true))
	}

	capacity := bm.dram[SizeClass4KiB].Capacity()
	for sweep := 0; sweep < 2; sweep++ {
		for i, id := range ids {
			frame, err := bm.Pin(id)
			require.NoError(t, err)
			require.Equal(t, byte(i), frame.Data()[0], "page %d lost its first byte", i)
			require.NoError(t, bm.Unpin(id, false))
			require.LessOrEqual(t, bm.dram[SizeClass4KiB].InUse(), capacity)
		}
	}
}

func TestAllocateAlignedHonorsAlignment(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	_, err := bm.Allocate(24)
	require.NoError(t, err)
	ptr, err := bm.AllocateAligned(64, 256)
	require.NoError(t, err)
	require.Zero(t, ptr.Offset()%256)

	_, err = bm.AllocateAligned(8, 3)
	require.ErrorIs(t, err, ErrBadAlignment)
	_, err = bm.AllocateAligned(8, 2*SizeClass4KiB.Bytes())
	require.ErrorIs(t, err, ErrBadAlignment)
}

func TestDeallocateReleasesPageWhenEmpty(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	a, err := bm.Allocate(100)
	require.NoError(t, err)
	b, err := bm.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, a.PageID(), b.PageID(), "small allocations pack into one page")

	require.NoError(t, bm.Deallocate(a, 100))
	_, stillThere := bm.pageTable.Find(a.PageID())
	require.True(t, stillThere, "page keeps living while b is allocated")

	require.NoError(t, bm.Deallocate(b, 100))
	_, stillThere = bm.pageTable.Find(a.PageID())
	require.False(t, stillThere, "last deallocation releases the page")
}

func TestDeallocatePageFreesSlot(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	ptr, err := bm.Allocate(64)
	require.NoError(t, err)
	require.NoError(t, bm.DeallocatePage(ptr.PageID()))

	_, ok := bm.pageTable.Find(ptr.PageID())
	require.False(t, ok, "deallocated page must leave the page table")
}

func TestUnswizzleRecoversPageIDAndOffset(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	ptr, err := bm.Allocate(128)
	require.NoError(t, err)
	frame, err := bm.Pin(ptr.PageID())
	require.NoError(t, err)
	defer func() { require.NoError(t, bm.Unpin(ptr.PageID(), false)) }()

	addr := sliceAddr(frame.Data()) + ptr.Offset() + 17
	back, err := bm.Unswizzle(addr)
	require.NoError(t, err)
	require.Equal(t, ptr.PageID(), back.PageID())
	require.Equal(t, ptr.Offset()+17, back.Offset())
}

func TestUnswizzleRejectsForeignAddress(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	foreign := make([]byte, 64)
	_, err := bm.Unswizzle(sliceAddr(foreign))
	require.ErrorIs(t, err, ErrUnswizzleMiss)
}

func TestPinnedPageSurvivesEvictionPressure(t *testing.T) {
	bm := newTestBufferManager(t, tinyPoolConfig())

	ptr, err := bm.Allocate(SizeClass4KiB.Bytes())
	require.NoError(t, err)
	pinned := ptr.PageID()
	frame, err := bm.Pin(pinned)
	require.NoError(t, err)
	frame.Data()[0] = 0xAB

	// Pressure the 4 KiB class hard; the pinned page must not move.
	for i := 0; i < 8; i++ {
		if _, err := bm.Allocate(SizeClass4KiB.Bytes()); err != nil {
			// With a single-slot class and the sole slot pinned, running
			// out of evictable frames is the expected outcome.
			require.ErrorIs(t, err, ErrOutOfMemory)
		}
	}
	require.Equal(t, StateResident, frame.State())
	require.Equal(t, byte(0xAB), frame.Data()[0])
	require.NoError(t, bm.Unpin(pinned, true))
}

func TestStaleEvictionHintIsSkipped(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	ptr, err := bm.Allocate(SizeClass4KiB.Bytes())
	require.NoError(t, err)
	id := ptr.PageID()
	frame, ok := bm.pageTable.Find(id)
	require.True(t, ok)

	// The allocation enqueued a hint at the then-current version. Bump
	// the version by cycling the state machine; the old hint must now
	// fail validation and never evict the frame.
	require.True(t, frame.tryTransition(StateResident, StateMarkedForEviction))
	require.True(t, frame.tryTransition(StateMarkedForEviction, StateResident))

	require.False(t, bm.evictOne(TierDRAM, SizeClass4KiB))
	require.Equal(t, StateResident, frame.State())
}

func TestConcurrentPinUnpinSinglePage(t *testing.T) {
	bm := newTestBufferManager(t, Config{MigrationPolicy: MigrationDramOnly})

	ptr, err := bm.Allocate(SizeClass4KiB.Bytes())
	require.NoError(t, err)
	id := ptr.PageID()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				frame, err := bm.Pin(id)
				if err != nil {
					t.Error(err)
					return
				}
				_ = frame.Data()[0]
				if err := bm.Unpin(id, false); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestMigrationDemotesToNumaAndPromotesBack(t *testing.T) {
	bm := newTestBufferManager(t, Config{
		MigrationPolicy:    MigrationEager,
		EnableNUMA:         true,
		DRAMBufferPoolSize: int64(NumSizeClasses) * int64(SizeClass4KiB.Bytes()),
		NUMABufferPoolSize: 4 * 1024 * 1024,
	})

	first, err := bm.Allocate(SizeClass4KiB.Bytes())
	require.NoError(t, err)
	frame, err := bm.Pin(first.PageID())
	require.NoError(t, err)
	frame.Data()[0] = 0x5A
	require.NoError(t, bm.Unpin(first.PageID(), true))

	// The 4 KiB class has a single DRAM slot, so this allocation demotes
	// the first page into the NUMA tier instead of writing it back.
	_, err = bm.Allocate(SizeClass4KiB.Bytes())
	require.NoError(t, err)
	require.Equal(t, TierNUMA, frame.Tier())

	// An eager-policy access promotes it straight back to DRAM, evicting
	// the second page in turn.
	frame2, err := bm.Pin(first.PageID())
	require.NoError(t, err)
	require.Equal(t, TierDRAM, frame2.Tier())
	require.Equal(t, byte(0x5A), frame2.Data()[0])
	require.NoError(t, bm.Unpin(first.PageID(), false))
}
