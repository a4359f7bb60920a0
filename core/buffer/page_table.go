package buffer

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	commonutils "github.com/novadb/novadb/internal/common_utils"
)

// numPageTableShards controls the fan-out of the sharded concurrent page
// table. Each shard is an independently-latched map, so goroutines
// touching unrelated pages rarely contend on the same latch.
const numPageTableShards = 256

type pageTableShard struct {
	mu sync.RWMutex
	m  map[PageID]*Frame
}

// PageTable maps resident and in-flight PageIDs to their Frame, sharded
// by an xxhash of the PageID to spread lock contention across goroutines
// touching unrelated pages.
type PageTable struct {
	shards [numPageTableShards]*pageTableShard
}

func NewPageTable() *PageTable {
	pt := &PageTable{}
	for i := range pt.shards {
		pt.shards[i] = &pageTableShard{m: make(map[PageID]*Frame)}
	}
	return pt
}

func (pt *PageTable) shardFor(id PageID) *pageTableShard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h := xxhash.Sum64(buf[:])
	return pt.shards[h%uint64(numPageTableShards)]
}

// Find returns the frame for id, if present.
func (pt *PageTable) Find(id PageID) (*Frame, bool) {
	s := pt.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.m[id]
	return f, ok
}

// FindOrInsert returns the existing frame for id, or inserts and returns a
// freshly constructed one. The bool reports whether the frame already
// existed, so callers know whether they are the ones responsible for
// driving it out of EVICTED.
func (pt *PageTable) FindOrInsert(id PageID) (frame *Frame, existed bool) {
	s := pt.shardFor(id)

	s.mu.RLock()
	if f, ok := s.m[id]; ok {
		s.mu.RUnlock()
		return f, true
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.m[id]; ok {
		return f, true
	}
	f := newFrame(id)
	s.m[id] = f
	return f, false
}

// Erase removes id from the table, used as a frame leaves the pool
// (eviction, deallocation, a failed load or allocation): callers erase
// it before its final transition to EVICTED and before its slot goes
// back to the volatile region's free list.
func (pt *PageTable) Erase(id PageID) {
	s := pt.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Snapshot copies every tracked (PageID, *Frame) pair into a sync.Map for
// lock-free iteration by diagnostics (e.g. an admin endpoint dumping
// resident pages) without holding any shard's latch for the duration.
func (pt *PageTable) Snapshot() *sync.Map {
	dst := &sync.Map{}
	for _, s := range pt.shards {
		s.mu.RLock()
		commonutils.CopyToSyncMap(s.m, dst)
		s.mu.RUnlock()
	}
	return dst
}

// Len returns the total number of tracked frames across all shards,
// resident or not; used by metrics and tests.
func (pt *PageTable) Len() int {
	n := 0
	for _, s := range pt.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
