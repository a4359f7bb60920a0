package buffer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// IdleEvictionQueuePurgeInterval is how often the purge sweep runs; it
// runs on this fixed tick whether or not the buffer manager is busy.
const IdleEvictionQueuePurgeInterval = 1 * time.Second

// MaxEvictionQueuePurges bounds how many entries, stale or not, a single
// purge sweep will drain.
const MaxEvictionQueuePurges = 1024

// evictionItem is a (page, version) eviction candidate hint: the
// version is checked against the frame's live state_and_version before
// the candidate is acted on, since the queue is a hint, not an
// authority.
type evictionItem struct {
	pageID  PageID
	version uint64
}

// EvictionQueue is the FIFO of eviction-candidate hints, implemented as
// a buffered channel used as a concurrent queue.
type EvictionQueue struct {
	ch chan evictionItem

	// recent is a bounded LRU of recently-evicted pages, used purely as a
	// diagnostic to detect thrashing (repeated evict/reload cycles) during
	// the idle purge sweep. It never influences which page is evicted.
	recent *lru.Cache[PageID, time.Time]

	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewEvictionQueue(capacity int, logger *zap.Logger) *EvictionQueue {
	recent, err := lru.New[PageID, time.Time](1024)
	if err != nil {
		// Only fails for a non-positive size, which 1024 never triggers.
		panic(err)
	}
	return &EvictionQueue{
		ch:     make(chan evictionItem, capacity),
		recent: recent,
		logger: logger.Named("eviction_queue"),
		stopCh: make(chan struct{}),
	}
}

// Push enqueues a candidate hint. It never blocks: a full queue simply
// drops the hint, since a pinned-again or re-touched page would make the
// hint stale anyway, and the purge sweep plus normal eviction pressure
// will surface new candidates on demand.
func (q *EvictionQueue) Push(id PageID, version uint64) {
	select {
	case q.ch <- evictionItem{pageID: id, version: version}:
	default:
		q.logger.Debug("eviction queue full, dropping candidate hint", zap.Stringer("page_id", id))
	}
}

// TryPop returns the next candidate hint, if any, without blocking.
func (q *EvictionQueue) TryPop() (PageID, uint64, bool) {
	select {
	case item := <-q.ch:
		return item.pageID, item.version, true
	default:
		return InvalidPageID, 0, false
	}
}

// recordEvicted notes that id was just evicted, for thrash diagnostics.
func (q *EvictionQueue) recordEvicted(id PageID, now time.Time) {
	q.recent.Add(id, now)
}

// RecentlyEvicted reports whether id was evicted within the last window,
// a signal the idle purge sweep logs as a possible thrashing hot spot.
func (q *EvictionQueue) RecentlyEvicted(id PageID, window time.Duration, now time.Time) bool {
	t, ok := q.recent.Get(id)
	if !ok {
		return false
	}
	return now.Sub(t) < window
}

// validateFunc reports whether a candidate is still a legitimate eviction
// target: resident, unpinned, and at the version the hint was enqueued
// with. The buffer manager supplies this so the queue itself never needs
// to know about frames.
type validateFunc func(id PageID, version uint64) bool

// PurgeLoop periodically drains up to MaxEvictionQueuePurges entries,
// dropping hints that validate fails (the frame moved on) and requeuing
// the rest. It blocks until Stop is called, so callers should run it in
// its own goroutine.
func (q *EvictionQueue) PurgeLoop(validate validateFunc) {
	ticker := time.NewTicker(IdleEvictionQueuePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.purgeOnce(validate)
		}
	}
}

func (q *EvictionQueue) purgeOnce(validate validateFunc) {
	drained := make([]evictionItem, 0, MaxEvictionQueuePurges)
loop:
	for i := 0; i < MaxEvictionQueuePurges; i++ {
		select {
		case item := <-q.ch:
			drained = append(drained, item)
		default:
			break loop
		}
	}
	now := time.Now()
	kept, recentlyEvicted := 0, 0
	for _, item := range drained {
		if !validate(item.pageID, item.version) {
			continue
		}
		// A live candidate for a page evicted within the last interval
		// has gone through an evict/reload cycle: a thrashing hint.
		if q.RecentlyEvicted(item.pageID, IdleEvictionQueuePurgeInterval, now) {
			recentlyEvicted++
		}
		select {
		case q.ch <- item:
			kept++
		default:
			// Queue filled back up from concurrent pushes; drop the rest,
			// they'll be rediscovered on the next eviction pressure event.
		}
	}
	if len(drained) > 0 {
		q.logger.Debug("eviction queue purge swept entries",
			zap.Int("drained", len(drained)), zap.Int("kept", kept),
			zap.Int("recently_evicted", recentlyEvicted))
	}
}

// Stop terminates PurgeLoop.
func (q *EvictionQueue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Len reports the approximate number of queued candidates.
func (q *EvictionQueue) Len() int { return len(q.ch) }
