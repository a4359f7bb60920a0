package buffer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MigrationPolicyKind selects how pages move between the DRAM tier and
// the NUMA-local secondary tier.
type MigrationPolicyKind string

const (
	// MigrationLazy promotes a page from NUMA to DRAM only after it has
	// been accessed more than once while resident in NUMA, avoiding
	// promoting one-off scans.
	MigrationLazy MigrationPolicyKind = "lazy"
	// MigrationEager promotes on the very first NUMA-tier access.
	MigrationEager MigrationPolicyKind = "eager"
	// MigrationDramOnly disables the NUMA tier entirely; evictions from
	// DRAM go straight to the SSD region.
	MigrationDramOnly MigrationPolicyKind = "dram_only"
	// MigrationNumaOnly keeps resident pages in the NUMA tier and never
	// promotes to DRAM, used when the workload's working set is known to
	// exceed the DRAM budget.
	MigrationNumaOnly MigrationPolicyKind = "numa_only"
)

// defaultMigrationRateBytesPerSec throttles DRAM<->NUMA copy bandwidth
// so a burst of promotions doesn't starve foreground page faults of
// memory bandwidth.
const defaultMigrationRateBytesPerSec = 512 * 1024 * 1024 // 512 MiB/s

// Migrator drives page movement between the DRAM and NUMA tiers
// according to a MigrationPolicyKind: an access-driven policy between
// exactly two tiers.
type Migrator struct {
	policy  MigrationPolicyKind
	limiter *rate.Limiter
	logger  *zap.Logger

	mu           sync.Mutex
	accessCounts map[PageID]int
}

func NewMigrator(policy MigrationPolicyKind, rateBytesPerSec int64, logger *zap.Logger) *Migrator {
	if rateBytesPerSec <= 0 {
		rateBytesPerSec = defaultMigrationRateBytesPerSec
	}
	return &Migrator{
		policy:       policy,
		limiter:      rate.NewLimiter(rate.Limit(rateBytesPerSec), int(rateBytesPerSec)),
		logger:       logger.Named("migrator"),
		accessCounts: make(map[PageID]int),
	}
}

func (m *Migrator) NUMAEnabled() bool {
	return m.policy != MigrationDramOnly
}

func (m *Migrator) DRAMEnabled() bool {
	return m.policy != MigrationNumaOnly
}

// shouldPromote reports whether a NUMA-resident page accessed again
// should be copied up to DRAM, recording the access in the process.
func (m *Migrator) shouldPromote(id PageID) bool {
	switch m.policy {
	case MigrationDramOnly:
		return false
	case MigrationNumaOnly:
		return false
	case MigrationEager:
		return true
	case MigrationLazy:
		m.mu.Lock()
		m.accessCounts[id]++
		n := m.accessCounts[id]
		m.mu.Unlock()
		return n > 1
	default:
		return false
	}
}

// throttle blocks until nBytes worth of migration bandwidth is
// available.
func (m *Migrator) throttle(ctx context.Context, nBytes int) error {
	if err := m.limiter.WaitN(ctx, nBytes); err != nil {
		return fmt.Errorf("buffer: migration throttle: %w", err)
	}
	return nil
}

func (m *Migrator) forgetAccesses(id PageID) {
	m.mu.Lock()
	delete(m.accessCounts, id)
	m.mu.Unlock()
}
