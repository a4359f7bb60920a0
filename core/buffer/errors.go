package buffer

import "errors"

// Sentinel errors: plain errors.New values rather than custom error
// types.
var (
	ErrInvalidPageID = errors.New("buffer: invalid page id")
	ErrFrameNotFound = errors.New("buffer: frame not found in page table")
	ErrFrameExists   = errors.New("buffer: frame already present in page table")
	ErrOutOfMemory   = errors.New("buffer: pool exhausted, no evictable frame found")
	ErrPagePinned    = errors.New("buffer: page is pinned and cannot be evicted")
	ErrValueTooLarge = errors.New("buffer: value exceeds largest page size class")
	ErrIO            = errors.New("buffer: ssd region i/o failure")
	ErrStaleVersion  = errors.New("buffer: stale frame version, retry")
	ErrUnswizzleMiss = errors.New("buffer: pointer does not belong to any volatile region")
	ErrRegionFull    = errors.New("buffer: volatile region has no free slots")
	ErrNUMADisabled  = errors.New("buffer: numa tier is disabled in this configuration")
	ErrBadAlignment  = errors.New("buffer: alignment must be a power of two no larger than the page size")
)
