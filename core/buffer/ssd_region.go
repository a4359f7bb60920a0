package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ssdRegionFile is one backing file per size class: fixed-size slots laid
// out contiguously so that offset = index * pageSize.
type ssdRegionFile struct {
	file     *os.File
	pageSize int

	mu        sync.Mutex
	nextFree  []uint64 // reusable slot indices freed by deallocation
	highWater uint64   // next never-used index
}

// SSDRegion is the append-mostly backing store: one file per size class,
// growing as slots are allocated, pages read and written at aligned
// offsets. Go has no portable O_DIRECT; the buffer manager reads and
// writes through volatile-region slots, which are PageAlignment-aligned,
// so the region's layout stays compatible with direct I/O where the OS
// supports it. ReadAt and WriteAt do not check buffer alignment.
type SSDRegion struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	files map[SizeClass]*ssdRegionFile
}

func NewSSDRegion(dir string, logger *zap.Logger) (*SSDRegion, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: creating ssd region directory: %w", err)
	}
	return &SSDRegion{
		dir:    dir,
		logger: logger.Named("ssd_region"),
		files:  make(map[SizeClass]*ssdRegionFile),
	}, nil
}

func (r *SSDRegion) fileFor(sizeClass SizeClass) (*ssdRegionFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[sizeClass]; ok {
		return f, nil
	}
	path := filepath.Join(r.dir, fmt.Sprintf("class_%d.bin", sizeClass))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	rf := &ssdRegionFile{
		file:      f,
		pageSize:  sizeClass.Bytes(),
		highWater: uint64(info.Size()) / uint64(sizeClass.Bytes()),
	}
	r.files[sizeClass] = rf
	return rf, nil
}

// Allocate reserves a new slot index for sizeClass, either reusing one
// freed by Deallocate or extending the file's high-water mark.
func (r *SSDRegion) Allocate(sizeClass SizeClass) (uint64, error) {
	rf, err := r.fileFor(sizeClass)
	if err != nil {
		return 0, err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if n := len(rf.nextFree); n > 0 {
		idx := rf.nextFree[n-1]
		rf.nextFree = rf.nextFree[:n-1]
		return idx, nil
	}
	idx := rf.highWater
	rf.highWater++
	return idx, nil
}

// Deallocate returns a slot index to the free list for reuse.
func (r *SSDRegion) Deallocate(sizeClass SizeClass, index uint64) {
	rf, err := r.fileFor(sizeClass)
	if err != nil {
		return
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.nextFree = append(rf.nextFree, index)
}

// ReadAt reads the page at index into dst, which must be exactly
// sizeClass.Bytes() long.
func (r *SSDRegion) ReadAt(sizeClass SizeClass, index uint64, dst []byte) error {
	rf, err := r.fileFor(sizeClass)
	if err != nil {
		return err
	}
	if len(dst) != rf.pageSize {
		return fmt.Errorf("buffer: read buffer size %d does not match page size %d", len(dst), rf.pageSize)
	}
	off := int64(index) * int64(rf.pageSize)
	n, err := rf.file.ReadAt(dst, off)
	if err != nil && n != len(dst) {
		r.logger.Error("ssd read failed", zap.Uint64("index", index), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// WriteAt persists src (exactly sizeClass.Bytes() long) at index.
func (r *SSDRegion) WriteAt(sizeClass SizeClass, index uint64, src []byte) error {
	rf, err := r.fileFor(sizeClass)
	if err != nil {
		return err
	}
	if len(src) != rf.pageSize {
		return fmt.Errorf("buffer: write buffer size %d does not match page size %d", len(src), rf.pageSize)
	}
	off := int64(index) * int64(rf.pageSize)
	if _, err := rf.file.WriteAt(src, off); err != nil {
		r.logger.Error("ssd write failed", zap.Uint64("index", index), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Sync flushes all backing files to stable storage.
func (r *SSDRegion) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sc, rf := range r.files {
		if err := rf.file.Sync(); err != nil {
			return fmt.Errorf("%w: syncing class %d: %v", ErrIO, sc, err)
		}
	}
	return nil
}

// Close syncs and closes every backing file.
func (r *SSDRegion) Close() error {
	if err := r.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rf := range r.files {
		if err := rf.file.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}

// newAlignedBuffer returns a byte slice of length n whose first byte sits
// at a PageAlignment boundary, keeping it eligible for O_DIRECT-capable
// transfers.
func newAlignedBuffer(n int) []byte {
	buf := make([]byte, n+PageAlignment)
	addr := sliceAddr(buf)
	pad := (PageAlignment - int(addr%PageAlignment)) % PageAlignment
	return buf[pad : pad+n : pad+n]
}
