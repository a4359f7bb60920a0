package buffer

import "unsafe"

// BufferManagedPtr is a value-type smart pointer: a (PageID, offset)
// pair that must be resolved through a BufferManager before the pointee
// can be touched, rather than a raw address that could move under
// eviction.
type BufferManagedPtr[T any] struct {
	pageID PageID
	offset uintptr
}

// NilBufferManagedPtr returns the null pointer value for T, analogous to
// a nil *T.
func NilBufferManagedPtr[T any]() BufferManagedPtr[T] {
	return BufferManagedPtr[T]{pageID: InvalidPageID}
}

func NewBufferManagedPtr[T any](id PageID, offset uintptr) BufferManagedPtr[T] {
	return BufferManagedPtr[T]{pageID: id, offset: offset}
}

func (p BufferManagedPtr[T]) IsNil() bool { return !p.pageID.Valid() }

func (p BufferManagedPtr[T]) PageID() PageID { return p.pageID }

func (p BufferManagedPtr[T]) Offset() uintptr { return p.offset }

// Add returns a pointer advanced by n elements of T. The arithmetic
// never consults a BufferManager; only dereferencing does.
func (p BufferManagedPtr[T]) Add(n int64) BufferManagedPtr[T] {
	var zero T
	return BufferManagedPtr[T]{pageID: p.pageID, offset: p.offset + uintptr(n)*unsafe.Sizeof(zero)}
}

// Sub is the inverse of Add.
func (p BufferManagedPtr[T]) Sub(n int64) BufferManagedPtr[T] {
	return p.Add(-n)
}

// Deref resolves p to a live *T, pinning its backing frame for the
// duration. Callers must call Unpin via the returned release function
// once done, the same discipline as the buffer manager's Pin/Unpin
// pair. The release is a clean unpin: callers that mutate the pointee
// must separately record the write with Unpin(id, true), or the bytes
// can be lost on eviction.
func Deref[T any](bm *BufferManager, p BufferManagedPtr[T]) (*T, func(), error) {
	if p.IsNil() {
		return nil, func() {}, ErrInvalidPageID
	}
	frame, err := bm.Pin(p.pageID)
	if err != nil {
		return nil, func() {}, err
	}
	data := frame.Data()
	if int(p.offset)+int(unsafe.Sizeof(*new(T))) > len(data) {
		bm.Unpin(p.pageID, false)
		return nil, func() {}, ErrInvalidPageID
	}
	ptr := (*T)(unsafe.Pointer(&data[p.offset]))
	release := func() { bm.Unpin(p.pageID, false) }
	return ptr, release, nil
}

// WithDeref resolves p, invokes fn with the pointee, and releases the pin
// before returning, a safer default than the raw Deref for call sites
// that don't need to hold the pin across multiple operations. The
// release never marks the page dirty: callers whose fn mutates the
// pointee must separately Unpin(id, true) so the write survives
// eviction.
func WithDeref[T any](bm *BufferManager, p BufferManagedPtr[T], fn func(*T)) error {
	ptr, release, err := Deref(bm, p)
	if err != nil {
		return err
	}
	defer release()
	fn(ptr)
	return nil
}

// Equal reports whether a and b resolve to the same (page, offset) pair
// at this instant; equivalent to comparing resolved addresses since both
// always refer to the same frame for a given PageID while it is pinned.
func Equal[T any](a, b BufferManagedPtr[T]) bool {
	return a.pageID == b.pageID && a.offset == b.offset
}
