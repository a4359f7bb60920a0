//go:build debug

package buffer

import commonutils "github.com/novadb/novadb/internal/common_utils"

// assert panics with a caller trace when built with the debug tag;
// release builds compile the check out. Call sites check a precondition
// a correct caller can never violate (unpinning an already-unpinned
// frame) and call assert on failure.
func assert(cond bool, msg string, id PageID) {
	if cond {
		return
	}
	commonutils.PrintCaller("assertion failed: "+msg, id, 2)
	panic("buffer: " + msg)
}
