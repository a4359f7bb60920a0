//go:build debug

package scheduler

import commonutils "github.com/novadb/novadb/internal/common_utils"

// assert panics with a caller trace when built with the debug tag,
// the scheduler package's counterpart to core/buffer's assert helper.
func assert(cond bool, msg string, id TaskID) {
	if cond {
		return
	}
	commonutils.PrintCaller("assertion failed: "+msg, id, 2)
	panic("scheduler: " + msg)
}
