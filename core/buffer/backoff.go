package buffer

import (
	"runtime"
	"time"
)

// spinLimit bounds how many busy-wait rounds the backoff performs
// before it starts sleeping between checks.
const spinLimit = 32

// maxBackoff caps the sleep duration of the backoff so a thread waiting on
// a LOADING frame never stalls for more than a few milliseconds between
// checks.
const maxBackoff = 4 * time.Millisecond

// backoff implements a bounded exponential backoff used while a goroutine
// waits for a frame to leave a transient state (LOADING) or for a CAS to
// succeed against a concurrently-updated state_and_version word.
type backoff struct {
	round int
}

// spin performs one round of the backoff, yielding the processor for the
// first spinLimit rounds and sleeping for a growing duration afterwards.
func (b *backoff) spin() {
	b.round++
	if b.round <= spinLimit {
		runtime.Gosched()
		return
	}
	d := time.Duration(b.round-spinLimit) * 50 * time.Microsecond
	if d > maxBackoff {
		d = maxBackoff
	}
	time.Sleep(d)
}

// reset returns the backoff to its initial state after a successful
// operation.
func (b *backoff) reset() {
	b.round = 0
}
