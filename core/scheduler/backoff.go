package scheduler

import (
	"runtime"
	"time"
)

// spinLimit is how many attempts a worker makes in each of spinAndSteal's
// rounds, with one backoff spin after every failed attempt. Kept separate from the buffer
// package's backoff: the worker loop and the frame wait are different
// call sites tuned independently.
const spinLimit = 64

const maxBackoff = 2 * time.Millisecond

type backoff struct {
	round int
}

func (b *backoff) spin() {
	b.round++
	if b.round <= 8 {
		runtime.Gosched()
		return
	}
	d := time.Duration(b.round-8) * 20 * time.Microsecond
	if d > maxBackoff {
		d = maxBackoff
	}
	time.Sleep(d)
}

func (b *backoff) reset() {
	b.round = 0
}
