package scheduler

import "errors"

// Sentinel errors, following the same errors.New convention as
// core/buffer/errors.go.
var (
	ErrPoolStopped = errors.New("scheduler: scheduler has been shut down")
	ErrInvalidNode = errors.New("scheduler: node id out of range")
)
