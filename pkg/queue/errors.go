package queue

import "errors"

var (
	// ErrNoSpace is returned when a write needs more room than the queue can grow to.
	ErrNoSpace = errors.New("queue: no space left")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")
	// ErrInvalidConfig is returned by VerifyConfig and New.
	ErrInvalidConfig = errors.New("queue: invalid config")
)
