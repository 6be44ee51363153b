package jobqueue

import (
	"time"
)

// TimedItem adapts closures to JobItem. Handlers left nil are no-ops.
type TimedItem[R any] struct {
	key         string
	timeout     time.Duration
	process     func(root R)
	onTimeout   func(root R)
	onQueueFull func(root R, actualSize int)
	onClosed    func(root R)
}

// NewTimedItem returns an item that runs process unless it waited longer than timeout
func NewTimedItem[R any](key string, timeout time.Duration, process func(root R)) *TimedItem[R] {
	return &TimedItem[R]{key: key, timeout: timeout, process: process}
}

// WithTimeoutHandler sets the handler for items that waited too long
func (t *TimedItem[R]) WithTimeoutHandler(fn func(root R)) *TimedItem[R] {
	t.onTimeout = fn
	return t
}

// WithQueueFullHandler sets the handler for rejected items
func (t *TimedItem[R]) WithQueueFullHandler(fn func(root R, actualSize int)) *TimedItem[R] {
	t.onQueueFull = fn
	return t
}

// WithClosedHandler sets the handler for items abandoned by Close
func (t *TimedItem[R]) WithClosedHandler(fn func(root R)) *TimedItem[R] {
	t.onClosed = fn
	return t
}

func (t *TimedItem[R]) Key() string {
	return t.key
}

func (t *TimedItem[R]) Timeout() time.Duration {
	return t.timeout
}

func (t *TimedItem[R]) Process(root R) {
	if t.process != nil {
		t.process(root)
	}
}

func (t *TimedItem[R]) OnTimeout(root R) {
	if t.onTimeout != nil {
		t.onTimeout(root)
	}
}

func (t *TimedItem[R]) OnQueueFull(root R, actualSize int) {
	if t.onQueueFull != nil {
		t.onQueueFull(root, actualSize)
	}
}

// OnClosed falls back to the timeout handler when no closed handler is set
func (t *TimedItem[R]) OnClosed(root R) {
	if t.onClosed != nil {
		t.onClosed(root)
		return
	}
	t.OnTimeout(root)
}
