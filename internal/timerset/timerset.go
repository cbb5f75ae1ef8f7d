// Package timerset implements the handshake timer set: a dedicated
// epoll instance holding one timerfd per in-flight handshake, so
// expired handshakes are drained as a single batch on one wake
// instead of polling a deadline per connection.
package timerset

import (
	"errors"
	"time"
)

// ErrClosed is returned by Wait once Close has been called.
var ErrClosed = errors.New("timerset: closed")

// TimerSet creates and tracks one-shot timers, each identified by the
// file descriptor backing it so the caller can correlate a fired timer
// back to the client record it bounds.
type TimerSet interface {
	// Create arms a new one-shot timer that fires after d and returns
	// its file descriptor. The timer is automatically registered with
	// the set's own epoll instance.
	Create(d time.Duration) (fd int, err error)

	// Cancel disarms and removes the timer for fd. It is not an error
	// to cancel an fd that already fired or was never created.
	Cancel(fd int) error

	// Wait blocks until at least one timer fires and returns the fds
	// of every timer that fired, draining the whole batch at once.
	Wait() ([]int, error)

	// Close releases the set's own epoll fd and any timers still
	// outstanding.
	Close() error
}

// New returns the platform TimerSet implementation.
func New() (TimerSet, error) {
	return newTimerSet()
}
