// Package poller provides the edge-triggered, one-shot readiness
// multiplexer: a small interface with a real epoll-backed
// implementation on Linux and an in-memory fake for tests and other
// platforms.
package poller

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Wait (and rejected registration calls) once
// Close has been called.
var ErrClosed = errors.New("poller: closed")

// EventMask is a bitmask of readiness conditions, independent of the
// underlying platform's epoll constants so callers never import
// golang.org/x/sys/unix directly.
type EventMask uint32

const (
	// EventIn indicates the fd is ready for reading (or a listening
	// socket has a connection to accept).
	EventIn EventMask = 1 << iota
	// EventOut indicates the fd is ready for writing.
	EventOut
	// EventHup indicates the peer closed its end.
	EventHup
	// EventErr indicates an error condition on the fd.
	EventErr
)

// Event is one readiness notification returned from Wait.
type Event struct {
	FD     int
	Events EventMask
}

// Poller is the multiplexer contract: register file descriptors for
// edge-triggered, one-shot notification and drain ready events in
// batches. Every registration is one-shot — callers must Rearm after
// handling an fd's events before it will fire again, mirroring
// EPOLLONESHOT discipline.
type Poller interface {
	// Add registers fd for edge-triggered, one-shot notification of
	// the given event mask.
	Add(fd int, events EventMask) error

	// Rearm re-registers fd for one more one-shot notification after
	// it has fired and been fully handled.
	Rearm(fd int, events EventMask) error

	// Remove deregisters fd. It is not an error to remove an fd that
	// was never added.
	Remove(fd int) error

	// Wait blocks until at least one event is ready, or until an
	// internal error occurs, and returns up to Config.MaxEvents
	// events at once.
	Wait() ([]Event, error)

	// Close releases the poller's own resources (e.g. the epoll fd).
	Close() error
}

// Config configures a new Poller.
type Config struct {
	// MaxEvents bounds how many events a single Wait call returns.
	MaxEvents int
}

// New creates the platform Poller implementation. On Linux this is a
// real epoll instance; elsewhere it returns an error. Tests that need
// a platform-independent poller should use NewFake instead.
func New(config Config) (Poller, error) {
	if config.MaxEvents <= 0 {
		config.MaxEvents = 64
	}
	return newPoller(config)
}

var errUnsupported = fmt.Errorf("poller: epoll not supported on this platform")
