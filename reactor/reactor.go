// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness poller interface.

package reactor

import (
	"errors"
	"time"
)

// ErrClosed is returned by a poller after Close.
var ErrClosed = errors.New("reactor: poller closed")

// Interest selects the readiness a descriptor is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	// OneShot disarms the descriptor after one event; Modify re-arms it.
	OneShot
)

// Poller reports descriptor readiness.
type Poller interface {
	// Register starts watching fd.
	Register(fd int, interest Interest) error

	// Modify changes the interest of a watched fd.
	Modify(fd int, interest Interest) error

	// Unregister stops watching fd. Unknown descriptors are ignored.
	Unregister(fd int) error

	// Wait blocks up to timeout (negative: forever) and fills events.
	// Returns the number of events written; zero on timeout or interruption.
	// Only one goroutine may wait at a time.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Close releases the poller.
	Close() error
}

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
}
