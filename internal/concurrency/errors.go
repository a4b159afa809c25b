// File: internal/concurrency/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "errors"

var (
	// ErrPoolClosed is returned when posting to a pool that has been torn down.
	ErrPoolClosed = errors.New("thread pool is closed")
	// ErrAlreadyForced is returned by a second Watchdog.Force call.
	ErrAlreadyForced = errors.New("watchdog already forced")
	// ErrShutdownDeadline is returned when Shutdown gave up on outstanding jobs.
	ErrShutdownDeadline = errors.New("shutdown deadline exceeded")
	// ErrCollectFailed is returned when the watchdog cannot collect workers.
	ErrCollectFailed = errors.New("watchdog collection failed")
	// ErrLoopQuit is returned when posting to a loop that was asked to quit.
	ErrLoopQuit = errors.New("event loop has quit")
	// ErrLoopRunning is returned by Exec when the loop is already executing.
	ErrLoopRunning = errors.New("event loop already running")
	// ErrUnknownWorkKind is returned when posting a handle whose kind the loop does not accept.
	ErrUnknownWorkKind = errors.New("unknown work kind")
)
