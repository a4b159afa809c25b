// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Execution primitives of the runtime: a single-goroutine EventLoop bound
// to an OS thread, a per-goroutine LoopStack for nesting loops, and a
// ThreadPool with work-stealing workers, sequenced job streams and a
// Watchdog that reclaims idle or hung workers.
package concurrency
