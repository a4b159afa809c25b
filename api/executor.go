// Package api
// Author: momentics
//
// Executor contract for background job dispatch.

package api

import "time"

// Executor abstracts background job execution.
type Executor interface {
	// PostJob schedules job for execution. Jobs may complete in any order.
	PostJob(job func()) error

	// PostSequencedJob schedules job after every sequenced job posted before it.
	PostSequencedJob(job func(), deadline time.Duration) error

	// HasTasks reports whether queued or running jobs remain.
	HasTasks() bool
}
