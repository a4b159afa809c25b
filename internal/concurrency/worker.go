// File: internal/concurrency/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"

	"github.com/momentics/phab-native/internal/check"
)

// Worker is one goroutine of a ThreadPool.
type Worker struct {
	id   int
	slot int
	pool *ThreadPool

	// guarded by pool.mu
	local      *queue.Queue // unsequenced jobs, stealable
	handoff    *queue.Queue // sequenced jobs, never stolen
	idle       bool
	idleSince  time.Time
	current    *job
	jobStarted time.Time

	joined       atomic.Bool
	detached     atomic.Bool
	endCondition func() bool
	lastSleep    atomic.Duration

	wake chan struct{}
	quit chan struct{}

	// owned by the worker goroutine
	sleepStart time.Time
	backoff    time.Duration
}

func newWorker(id int, p *ThreadPool) *Worker {
	return &Worker{
		id:      id,
		pool:    p,
		local:   queue.New(),
		handoff: queue.New(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// ID returns the worker's pool-unique id.
func (w *Worker) ID() int { return w.id }

// Joined reports whether the worker was told to exit.
func (w *Worker) Joined() bool { return w.joined.Load() }

// Detached reports whether the worker outlives the pool's regular workers.
func (w *Worker) Detached() bool { return w.detached.Load() }

// LastSleep returns how long the worker slept before its last wake-up.
func (w *Worker) LastSleep() time.Duration { return w.lastSleep.Load() }

// Detach keeps the worker alive past pool teardown until endCondition
// returns true while it has no work. Detached workers are never reclaimed.
func (w *Worker) Detach(endCondition func() bool) {
	check.That(endCondition != nil, "worker %d: detach with nil end condition", w.id)
	w.pool.mu.Lock()
	defer w.pool.mu.Unlock()
	check.That(!w.detached.Load(), "worker %d detached twice", w.id)
	w.endCondition = endCondition
	w.detached.Store(true)
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) run() {
	p := w.pool
	defer p.workerExited(w)
	for {
		if !w.sleepStart.IsZero() {
			slept := time.Since(w.sleepStart)
			w.sleepStart = time.Time{}
			w.lastSleep.Store(slept)
			p.metrics.Histogram(metricWorkerSleepSeconds).ObserveDuration(slept)
		}

		j, ok := p.take(w)
		if !ok {
			return
		}
		if j != nil {
			w.backoff = 0
			w.execute(j)
			continue
		}
		if w.detached.Load() && w.endCondition() {
			return
		}

		d := p.recommendedSleep(w)
		p.metrics.Counter(metricWorkerSleep).Inc()
		w.sleepStart = time.Now()
		timer := time.NewTimer(d)
		select {
		case <-w.wake:
		case <-w.quit:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (w *Worker) execute(j *job) {
	p := w.pool
	start := p.cfg.now()
	if !j.deadline.IsZero() && start.After(j.deadline) {
		p.metrics.Counter(metricSequencedLate).Inc()
		p.logger.Warn("sequenced job started past its deadline",
			"worker", w.id, "late", start.Sub(j.deadline))
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.handlePanic(w, r)
			}
		}()
		j.fn()
	}()
	p.metrics.Histogram(metricJobSeconds).ObserveDuration(p.cfg.now().Sub(start))
	p.metrics.Counter(metricJobsCompleted).Inc()
	p.finish(w, j)
}
