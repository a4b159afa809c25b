// File: internal/concurrency/watchdog.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/momentics/phab-native/internal/check"
)

// maxWatchdogDelay bounds the delay between two collections.
const maxWatchdogDelay = 3 * time.Minute

// Watchdog periodically reclaims idle workers and abandons hung ones. It
// never outlives its pool.
type Watchdog struct {
	pool *ThreadPool
	base time.Duration

	mu         sync.Mutex
	lastWakeup time.Time
	now        func() time.Time

	forced   atomic.Bool
	nudge    chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWatchdog(p *ThreadPool, base time.Duration) *Watchdog {
	if base <= 0 {
		base = defaultPoolConfig().watchdog
	}
	// keep base × workers + the variable term under the ceiling
	if limit := maxWatchdogDelay / time.Duration(2*p.concurrency+1); base > limit {
		base = limit
	}
	return &Watchdog{
		pool:   p,
		base:   base,
		now:    p.cfg.now,
		nudge:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Schedule wakes the watchdog early. It never blocks.
func (wd *Watchdog) Schedule() {
	select {
	case wd.nudge <- struct{}{}:
	default:
	}
}

// Collect reclaims idle and hung workers and returns how many were joined.
func (wd *Watchdog) Collect() (int, error) {
	return wd.pool.collect()
}

// Force runs one collection outside the regular schedule. It may run once;
// later calls return ErrAlreadyForced.
func (wd *Watchdog) Force() (int, error) {
	if !wd.forced.CompareAndSwap(false, true) {
		return 0, ErrAlreadyForced
	}
	return wd.Collect()
}

func (wd *Watchdog) run() {
	defer close(wd.done)
	for {
		wait, _, _ := wd.tick()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-wd.nudge:
		case <-wd.stopCh:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

func (wd *Watchdog) stop() {
	wd.stopOnce.Do(func() { close(wd.stopCh) })
	<-wd.done
}

// tick collects when the current delay has elapsed since the last
// collection. It returns how long to wait before the next tick.
func (wd *Watchdog) tick() (time.Duration, int, error) {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	now := wd.now()
	if wd.lastWakeup.IsZero() {
		wd.lastWakeup = now
		return wd.base, 0, nil
	}

	delay := wd.delay(wd.pool.Stats())
	check.That(delay < maxWatchdogDelay, "watchdog delay %v exceeds %v", delay, maxWatchdogDelay)
	if elapsed := now.Sub(wd.lastWakeup); elapsed < delay {
		return delay - elapsed, 0, nil
	}

	wd.lastWakeup = now
	n, err := wd.Collect()
	if err != nil {
		wd.pool.logger.Warn("watchdog collection failed", "error", err)
	}
	if delay < wd.base {
		delay = wd.base
	}
	return delay, n, err
}

// delay is base per live worker plus a variable term that grows with idle
// workers and shrinks as the backlog grows. Worker counts are capped at the
// pool's concurrency: a shutdown drainer spawned next to detached workers
// may exceed it.
func (wd *Watchdog) delay(st PoolStats) time.Duration {
	c := wd.pool.concurrency
	workers, idle := min(st.Workers, c), min(st.Idle, c)
	return wd.base*time.Duration(workers) + wd.base*time.Duration(idle)/time.Duration(1+st.Queued)
}
