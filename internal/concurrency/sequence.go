// File: internal/concurrency/sequence.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"fmt"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/phab-native/api"
)

// Sequence is a stream of jobs that run strictly one after another. The
// stream's first job goes to the first free worker; the worker finishing a
// job of the stream runs the stream's next job next.
type Sequence struct {
	pool    *ThreadPool
	queued  *queue.Queue // guarded by pool.mu
	running bool         // guarded by pool.mu
}

// NewSequence returns an independent job stream on p.
func (p *ThreadPool) NewSequence() *Sequence {
	return &Sequence{pool: p, queued: queue.New()}
}

// Post appends fn to the stream. A positive deadline is relative to now; a job
// started past it still runs but is logged and counted as late.
func (s *Sequence) Post(fn func(), deadline time.Duration) error {
	if fn == nil {
		return fmt.Errorf("%w: nil job", api.ErrInvalidArgument)
	}
	p := s.pool
	now := p.cfg.now()
	j := &job{fn: fn, seq: s, posted: now}
	if deadline > 0 {
		j.deadline = now.Add(deadline)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.pending.Inc()
	if s.running {
		s.queued.Add(j)
		p.mu.Unlock()
		p.metrics.Counter(metricJobsPosted).Inc()
		return nil
	}
	s.running = true
	p.readyLocked(j)
	p.mu.Unlock()

	p.metrics.Counter(metricJobsPosted).Inc()
	p.watchdog.Schedule()
	return nil
}

// Len returns the number of jobs waiting behind the running one.
func (s *Sequence) Len() int {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.queued.Length()
}
