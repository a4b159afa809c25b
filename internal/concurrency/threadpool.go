// File: internal/concurrency/threadpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ThreadPool dispatches jobs across worker goroutines, using per-worker local
// queues, a shared FIFO queue and stealing between workers. Sequenced streams
// wait in a ready list until any worker is free; a stream's next job then
// stays with the worker that ran the previous one. All queue and worker state
// lives under one mutex; counters read on hot paths are atomic.

package concurrency

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/internal/check"
	"github.com/momentics/phab-native/internal/logging"
)

const (
	metricWorkerSleep        = "phab.core.ThreadPool.Worker.sleep"
	metricWorkerSleepSeconds = "phab.core.ThreadPool.Worker.sleep_seconds"
	metricWorkers            = "phab.core.ThreadPool.workers"
	metricJobsPosted         = "phab.core.ThreadPool.jobs.posted"
	metricJobsCompleted      = "phab.core.ThreadPool.jobs.completed"
	metricJobPanics          = "phab.core.ThreadPool.jobs.panics"
	metricJobSeconds         = "phab.core.ThreadPool.jobs.seconds"
	metricSequencedLate      = "phab.core.ThreadPool.sequenced.late"
	metricReclaimed          = "phab.core.ThreadPool.Watchdog.reclaimed"
)

const shutdownPollInterval = 5 * time.Millisecond

var _ api.Executor = (*ThreadPool)(nil)

type job struct {
	fn       func()
	seq      *Sequence
	posted   time.Time
	deadline time.Time
}

type poolConfig struct {
	name        string
	logger      *slog.Logger
	metrics     *control.MetricsRegistry
	watchdog    time.Duration
	idle        time.Duration
	hang        time.Duration
	minSleep    time.Duration
	maxSleep    time.Duration
	onViolation func(*check.Violation)
	now         func() time.Time
}

// PoolOption configures a ThreadPool.
type PoolOption func(*poolConfig)

// WithPoolName names the pool in logs.
func WithPoolName(name string) PoolOption {
	return func(c *poolConfig) { c.name = name }
}

// WithPoolLogger sets the logger used by workers and the watchdog.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = l }
}

// WithPoolMetrics sets the registry pool metrics are recorded in.
func WithPoolMetrics(m *control.MetricsRegistry) PoolOption {
	return func(c *poolConfig) { c.metrics = m }
}

// WithWatchdogBase sets the base sleep of the watchdog.
func WithWatchdogBase(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.watchdog = d }
}

// WithIdleThreshold sets how long a worker may stay idle before it is reclaimed.
// Zero disables idle reclamation.
func WithIdleThreshold(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.idle = d }
}

// WithHangThreshold sets how long a single job may run before its worker is
// abandoned and replaced. Zero disables hang detection.
func WithHangThreshold(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.hang = d }
}

// WithSleepBounds bounds the backoff of idle workers.
func WithSleepBounds(min, max time.Duration) PoolOption {
	return func(c *poolConfig) {
		c.minSleep = min
		c.maxSleep = max
	}
}

// WithViolationHandler receives fatal check violations raised inside jobs.
// Without one the violation is re-panicked on the worker goroutine.
func WithViolationHandler(fn func(*check.Violation)) PoolOption {
	return func(c *poolConfig) { c.onViolation = fn }
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		name:     "default",
		watchdog: 100 * time.Millisecond,
		idle:     time.Minute,
		hang:     30 * time.Second,
		minSleep: time.Millisecond,
		maxSleep: 250 * time.Millisecond,
		now:      time.Now,
	}
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Workers   int
	Idle      int
	Queued    int
	Ready     int
	Pending   int64
	InFlight  int64
	Completed int64
	Reclaimed int64
}

// ThreadPool runs posted jobs on up to Concurrency() worker goroutines.
type ThreadPool struct {
	cfg         poolConfig
	concurrency int
	logger      *slog.Logger
	metrics     *control.MetricsRegistry

	mu           sync.Mutex
	shared       *queue.Queue // of *job
	ready        *queue.Queue // of *job, heads of sequenced streams
	workers      []*Worker
	nextID       int
	rr           int
	shuttingDown bool
	closed       bool
	drainer      *Worker
	defaultSeq   *Sequence

	closing   atomic.Bool
	pending   atomic.Int64 // queued + running
	inflight  atomic.Int64
	completed atomic.Int64
	reclaimed atomic.Int64

	watchdog *Watchdog
}

// NewThreadPool starts a pool with concurrency workers and its watchdog.
// If concurrency <= 0, defaults to runtime.NumCPU().
func NewThreadPool(concurrency int, opts ...PoolOption) *ThreadPool {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	check.That(cfg.minSleep > 0 && cfg.minSleep <= cfg.maxSleep,
		"invalid worker sleep bounds %v..%v", cfg.minSleep, cfg.maxSleep)
	if cfg.metrics == nil {
		cfg.metrics = control.NewMetricsRegistry()
	}
	p := &ThreadPool{
		cfg:         cfg,
		concurrency: concurrency,
		logger:      logging.OrDiscard(cfg.logger).With("pool", cfg.name),
		metrics:     cfg.metrics,
		shared:      queue.New(),
		ready:       queue.New(),
	}
	p.defaultSeq = p.NewSequence()

	p.mu.Lock()
	for i := 0; i < concurrency; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.watchdog = newWatchdog(p, cfg.watchdog)
	go p.watchdog.run()
	p.logger.Debug("thread pool started", "concurrency", concurrency)
	return p
}

// Concurrency returns the maximum number of live workers.
func (p *ThreadPool) Concurrency() int { return p.concurrency }

// Watchdog returns the pool's watchdog.
func (p *ThreadPool) Watchdog() *Watchdog { return p.watchdog }

// PostJob enqueues fn on the shared queue. During shutdown the job is routed
// to the shutdown worker.
func (p *ThreadPool) PostJob(fn func()) error {
	if fn == nil {
		return fmt.Errorf("%w: nil job", api.ErrInvalidArgument)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.shuttingDown {
		p.mu.Unlock()
		return p.PostShutdownJob(fn)
	}
	p.pending.Inc()
	p.shared.Add(&job{fn: fn, posted: p.cfg.now()})
	p.notifyLocked()
	p.mu.Unlock()

	p.metrics.Counter(metricJobsPosted).Inc()
	p.watchdog.Schedule()
	return nil
}

// PostSequencedJob posts fn on the pool's default sequence.
func (p *ThreadPool) PostSequencedJob(fn func(), deadline time.Duration) error {
	return p.defaultSeq.Post(fn, deadline)
}

// PostShutdownJob runs fn on the shutdown worker, or on any live worker when
// the pool is not shutting down. It never spawns a worker.
func (p *ThreadPool) PostShutdownJob(fn func()) error {
	if fn == nil {
		return fmt.Errorf("%w: nil job", api.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	w := p.drainer
	if w == nil {
		w = p.pickWorkerLocked()
	}
	if w == nil {
		return fmt.Errorf("%w: no worker for shutdown job", api.ErrResourceExhausted)
	}
	p.pending.Inc()
	w.local.Add(&job{fn: fn, posted: p.cfg.now()})
	w.signal()
	return nil
}

// HasTasks reports whether any job is queued or running.
func (p *ThreadPool) HasTasks() bool { return p.pending.Load() > 0 }

// Stats returns a snapshot of the pool.
func (p *ThreadPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		Queued:    p.shared.Length(),
		Ready:     p.ready.Length(),
		Pending:   p.pending.Load(),
		InFlight:  p.inflight.Load(),
		Completed: p.completed.Load(),
		Reclaimed: p.reclaimed.Load(),
	}
	for _, w := range p.workers {
		if w.joined.Load() {
			continue
		}
		st.Workers++
		if w.idle {
			st.Idle++
		}
	}
	return st
}

// Workers returns the live workers.
func (p *ThreadPool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.joined.Load() {
			out = append(out, w)
		}
	}
	return out
}

// SplitTasks moves every job of the shared queue round-robin onto the local
// queues of live workers and wakes them. It returns the number of jobs moved.
func (p *ThreadPool) SplitTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var targets []*Worker
	for _, w := range p.workers {
		if !w.joined.Load() && !w.detached.Load() {
			targets = append(targets, w)
		}
	}
	if len(targets) == 0 {
		return 0
	}
	n := 0
	for p.shared.Length() > 0 {
		targets[n%len(targets)].local.Add(p.shared.Remove())
		n++
	}
	for _, w := range targets {
		w.idle = false
		w.signal()
	}
	return n
}

// Shutdown stops accepting regular jobs and waits until condition holds or
// deadline expires. A nil condition waits for all jobs to finish. Jobs still
// running at expiry are abandoned, not cancelled.
func (p *ThreadPool) Shutdown(condition func() bool, deadline time.Duration) error {
	if condition == nil {
		condition = func() bool { return !p.HasTasks() }
	}
	p.mu.Lock()
	if p.closed || p.shuttingDown {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.shuttingDown = true
	drainer := p.pickDrainerLocked()
	drainer.endCondition = p.closing.Load
	drainer.detached.Store(true)
	p.drainer = drainer
	p.mu.Unlock()
	p.logger.Info("thread pool shutting down", "deadline", deadline, "drainer", drainer.id)

	met := condition()
	if !met {
		timer := time.NewTimer(deadline)
		ticker := time.NewTicker(shutdownPollInterval)
	wait:
		for {
			select {
			case <-timer.C:
				break wait
			case <-ticker.C:
				if met = condition(); met {
					break wait
				}
			}
		}
		timer.Stop()
		ticker.Stop()
	}

	_, err := p.watchdog.Force()
	check.NoError(err, "thread pool %q: forced watchdog collection", p.cfg.name)
	p.watchdog.stop()
	abandoned := p.close()

	if !met {
		p.logger.Warn("thread pool shutdown deadline expired", "abandoned", abandoned)
		return fmt.Errorf("%w: %d jobs abandoned", ErrShutdownDeadline, abandoned)
	}
	p.logger.Info("thread pool stopped", "completed", p.completed.Load())
	return nil
}

// close joins all regular workers and wakes detached ones so they can observe
// their end condition. It returns the number of jobs left behind.
func (p *ThreadPool) close() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closing.Store(true)
	for _, w := range p.workers {
		if w.detached.Load() {
			w.signal()
			continue
		}
		p.joinLocked(w)
	}
	return p.pending.Load()
}

func (p *ThreadPool) pickDrainerLocked() *Worker {
	for _, w := range p.workers {
		if !w.joined.Load() && !w.detached.Load() && w.idle {
			return w
		}
	}
	for _, w := range p.workers {
		if !w.joined.Load() && !w.detached.Load() {
			return w
		}
	}
	return p.spawnLocked()
}

func (p *ThreadPool) spawnLocked() *Worker {
	w := newWorker(p.nextID, p)
	w.slot = len(p.workers)
	p.nextID++
	p.workers = append(p.workers, w)
	p.metrics.Gauge(metricWorkers).Set(float64(p.liveLocked()))
	go w.run()
	return w
}

func (p *ThreadPool) liveLocked() int {
	n := 0
	for _, w := range p.workers {
		if !w.joined.Load() {
			n++
		}
	}
	return n
}

func (p *ThreadPool) joinLocked(w *Worker) {
	if w.joined.CompareAndSwap(false, true) {
		close(w.quit)
	}
}

// notifyLocked wakes one idle worker, or spawns one when none is idle and
// the pool is below capacity.
func (p *ThreadPool) notifyLocked() {
	for _, w := range p.workers {
		if !w.joined.Load() && w.idle {
			w.idle = false
			w.signal()
			return
		}
	}
	if p.liveLocked() < p.concurrency {
		p.spawnLocked()
	}
}

// pickWorkerLocked prefers an idle worker, then any live worker round-robin.
func (p *ThreadPool) pickWorkerLocked() *Worker {
	var live []*Worker
	for _, w := range p.workers {
		if w.joined.Load() {
			continue
		}
		if w.idle {
			w.idle = false
			return w
		}
		live = append(live, w)
	}
	if len(live) == 0 {
		return nil
	}
	p.rr++
	return live[p.rr%len(live)]
}

// take returns the next job for w. ok is false when w must exit.
func (p *ThreadPool) take(w *Worker) (j *job, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.joined.Load() {
		return nil, false
	}
	switch {
	case w.handoff.Length() > 0:
		j = w.handoff.Remove().(*job)
	case w.local.Length() > 0:
		j = w.local.Remove().(*job)
	case p.closed:
		// past close only work already owned by the worker runs
	case p.ready.Length() > 0:
		j = p.ready.Remove().(*job)
	case p.shared.Length() > 0:
		j = p.shared.Remove().(*job)
	default:
		j = p.stealLocked(w)
	}
	if j == nil {
		if !w.idle {
			w.idle = true
			w.idleSince = p.cfg.now()
		}
		return nil, true
	}
	w.idle = false
	w.current = j
	w.jobStarted = p.cfg.now()
	p.inflight.Inc()
	return j, true
}

// stealLocked takes the head of another worker's local queue. Local queues
// never hold sequenced jobs and the shutdown worker's queue is not stolen from.
func (p *ThreadPool) stealLocked(w *Worker) *job {
	n := len(p.workers)
	for i := 1; i <= n; i++ {
		o := p.workers[(w.slot+i)%n]
		if o == w || o.detached.Load() || o.local.Length() == 0 {
			continue
		}
		return o.local.Remove().(*job)
	}
	return nil
}

func (p *ThreadPool) finish(w *Worker, j *job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.current = nil
	p.inflight.Dec()
	p.completed.Inc()
	p.pending.Dec()

	s := j.seq
	if s == nil {
		return
	}
	if s.queued.Length() == 0 {
		s.running = false
		return
	}
	next := s.queued.Remove().(*job)
	switch {
	case !w.joined.Load():
		w.handoff.Add(next)
	case !p.closed:
		// w was abandoned while running; the stream goes back to the pool
		p.readyLocked(next)
	case p.drainer != nil && !p.drainer.joined.Load():
		p.drainer.handoff.Add(next)
		p.drainer.signal()
	default:
		// pool torn down; the rest of the stream is abandoned
		s.queued.Add(next)
		s.running = false
	}
}

// readyLocked queues the head of a sequenced stream for the first free worker.
func (p *ThreadPool) readyLocked(j *job) {
	p.ready.Add(j)
	p.notifyLocked()
}

// releaseQueuesLocked hands the jobs owned by a joined worker back to the
// pool and wakes a worker per job moved.
func (p *ThreadPool) releaseQueuesLocked(w *Worker) {
	moved := 0
	for w.handoff.Length() > 0 {
		p.ready.Add(w.handoff.Remove())
		moved++
	}
	for w.local.Length() > 0 {
		p.shared.Add(w.local.Remove())
		moved++
	}
	for i := 0; i < moved; i++ {
		p.notifyLocked()
	}
}

// workerExited hands the worker's queued jobs to the rest of the pool.
func (p *ThreadPool) workerExited(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, o := range p.workers {
		if o == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	for i, o := range p.workers {
		o.slot = i
	}
	if p.drainer == w {
		p.drainer = nil
	}
	p.metrics.Gauge(metricWorkers).Set(float64(p.liveLocked()))
	if p.closed {
		return
	}
	p.releaseQueuesLocked(w)
}

// collect reclaims idle and hung workers.
func (p *ThreadPool) collect() (int, error) {
	now := p.cfg.now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrCollectFailed
	}
	snapshot := append([]*Worker(nil), p.workers...)
	n := 0
	for _, w := range snapshot {
		if w.joined.Load() || w.detached.Load() {
			continue
		}
		switch {
		case w.current != nil && p.cfg.hang > 0 && now.Sub(w.jobStarted) > p.cfg.hang:
			p.joinLocked(w)
			n++
			p.logger.Warn("abandoning hung worker", "worker", w.id, "running", now.Sub(w.jobStarted))
			if p.liveLocked() < p.concurrency {
				p.spawnLocked()
			}
			p.releaseQueuesLocked(w)
		case w.idle && p.cfg.idle > 0 && now.Sub(w.idleSince) > p.cfg.idle && p.liveLocked() > 1:
			p.joinLocked(w)
			n++
			p.logger.Debug("reclaiming idle worker", "worker", w.id)
			p.releaseQueuesLocked(w)
		}
	}
	p.mu.Unlock()

	if n > 0 {
		p.reclaimed.Add(int64(n))
		p.metrics.Counter(metricReclaimed).Add(float64(n))
	}
	return n, nil
}

// recommendedSleep backs an idle worker off exponentially within the
// configured bounds. A backlog keeps the sleep at the minimum.
func (p *ThreadPool) recommendedSleep(w *Worker) time.Duration {
	if w.backoff == 0 {
		w.backoff = p.cfg.minSleep
	} else {
		w.backoff *= 2
	}
	if w.backoff > p.cfg.maxSleep {
		w.backoff = p.cfg.maxSleep
	}
	if p.pending.Load() > p.inflight.Load() {
		return p.cfg.minSleep
	}
	return w.backoff
}

func (p *ThreadPool) handlePanic(w *Worker, r any) {
	if v, ok := check.AsViolation(r); ok {
		if p.cfg.onViolation != nil {
			p.cfg.onViolation(v)
			return
		}
		panic(v)
	}
	p.metrics.Counter(metricJobPanics).Inc()
	p.logger.Error("job panicked", "worker", w.id, "panic", r)
}
