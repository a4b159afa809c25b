// File: internal/concurrency/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop runs WorkHandles on a single goroutine locked to its OS thread.
// Handles run in FIFO order; a handle that is neither done nor timed out
// after Work goes back to the tail of the queue.

package concurrency

import (
	"context"
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
	metricLoopDispatched = "phab.core.EventLoop.dispatched"
	metricLoopTimedOut   = "phab.core.EventLoop.timed_out"
	metricLoopPanics     = "phab.core.EventLoop.panics"
)

const (
	minIdleBackoff = 50 * time.Microsecond
	maxIdleBackoff = 10 * time.Millisecond
)

// LoopState is the lifecycle state of an EventLoop.
type LoopState int32

const (
	LoopNotStarted LoopState = iota
	LoopRunning
	LoopQuitNotified
	LoopStopped
)

func (s LoopState) String() string {
	switch s {
	case LoopNotStarted:
		return "not_started"
	case LoopRunning:
		return "running"
	case LoopQuitNotified:
		return "quit_notified"
	case LoopStopped:
		return "stopped"
	}
	return fmt.Sprintf("LoopState(%d)", int32(s))
}

type loopConfig struct {
	name    string
	logger  *slog.Logger
	metrics *control.MetricsRegistry
	kinds   []WorkKind
}

// LoopOption configures an EventLoop.
type LoopOption func(*loopConfig)

// WithLoopName names the loop in logs.
func WithLoopName(name string) LoopOption {
	return func(c *loopConfig) { c.name = name }
}

// WithLoopLogger sets the loop logger.
func WithLoopLogger(l *slog.Logger) LoopOption {
	return func(c *loopConfig) { c.logger = l }
}

// WithLoopMetrics sets the registry loop metrics are recorded in.
func WithLoopMetrics(m *control.MetricsRegistry) LoopOption {
	return func(c *loopConfig) { c.metrics = m }
}

// WithWorkKinds registers additional handle kinds the loop accepts on top
// of the built-in ones.
func WithWorkKinds(kinds ...WorkKind) LoopOption {
	return func(c *loopConfig) { c.kinds = append(c.kinds, kinds...) }
}

// EventLoop is a FIFO queue of WorkHandles drained by Exec.
type EventLoop struct {
	name    string
	logger  *slog.Logger
	metrics *control.MetricsRegistry
	kinds   map[WorkKind]struct{}

	mu    sync.Mutex
	queue *queue.Queue // of WorkHandle

	state    atomic.Int32
	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

// NewEventLoop returns a loop that has not started yet.
func NewEventLoop(opts ...LoopOption) *EventLoop {
	cfg := loopConfig{name: "loop"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = control.NewMetricsRegistry()
	}
	l := &EventLoop{
		name:    cfg.name,
		logger:  logging.OrDiscard(cfg.logger).With("loop", cfg.name),
		metrics: cfg.metrics,
		kinds:   make(map[WorkKind]struct{}),
		queue:   queue.New(),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	for _, k := range builtinKinds() {
		l.kinds[k] = struct{}{}
	}
	for _, k := range cfg.kinds {
		l.kinds[k] = struct{}{}
	}
	return l
}

// Name returns the loop name.
func (l *EventLoop) Name() string { return l.name }

// State returns the current lifecycle state.
func (l *EventLoop) State() LoopState { return LoopState(l.state.Load()) }

// QuitNotified reports whether Quit was called.
func (l *EventLoop) QuitNotified() bool { return l.State() >= LoopQuitNotified }

// Pending returns the number of queued handles.
func (l *EventLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Length()
}

// Post enqueues h. It is safe to call from any goroutine.
func (l *EventLoop) Post(h WorkHandle) error {
	if h == nil {
		return fmt.Errorf("%w: nil work handle", api.ErrInvalidArgument)
	}
	if l.QuitNotified() {
		return ErrLoopQuit
	}
	if _, ok := l.kinds[h.Kind()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorkKind, h.Kind())
	}
	l.enqueue(h)
	l.Wake()
	return nil
}

// PostFunc posts fn as a FuncWork without deadline.
func (l *EventLoop) PostFunc(fn func()) error {
	return l.Post(NewFuncWork(fn, 0))
}

// Wake interrupts an idle wait, e.g. when a poller saw readiness.
func (l *EventLoop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Quit asks the loop to stop after the handle it is running.
func (l *EventLoop) Quit() {
	for {
		s := l.state.Load()
		if LoopState(s) >= LoopQuitNotified {
			return
		}
		if l.state.CompareAndSwap(s, int32(LoopQuitNotified)) {
			break
		}
	}
	l.quitOnce.Do(func() { close(l.quit) })
}

// Exec runs the loop on the calling goroutine, locked to its OS thread,
// until Quit is called or ctx is done. Handles still queued at that point
// are left in place.
func (l *EventLoop) Exec(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(LoopNotStarted), int32(LoopRunning)) {
		if l.QuitNotified() {
			return ErrLoopQuit
		}
		return ErrLoopRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer l.state.Store(int32(LoopStopped))
	if ctx == nil {
		ctx = context.Background()
	}

	l.logger.Debug("event loop running")
	var (
		requeued int
		backoff  time.Duration
	)
	for !l.QuitNotified() {
		h, ok := l.pop()
		if !ok {
			backoff = 0
			select {
			case <-l.wake:
			case <-l.quit:
			case <-ctx.Done():
				l.Quit()
			}
			continue
		}
		if l.dispatch(h) {
			requeued = 0
			backoff = 0
			continue
		}
		// a full pass where every handle went back to the queue
		if requeued++; requeued >= l.Pending() {
			requeued = 0
			backoff = l.idleWait(ctx, backoff)
		}
	}
	l.logger.Debug("event loop stopped", "pending", l.Pending())
	return nil
}

func (l *EventLoop) idleWait(ctx context.Context, backoff time.Duration) time.Duration {
	if backoff == 0 {
		backoff = minIdleBackoff
	} else if backoff *= 2; backoff > maxIdleBackoff {
		backoff = maxIdleBackoff
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.wake:
		return 0
	case <-l.quit:
	case <-ctx.Done():
		l.Quit()
	}
	return backoff
}

// dispatch runs h once. It reports whether h left the queue for good.
func (l *EventLoop) dispatch(h WorkHandle) bool {
	if h.Done() {
		return true
	}
	if h.TimedOut() {
		l.dropTimedOut(h)
		return true
	}
	l.metrics.Counter(metricLoopDispatched).Inc()
	if !l.work(h) || h.Done() {
		return true
	}
	if h.TimedOut() {
		l.dropTimedOut(h)
		return true
	}
	l.enqueue(h)
	return false
}

func (l *EventLoop) work(h WorkHandle) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if v, isViolation := check.AsViolation(r); isViolation {
				panic(v)
			}
			l.metrics.Counter(metricLoopPanics).Inc()
			l.logger.Error("work handle panicked", "kind", h.Kind().String(), "panic", r)
			ok = false
		}
	}()
	h.Work()
	return true
}

func (l *EventLoop) dropTimedOut(h WorkHandle) {
	l.metrics.Counter(metricLoopTimedOut).Inc()
	l.logger.Debug("dropping timed out work", "kind", h.Kind().String())
	if e, ok := h.(Expirer); ok {
		e.Expire()
	}
}

func (l *EventLoop) enqueue(h WorkHandle) {
	l.mu.Lock()
	l.queue.Add(h)
	l.mu.Unlock()
}

func (l *EventLoop) pop() (WorkHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queue.Length() == 0 {
		return nil, false
	}
	return l.queue.Remove().(WorkHandle), true
}
