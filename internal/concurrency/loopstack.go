// File: internal/concurrency/loopstack.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"context"
	"sync"

	"github.com/momentics/phab-native/internal/check"
)

// LoopStack is the stack of event loops active on one execution context.
// The innermost loop is the one handlers post to; inner loops drain a batch
// and are released before control returns to the outer loop.
type LoopStack struct {
	mu    sync.Mutex
	loops []*EventLoop
}

// NewLoopStack returns an empty stack.
func NewLoopStack() *LoopStack { return &LoopStack{} }

// Create pushes a new loop and returns it with its release func. Loops must
// be released innermost first.
func (s *LoopStack) Create(opts ...LoopOption) (*EventLoop, func()) {
	l := NewEventLoop(opts...)
	s.mu.Lock()
	s.loops = append(s.loops, l)
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			n := len(s.loops)
			check.That(n > 0 && s.loops[n-1] == l, "event loop %q released out of order", l.name)
			s.loops[n-1] = nil
			s.loops = s.loops[:n-1]
			l.Quit()
		})
	}
	return l, release
}

// Get returns the innermost loop. Calling it with no active loop is a
// programming error.
func (s *LoopStack) Get() *EventLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	check.That(len(s.loops) > 0, "no active event loop")
	return s.loops[len(s.loops)-1]
}

// Depth returns the number of active loops.
func (s *LoopStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

type loopStackKey struct{}

// WithLoopStack returns a context carrying s.
func WithLoopStack(ctx context.Context, s *LoopStack) context.Context {
	return context.WithValue(ctx, loopStackKey{}, s)
}

// LoopStackFrom returns the stack carried by ctx.
func LoopStackFrom(ctx context.Context) (*LoopStack, bool) {
	s, ok := ctx.Value(loopStackKey{}).(*LoopStack)
	return s, ok
}
