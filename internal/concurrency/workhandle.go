// File: internal/concurrency/workhandle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import (
	"os"
	"strconv"
	"time"

	"go.uber.org/atomic"
)

// WorkKind identifies a variant of WorkHandle an EventLoop accepts.
type WorkKind uint8

const (
	KindFunc WorkKind = iota + 1
	KindAccept
	KindRead
	KindWriteResponse
	KindOpenFile

	// KindCustom is the first kind available for loop-specific variants
	// registered with WithWorkKinds.
	KindCustom WorkKind = 64
)

func (k WorkKind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindAccept:
		return "accept"
	case KindRead:
		return "read"
	case KindWriteResponse:
		return "write_response"
	case KindOpenFile:
		return "open_file"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func builtinKinds() []WorkKind {
	return []WorkKind{KindFunc, KindAccept, KindRead, KindWriteResponse, KindOpenFile}
}

// WorkHandle is a unit of work posted to an EventLoop. Work may run several
// times; the loop re-enqueues a handle until it reports Done or TimedOut.
type WorkHandle interface {
	Work()
	TimedOut() bool
	Done() bool
	Kind() WorkKind
}

// Expirer is implemented by handles that hold resources the producer must
// release when the loop drops the handle past its deadline. Expire runs on
// the loop goroutine.
type Expirer interface {
	Expire()
}

// Deadline is embedded by handles with an optional absolute deadline.
type Deadline struct {
	at time.Time
}

// NewDeadline returns a deadline timeout from now; zero means none.
func NewDeadline(timeout time.Duration) Deadline {
	if timeout <= 0 {
		return Deadline{}
	}
	return Deadline{at: time.Now().Add(timeout)}
}

// TimedOut reports whether the deadline has passed.
func (d Deadline) TimedOut() bool {
	return !d.at.IsZero() && time.Now().After(d.at)
}

// FuncWork runs a callback once on the loop.
type FuncWork struct {
	Deadline
	fn   func()
	done atomic.Bool
}

// NewFuncWork wraps fn; a positive timeout drops the handle if the loop
// reaches it too late.
func NewFuncWork(fn func(), timeout time.Duration) *FuncWork {
	return &FuncWork{Deadline: NewDeadline(timeout), fn: fn}
}

func (f *FuncWork) Work() {
	defer f.done.Store(true)
	f.fn()
}

func (f *FuncWork) Done() bool     { return f.done.Load() }
func (f *FuncWork) Kind() WorkKind { return KindFunc }

// OpenFileWork opens a file on the loop and hands the result to deliver.
type OpenFileWork struct {
	Deadline
	path    string
	flag    int
	perm    os.FileMode
	deliver func(*os.File, error)
	done    atomic.Bool
}

// NewOpenFileWork returns a handle opening path with flag and perm.
func NewOpenFileWork(path string, flag int, perm os.FileMode, timeout time.Duration, deliver func(*os.File, error)) *OpenFileWork {
	return &OpenFileWork{
		Deadline: NewDeadline(timeout),
		path:     path,
		flag:     flag,
		perm:     perm,
		deliver:  deliver,
	}
}

func (o *OpenFileWork) Work() {
	defer o.done.Store(true)
	f, err := os.OpenFile(o.path, o.flag, o.perm)
	o.deliver(f, err)
}

func (o *OpenFileWork) Done() bool     { return o.done.Load() }
func (o *OpenFileWork) Kind() WorkKind { return KindOpenFile }
