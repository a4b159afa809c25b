// Package check implements fatal invariant checks.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A failed check panics with *Violation. Nothing in the runtime recovers a
// Violation except the process entry point, which hands it to the crash
// handler: the guarded invariants protect goroutine and descriptor lifetime,
// so continuing after one is never safe.

package check

import (
	"errors"
	"fmt"
	"runtime"
)

// Violation describes a failed invariant.
type Violation struct {
	Msg    string
	Caller string
	Err    error
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Caller == "" {
		return "check failed: " + v.Msg
	}
	return fmt.Sprintf("check failed at %s: %s", v.Caller, v.Msg)
}

// Unwrap returns the error that triggered the violation, if any.
func (v *Violation) Unwrap() error { return v.Err }

// That panics with a Violation when cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		fail(nil, format, args...)
	}
}

// Failf panics with a Violation unconditionally.
func Failf(format string, args ...any) {
	fail(nil, format, args...)
}

// NoError panics with a Violation wrapping err when err is non-nil.
func NoError(err error, format string, args ...any) {
	if err != nil {
		fail(err, format+": %v", append(args, err)...)
	}
}

// AsViolation extracts a Violation from a recovered panic value.
func AsViolation(r any) (*Violation, bool) {
	switch v := r.(type) {
	case *Violation:
		return v, true
	case error:
		var viol *Violation
		if errors.As(v, &viol) {
			return viol, true
		}
	}
	return nil, false
}

func fail(err error, format string, args ...any) {
	v := &Violation{Msg: fmt.Sprintf(format, args...), Err: err}
	if _, file, line, ok := runtime.Caller(2); ok {
		v.Caller = fmt.Sprintf("%s:%d", file, line)
	}
	panic(v)
}

// Catch runs fn and returns the Violation it raised, or nil. Other panics
// propagate.
func Catch(fn func()) (v *Violation) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if v, ok = AsViolation(r); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}
