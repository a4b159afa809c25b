// File: api/handler.go
// Package api defines service-facing contracts.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// HealthChecker is the only thing the runtime needs from a registered service.
type HealthChecker interface {
	Healthy() bool
}

// HealthFunc adapts a plain function to HealthChecker.
type HealthFunc func() bool

// Healthy implements HealthChecker.
func (f HealthFunc) Healthy() bool { return f() }
