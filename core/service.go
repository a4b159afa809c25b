// File: core/service.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package core

import (
	"context"

	"github.com/momentics/phab-native/api"
)

// Service is a named entry of the service table.
type Service struct {
	name string
	impl api.HealthChecker
	ctx  context.Context
}

// Name returns the registration name.
func (s Service) Name() string { return s.name }

// Impl returns the registered implementation.
func (s Service) Impl() api.HealthChecker { return s.impl }

// Healthy asks the implementation for its health.
func (s Service) Healthy() bool { return s.impl.Healthy() }

// Context returns the context the service was registered with.
func (s Service) Context() context.Context { return s.ctx }
