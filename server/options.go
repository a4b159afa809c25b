// File: server/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/core"
	"github.com/momentics/phab-native/internal/concurrency"
	"github.com/momentics/phab-native/netserver"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 80

// Options configures Create.
type Options struct {
	// Debug serves the diagnostic routes on DebugAddr.
	// This is insecure and may leak private data.
	Debug bool
	// Domain is the IP literal to host on; empty means loopback.
	Domain string
	// Port to listen on. Zero means DefaultPort, negative an ephemeral port.
	Port int
	// DebugAddr is the host:port of the diagnostic HTTP server.
	DebugAddr string
	// MaxConcurrency bounds the worker count; zero means one per CPU.
	MaxConcurrency int
	// Deadline bounds how long a response may take; zero means five seconds.
	Deadline time.Duration
	// OnShutdown runs once Run has stopped serving. It may run on any goroutine.
	OnShutdown func(*core.Context) error
	Logger     *slog.Logger
	Metrics    *control.MetricsRegistry
	// Config backs /flagz. Nil means a snapshot of these options.
	Config *control.ConfigStore
	// Tracer spans every routed request. Nil uses the global provider.
	Tracer trace.Tracer
	// Nagle keeps Nagle's algorithm on accepted connections.
	Nagle bool
	// PoolOptions tune the worker pool.
	PoolOptions []concurrency.PoolOption
}

// ResponseHandler answers one request routed to its path.
type ResponseHandler func(c *core.Context, resp *netserver.Response)

// ServiceSpec describes a service for RegisterServices.
type ServiceSpec struct {
	Name    string
	Impl    api.HealthChecker
	Context context.Context
}

func (o Options) port() int {
	switch {
	case o.Port == 0:
		return DefaultPort
	case o.Port < 0:
		return 0
	}
	return o.Port
}
