// File: core/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/internal/check"
	"github.com/momentics/phab-native/internal/concurrency"
	"github.com/momentics/phab-native/internal/logging"
	"github.com/momentics/phab-native/netserver"
)

const metricServices = "phab.core.Context.services"

// Handler serves one request with access to the owning Context.
type Handler func(c *Context, resp *netserver.Response)

// Context binds the network server, its pool and the service table.
// It is safe for concurrent use.
type Context struct {
	mu       sync.RWMutex
	debug    bool
	host     string
	deadline time.Duration
	started  time.Time
	services map[string]Service
	crash    func()
	handler  Handler

	logger  *slog.Logger
	metrics *control.MetricsRegistry
	probes  *control.DebugProbes
	net     *netserver.Server
}

// Create builds a Context whose pool runs globalConcurrency workers
// (zero means one per CPU).
func Create(debug bool, globalConcurrency int, opts ...Option) (*Context, error) {
	if globalConcurrency < 0 {
		return nil, fmt.Errorf("concurrency %d: %w", globalConcurrency, api.ErrInvalidArgument)
	}
	o := options{deadline: defaultDeadline}
	for _, opt := range opts {
		opt(&o)
	}
	if o.deadline <= 0 {
		o.deadline = defaultDeadline
	}
	if o.metrics == nil {
		o.metrics = control.NewMetricsRegistry()
	}
	c := &Context{
		debug:    debug,
		host:     o.host,
		deadline: o.deadline,
		started:  time.Now(),
		services: make(map[string]Service),
		logger:   logging.OrDiscard(o.logger),
		metrics:  o.metrics,
		probes:   control.NewDebugProbes(),
	}

	netOpts := append([]netserver.Option{
		netserver.WithLogger(c.logger),
		netserver.WithMetrics(c.metrics),
		netserver.WithHandler(c.serve),
		netserver.WithPoolOptions(concurrency.WithViolationHandler(c.violation)),
	}, o.netOpts...)
	srv, err := netserver.Create(netserver.Config{
		Host:           o.host,
		Port:           o.port,
		MaxConcurrency: globalConcurrency,
		Deadline:       o.deadline,
		Nagle:          o.nagle,
	}, netOpts...)
	if err != nil {
		return nil, fmt.Errorf("create network server: %w", err)
	}
	c.net = srv

	c.probes.RegisterProbe("pool", func() any { return srv.Pool().Stats() })
	c.probes.RegisterProbe("connections", func() any { return srv.NumConnections() })
	c.probes.RegisterProbe("inflight", func() any { return srv.Context().InflightResponses() })
	c.probes.RegisterProbe("uptime", func() any { return c.Uptime().String() })
	control.RegisterPlatformProbes(c.probes)
	return c, nil
}

// Debug reports whether diagnostic-only features are enabled.
func (c *Context) Debug() bool { return c.debug }

// Host returns the configured listen host.
func (c *Context) Host() string { return c.host }

// MaxGlobalConcurrency returns the worker count of the pool.
func (c *Context) MaxGlobalConcurrency() int { return c.net.Pool().Concurrency() }

// Deadline returns the per-response deadline.
func (c *Context) Deadline() time.Duration { return c.deadline }

// Metrics returns the shared metrics registry.
func (c *Context) Metrics() *control.MetricsRegistry { return c.metrics }

// Probes returns the debug probes describing this context.
func (c *Context) Probes() *control.DebugProbes { return c.probes }

// Network returns the network server.
func (c *Context) Network() *netserver.Server { return c.net }

// NetContext returns the network server's request context.
func (c *Context) NetContext() *netserver.Context { return c.net.Context() }

// Logger returns the shared logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Uptime returns how long ago the context was created.
func (c *Context) Uptime() time.Duration { return time.Since(c.started) }

// SetHandler replaces the request handler. Requests arriving with no
// handler get an empty response.
func (c *Context) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// AddService registers impl under name. Names are unique.
func (c *Context) AddService(name string, impl api.HealthChecker, svcCtx context.Context) error {
	if name == "" || impl == nil {
		return fmt.Errorf("service %q: %w", name, api.ErrInvalidArgument)
	}
	if svcCtx == nil {
		svcCtx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.services[name]; ok {
		return api.NewError(api.ErrCodeAlreadyExists, "service already registered").WithContext("service", name)
	}
	c.services[name] = Service{name: name, impl: impl, ctx: svcCtx}
	c.metrics.Gauge(metricServices).Set(float64(len(c.services)))
	c.logger.Info("service registered", "service", name)
	return nil
}

// Service returns the service registered under name.
func (c *Context) Service(name string) (Service, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[name]
	return s, ok
}

// Services returns the registered services sorted by name.
func (c *Context) Services() []Service {
	c.mu.RLock()
	out := make([]Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SetCrashHandler installs the function run when the process dies on a
// failed check. It may be set once.
func (c *Context) SetCrashHandler(fn func()) {
	check.That(fn != nil, "nil crash handler")
	c.mu.Lock()
	defer c.mu.Unlock()
	check.That(c.crash == nil, "crash handler already set")
	c.crash = fn
}

// CrashHandler returns the installed crash handler or nil.
func (c *Context) CrashHandler() func() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.crash
}

// SetMetricRetention sets how long untouched metrics are kept.
func (c *Context) SetMetricRetention(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("metric retention %s: %w", d, api.ErrInvalidArgument)
	}
	c.metrics.SetRetention(d)
	return nil
}

// MetricRetention returns the metric retention window.
func (c *Context) MetricRetention() time.Duration { return c.metrics.Retention() }

func (c *Context) serve(_ *netserver.Context, resp *netserver.Response) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h(c, resp)
	}
}

// violation handles a failed check raised inside a pool job.
func (c *Context) violation(v *check.Violation) {
	logging.Fatal(c.logger, "check failed", "error", v)
	crash := c.CrashHandler()
	if crash == nil {
		panic(v)
	}
	crash()
}
