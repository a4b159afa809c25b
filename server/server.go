// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/momentics/phab-native/api"
	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/core"
	"github.com/momentics/phab-native/internal/check"
	"github.com/momentics/phab-native/internal/logging"
	"github.com/momentics/phab-native/netserver"
)

const (
	metricRouted   = "phab.Server.requests"
	metricUnrouted = "phab.Server.unrouted"
	metricPruned   = "phab.Server.metrics_pruned"

	tracerName           = "github.com/momentics/phab-native/server"
	minPruneInterval     = time.Second
	idlePruneInterval    = time.Minute
	debugShutdownTimeout = 5 * time.Second
)

// Server hosts the request handlers of the process on top of a core.Context.
type Server struct {
	opts   Options
	ctx    *core.Context
	logger *slog.Logger
	tracer trace.Tracer
	config *control.ConfigStore

	mu     sync.RWMutex
	routes map[string]ResponseHandler

	servicesDone atomic.Bool
	running      atomic.Bool
	debugAddr    atomic.String

	exit  func(int)
	stack func() []byte
}

// Create builds the server and its network layer. Nothing is served until Run.
func Create(opts Options) (*Server, error) {
	logger := logging.OrDiscard(opts.Logger)
	coreOpts := []core.Option{
		core.WithHost(opts.Domain),
		core.WithPort(opts.port()),
		core.WithLogger(logger),
		core.WithMetrics(opts.Metrics),
		core.WithNagle(opts.Nagle),
	}
	if opts.Deadline > 0 {
		coreOpts = append(coreOpts, core.WithDeadline(opts.Deadline))
	}
	if len(opts.PoolOptions) > 0 {
		coreOpts = append(coreOpts, core.WithNetOptions(netserver.WithPoolOptions(opts.PoolOptions...)))
	}
	cctx, err := core.Create(opts.Debug, opts.MaxConcurrency, coreOpts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:   opts,
		ctx:    cctx,
		logger: logger,
		tracer: opts.Tracer,
		config: opts.Config,
		routes: make(map[string]ResponseHandler),
		exit:   os.Exit,
		stack:  debug.Stack,
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.config == nil {
		s.config = control.NewConfigStore()
		s.config.SetConfig(s.optionsMap())
	}
	cctx.SetHandler(s.route)
	return s, nil
}

// Context returns the shared core context.
func (s *Server) Context() *core.Context { return s.ctx }

// Register routes requests for path to h. Paths are unique.
func (s *Server) Register(path string, h ResponseHandler) error {
	if !strings.HasPrefix(path, "/") || h == nil {
		return fmt.Errorf("route %q: %w", path, api.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[path]; ok {
		return api.NewError(api.ErrCodeAlreadyExists, "route already registered").WithContext("path", path)
	}
	s.routes[path] = h
	return nil
}

// RegisterRoot installs the fallback handler for "/". Overwriting it is fatal.
func (s *Server) RegisterRoot(h ResponseHandler) {
	check.That(h != nil, "nil root handler")
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.routes["/"]
	check.That(!exists, "overwriting \"/\" is not supported")
	s.routes["/"] = h
}

// Routes returns the registered paths in order.
func (s *Server) Routes() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.routes))
	for p := range s.routes {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RegisterServices adds every service to the context. It may be called once.
func (s *Server) RegisterServices(services []ServiceSpec) error {
	check.That(s.servicesDone.CompareAndSwap(false, true), "services already registered")
	var errs []error
	for _, svc := range services {
		if err := s.ctx.AddService(svc.Name, svc.Impl, svc.Context); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run serves until ctx is done or Quit is called, then runs OnShutdown.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return netserver.ErrAlreadyRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}
	network := s.ctx.Network()

	var debugSrv *http.Server
	if s.opts.Debug && s.opts.DebugAddr != "" {
		ds, err := s.startDebug()
		if err != nil {
			network.Quit()
			network.Shutdown()
			return err
		}
		debugSrv = ds
	}
	stopPruning := s.startPruning()

	err := network.Run(ctx)
	stopPruning()
	if debugSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
		if derr := debugSrv.Shutdown(sctx); derr != nil {
			s.logger.Warn("debug server shutdown", "error", derr)
		}
		cancel()
	}
	if s.opts.OnShutdown != nil {
		if serr := s.opts.OnShutdown(s.ctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("on shutdown: %w", serr))
		}
	}
	return err
}

// Quit stops a running server. Safe from any goroutine.
func (s *Server) Quit() { s.ctx.Network().Quit() }

var _ api.GracefulShutdown = (*Server)(nil)

// Shutdown quits the server and returns once its network layer is released.
func (s *Server) Shutdown() error {
	s.Quit()
	s.ctx.Network().Shutdown()
	return nil
}

// Crash logs the current goroutine stack and exits the process with status 2.
func (s *Server) Crash() {
	if stack := s.stack(); len(stack) > 0 {
		logging.Fatal(s.logger, "crash", "stack", string(stack))
	} else {
		logging.Fatal(s.logger, "crash")
	}
	s.exit(2)
}

func (s *Server) route(c *core.Context, resp *netserver.Response) {
	path := RouteFor(resp.Request())
	s.mu.RLock()
	h, ok := s.routes[path]
	if !ok {
		h, ok = s.routes["/"]
	}
	s.mu.RUnlock()

	_, span := s.tracer.Start(context.Background(), "phab.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("phab.path", path),
			attribute.String("phab.peer", resp.Peer()),
		),
	)
	defer span.End()

	if !ok {
		c.Metrics().Counter(metricUnrouted).Inc()
		span.SetStatus(codes.Error, "no route")
		return
	}
	c.Metrics().Counter(metricRouted).Inc()
	h(c, resp)
	span.SetAttributes(attribute.Int("phab.response_bytes", resp.Buffer().Len()))
	span.SetStatus(codes.Ok, "")
}

// startPruning drops stale metrics on the pool every quarter retention.
func (s *Server) startPruning() (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(s.pruneInterval())
		defer timer.Stop()
		for {
			select {
			case <-done:
				return
			case <-timer.C:
			}
			s.postPrune()
			timer.Reset(s.pruneInterval())
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Server) pruneInterval() time.Duration {
	r := s.ctx.MetricRetention()
	if r <= 0 {
		return idlePruneInterval
	}
	if d := r / 4; d > minPruneInterval {
		return d
	}
	return minPruneInterval
}

func (s *Server) postPrune() {
	mr := s.ctx.Metrics()
	err := s.ctx.Network().Pool().PostJob(func() {
		if n := mr.Prune(); n > 0 {
			mr.Counter(metricPruned).Add(float64(n))
			s.logger.Info("pruned stale metrics", "count", n)
		}
	})
	if err != nil {
		s.logger.Debug("schedule metric pruning", "error", err)
	}
}

func (s *Server) optionsMap() map[string]any {
	return map[string]any{
		"debug":           s.opts.Debug,
		"domain":          s.opts.Domain,
		"port":            s.opts.port(),
		"debug_addr":      s.opts.DebugAddr,
		"max_concurrency": s.ctx.MaxGlobalConcurrency(),
		"deadline":        s.ctx.Deadline().String(),
		"nagle":           s.opts.Nagle,
	}
}
