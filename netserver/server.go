// File: netserver/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/internal/check"
	"github.com/momentics/phab-native/internal/concurrency"
	"github.com/momentics/phab-native/internal/logging"
	"github.com/momentics/phab-native/internal/transport"
	"github.com/momentics/phab-native/reactor"
)

const (
	metricAccepted      = "phab.net.Server.accepted"
	metricClosed        = "phab.net.Server.closed"
	metricConnections   = "phab.net.Server.connections"
	metricRequests      = "phab.net.Server.requests"
	metricBytesRead     = "phab.net.Server.bytes_read"
	metricBytesWritten  = "phab.net.Server.bytes_written"
	metricWriteTimeouts = "phab.net.Server.write_timeouts"
	metricResponseTime  = "phab.net.Server.response_seconds"
)

const (
	pollTimeout   = 50 * time.Millisecond
	pollBatch     = 128
	drainInterval = 5 * time.Millisecond
)

// ErrAlreadyRunning is returned by a second Run.
var ErrAlreadyRunning = errors.New("network server already running")

type peer struct {
	addr   string
	sock   *transport.Socket
	closed bool
}

// Server accepts peers on its event loop and hands requests to its pool.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *control.MetricsRegistry
	handler Handler

	pool     *concurrency.ThreadPool
	stack    *concurrency.LoopStack
	loop     *concurrency.EventLoop
	release  func()
	poller   reactor.Poller
	listener *transport.ServerSocket
	listenFd int
	buffers  *transport.IOBufferPool
	ctx      *Context
	runCtx   context.Context // set by Run before the loop starts

	// owned by the loop goroutine
	peers map[string]*peer
	byFd  map[int]*peer

	conns    atomic.Int64
	nagle    atomic.Bool
	started  atomic.Bool
	execDone chan struct{}
	stopPoll chan struct{}
	pollDone chan struct{}
	shutOnce sync.Once
}

// Create builds the pool, claims the process-wide network loop, and binds the
// listener. Bind failures are returned; the loop slot is released on failure.
func Create(cfg Config, opts ...Option) (srv *Server, err error) {
	cfg.applyDefaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = control.NewMetricsRegistry()
	}
	logger := logging.OrDiscard(o.logger)

	claimNetworkLoop()
	defer func() {
		if err != nil {
			releaseNetworkLoop()
		}
	}()

	listener, err := transport.Listen(cfg.Host, cfg.Port, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	poller, err := reactor.NewPoller()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("create poller: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  o.metrics,
		handler:  o.handler,
		poller:   poller,
		listener: listener,
		listenFd: listener.Fd(),
		buffers:  transport.NewIOBufferPool(),
		stack:    concurrency.NewLoopStack(),
		peers:    make(map[string]*peer),
		byFd:     make(map[int]*peer),
		execDone: make(chan struct{}),
		stopPoll: make(chan struct{}),
		pollDone: make(chan struct{}),
	}
	s.nagle.Store(cfg.Nagle)
	if s.handler == nil {
		s.handler = func(*Context, *Response) {}
	}
	s.ctx = newContext(s)
	s.loop, s.release = s.stack.Create(
		concurrency.WithLoopName("network"),
		concurrency.WithLoopLogger(logger),
		concurrency.WithLoopMetrics(o.metrics),
	)
	poolOpts := append([]concurrency.PoolOption{
		concurrency.WithPoolName("network"),
		concurrency.WithPoolLogger(logger),
		concurrency.WithPoolMetrics(o.metrics),
	}, o.poolOpts...)
	s.pool = concurrency.NewThreadPool(cfg.MaxConcurrency, poolOpts...)
	return s, nil
}

// Context returns the handler context.
func (s *Server) Context() *Context { return s.ctx }

// Pool returns the server's thread pool.
func (s *Server) Pool() *concurrency.ThreadPool { return s.pool }

// Loop returns the network event loop.
func (s *Server) Loop() *concurrency.EventLoop { return s.loop }

// LoopStack returns the stack the network loop lives on.
func (s *Server) LoopStack() *concurrency.LoopStack { return s.stack }

// Addr returns the bound host and port.
func (s *Server) Addr() (string, int) { return s.listener.Addr() }

// Address returns the bound address as host:port.
func (s *Server) Address() string {
	host, port := s.Addr()
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// NumConnections returns the number of open peers.
func (s *Server) NumConnections() int { return int(s.conns.Load()) }

// Deadline returns how long a response may take to write.
func (s *Server) Deadline() time.Duration { return s.cfg.Deadline }

// SetNagle sets the Nagle flag applied to peers accepted from now on.
func (s *Server) SetNagle(on bool) { s.nagle.Store(on) }

// Nagle returns the Nagle flag for new peers.
func (s *Server) Nagle() bool { return s.nagle.Load() }

// Quit asks the loop to stop. Safe from any goroutine.
func (s *Server) Quit() { s.loop.Quit() }

// Run serves until Quit or ctx is done, then drains the pool and shuts down.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = concurrency.WithLoopStack(ctx, s.stack)
	s.runCtx = ctx

	err := s.poller.Register(s.listenFd, reactor.Readable|reactor.OneShot)
	if err != nil {
		close(s.pollDone)
		close(s.execDone)
		s.loop.Quit()
		s.Shutdown()
		return fmt.Errorf("watch listener: %w", err)
	}
	go s.pollReadiness()

	s.logger.Info("network server listening", "addr", s.Address(), "concurrency", s.pool.Concurrency())
	err = s.loop.Exec(ctx)
	close(s.execDone)

	if derr := s.RunRemainingTasks(); derr != nil {
		s.logger.Warn("pool drain incomplete", "error", derr)
	}
	s.Shutdown()
	return err
}

// RunRemainingTasks spreads still-queued jobs across all workers until the
// pool is idle or the drain timeout passes, then shuts the pool down.
func (s *Server) RunRemainingTasks() error {
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for s.pool.HasTasks() && time.Now().Before(deadline) {
		s.pool.SplitTasks()
		time.Sleep(drainInterval)
	}
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	err := s.pool.Shutdown(func() bool { return !s.pool.HasTasks() }, remaining)
	if errors.Is(err, concurrency.ErrPoolClosed) {
		return nil
	}
	return err
}

// Shutdown closes every peer, the listener and the poller. The loop must
// have quit; when Run is active Shutdown waits for the loop to return.
func (s *Server) Shutdown() {
	check.That(s.loop.QuitNotified(), "network server shut down while its loop is running")
	if s.started.Load() {
		<-s.execDone
	}
	s.shutOnce.Do(func() {
		close(s.stopPoll)
		if s.started.Load() {
			<-s.pollDone
		}
		for addr, p := range s.peers {
			s.logger.Info("Shutting down, socket for " + addr)
			s.closePeer(p)
		}
		s.listener.Close()
		if err := s.poller.Close(); err != nil {
			s.logger.Warn("close poller", "error", err)
		}
		if err := s.pool.Shutdown(nil, s.cfg.DrainTimeout); err != nil && !errors.Is(err, concurrency.ErrPoolClosed) {
			s.logger.Warn("pool shutdown", "error", err)
		}
		s.release()
		releaseNetworkLoop()
		s.logger.Info("network server stopped", "inflight", s.ctx.InflightResponses())
	})
}

// pollReadiness turns epoll events into loop work until Shutdown.
func (s *Server) pollReadiness() {
	defer close(s.pollDone)
	events := make([]reactor.Event, pollBatch)
	for {
		select {
		case <-s.stopPoll:
			return
		default:
		}
		n, err := s.poller.Wait(events, pollTimeout)
		if err != nil {
			if errors.Is(err, reactor.ErrClosed) {
				return
			}
			s.logger.Warn("poll readiness", "error", err)
			time.Sleep(pollTimeout)
			continue
		}
		for _, ev := range events[:n] {
			var h concurrency.WorkHandle
			if ev.Fd == s.listenFd {
				h = &acceptWork{s: s}
			} else {
				h = &readWork{s: s, fd: ev.Fd, hangup: ev.Hangup}
			}
			if err := s.loop.Post(h); err != nil {
				return
			}
		}
	}
}

// loop goroutine only below

func (s *Server) addPeer(sock *transport.Socket, addr string) {
	p := &peer{addr: addr, sock: sock}
	if old, ok := s.peers[addr]; ok {
		s.closePeer(old)
	}
	s.peers[addr] = p
	s.byFd[sock.Fd()] = p
	s.conns.Inc()
	s.metrics.Counter(metricAccepted).Inc()
	s.metrics.Gauge(metricConnections).Set(float64(s.conns.Load()))
	if err := s.poller.Register(sock.Fd(), reactor.Readable|reactor.OneShot); err != nil {
		s.logger.Warn("watch peer", "peer", addr, "error", err)
		s.closePeer(p)
		return
	}
	s.logger.Debug("accepted connection", "peer", addr)
}

func (s *Server) closePeer(p *peer) {
	if p.closed {
		return
	}
	p.closed = true
	fd := p.sock.Fd()
	if err := s.poller.Unregister(fd); err != nil && !errors.Is(err, reactor.ErrClosed) {
		s.logger.Debug("unwatch peer", "peer", p.addr, "error", err)
	}
	if s.peers[p.addr] == p {
		delete(s.peers, p.addr)
	}
	delete(s.byFd, fd)
	p.sock.Close()
	s.conns.Dec()
	s.metrics.Counter(metricClosed).Inc()
	s.metrics.Gauge(metricConnections).Set(float64(s.conns.Load()))
}

func (s *Server) rearm(fd int) {
	if err := s.poller.Modify(fd, reactor.Readable|reactor.OneShot); err != nil && !errors.Is(err, reactor.ErrClosed) {
		s.logger.Warn("re-arm descriptor", "fd", fd, "error", err)
	}
}

// dispatch hands one request to the pool. The peer is not read again until
// its response has been written.
func (s *Server) dispatch(p *peer, req *transport.IOBuffer) {
	s.metrics.Counter(metricRequests).Inc()
	addr, runCtx := p.addr, s.runCtx
	err := s.pool.PostJob(func() {
		resp := s.ctx.CreateResponse(addr, req)
		resp.runCtx = runCtx
		s.serve(resp)
		if err := s.loop.Post(newWriteResponseWork(s, p, resp)); err != nil {
			resp.Finish()
		}
	})
	if err != nil {
		s.logger.Warn("dispatch request", "peer", addr, "error", err)
		s.buffers.Put(req)
		s.closePeer(p)
	}
}

func (s *Server) serve(resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			if v, ok := check.AsViolation(r); ok {
				panic(v)
			}
			s.logger.Error("handler panicked", "peer", resp.Peer(), "panic", r)
			resp.Buffer().Reset()
			resp.CloseAfterWrite()
		}
	}()
	s.handler(s.ctx, resp)
}
