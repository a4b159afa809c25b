// File: netserver/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package netserver

import (
	"log/slog"
	"time"

	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/internal/concurrency"
)

const (
	defaultDeadline       = 5 * time.Second
	defaultDrainTimeout   = time.Minute
	defaultReadBufferSize = 4096
)

// Config holds the network layer parameters.
type Config struct {
	Host           string        // IP literal; empty means loopback
	Port           int           // 0 picks an ephemeral port
	Backlog        int           // listen backlog; 0 means SOMAXCONN
	MaxConcurrency int           // pool workers; 0 means runtime.NumCPU()
	Deadline       time.Duration // how long a response may take to write
	DrainTimeout   time.Duration // pool drain bound during shutdown
	ReadBufferSize int           // bytes read per readiness event
	Nagle          bool
}

func (c *Config) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = defaultDeadline
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
}

// Handler produces the response for one request. It runs on a pool worker.
type Handler func(ctx *Context, resp *Response)

type options struct {
	logger   *slog.Logger
	metrics  *control.MetricsRegistry
	handler  Handler
	poolOpts []concurrency.PoolOption
}

// Option customizes server initialization.
type Option func(*options)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the registry shared by the server, its loop and its pool.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(o *options) { o.metrics = m }
}

// WithHandler sets the request handler. Without one every request gets an
// empty response.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithPoolOptions passes options through to the thread pool.
func WithPoolOptions(opts ...concurrency.PoolOption) Option {
	return func(o *options) { o.poolOpts = append(o.poolOpts, opts...) }
}
