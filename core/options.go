// File: core/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package core

import (
	"log/slog"
	"time"

	"github.com/momentics/phab-native/control"
	"github.com/momentics/phab-native/netserver"
)

const defaultDeadline = 5 * time.Second

type options struct {
	host     string
	port     int
	deadline time.Duration
	nagle    bool
	logger   *slog.Logger
	metrics  *control.MetricsRegistry
	netOpts  []netserver.Option
}

// Option customizes Create.
type Option func(*options)

// WithHost sets the IP literal to listen on. Empty means loopback.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithPort sets the listening port. Zero picks an ephemeral port.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithDeadline bounds how long a response may take to reach its peer.
// Zero or negative keeps the default.
func WithDeadline(d time.Duration) Option {
	return func(o *options) { o.deadline = d }
}

// WithNagle keeps Nagle's algorithm enabled on accepted connections.
func WithNagle(on bool) Option {
	return func(o *options) { o.nagle = on }
}

// WithLogger sets the logger shared with the network layer.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the registry shared with the network layer.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(o *options) { o.metrics = m }
}

// WithNetOptions forwards extra options to netserver.Create.
func WithNetOptions(opts ...netserver.Option) Option {
	return func(o *options) { o.netOpts = append(o.netOpts, opts...) }
}
