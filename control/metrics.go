// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics registry for system-level monitoring.
// Named metrics are created on first use and exported through prometheus.

package control

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/atomic"

	"github.com/momentics/phab-native/internal/check"
)

type metricKind int

const (
	kindCounter metricKind = iota
	kindGauge
	kindHistogram
	kindCounterVec
)

func (k metricKind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	case kindCounterVec:
		return "labeled counter"
	default:
		return "histogram"
	}
}

type metricEntry struct {
	name      string
	prom      string
	label     string
	kind      metricKind
	collector prometheus.Collector
	touched   atomic.Int64
}

// MetricsRegistry holds named metrics and free-form values.
// All metric names must be namespaced, e.g. "phab.core.HealthCheck".
type MetricsRegistry struct {
	mu        sync.RWMutex
	reg       *prometheus.Registry
	entries   map[string]*metricEntry
	promNames map[string]string // exported name -> dotted name
	metrics   map[string]any
	updated   time.Time
	retention time.Duration
	now       func() time.Time
}

// MetricsOption customizes a MetricsRegistry.
type MetricsOption func(*MetricsRegistry)

// WithClock replaces time.Now, used by retention tests.
func WithClock(now func() time.Time) MetricsOption {
	return func(mr *MetricsRegistry) { mr.now = now }
}

// WithRetention sets the initial retention window.
func WithRetention(d time.Duration) MetricsOption {
	return func(mr *MetricsRegistry) { mr.retention = d }
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry(opts ...MetricsOption) *MetricsRegistry {
	mr := &MetricsRegistry{
		reg:       prometheus.NewRegistry(),
		entries:   make(map[string]*metricEntry),
		promNames: make(map[string]string),
		metrics:   make(map[string]any),
		now:       time.Now,
	}
	for _, o := range opts {
		o(mr)
	}
	return mr
}

// Counter is a monotonically increasing metric.
type Counter struct {
	c prometheus.Counter
	e *metricEntry
	r *MetricsRegistry
}

// Inc adds one.
func (c Counter) Inc() { c.Add(1) }

// Add adds v, which must not be negative.
func (c Counter) Add(v float64) {
	c.c.Add(v)
	c.e.touched.Store(c.r.now().UnixNano())
}

// Gauge is a metric that may go up and down.
type Gauge struct {
	g prometheus.Gauge
	e *metricEntry
	r *MetricsRegistry
}

// Set replaces the gauge value.
func (g Gauge) Set(v float64) {
	g.g.Set(v)
	g.e.touched.Store(g.r.now().UnixNano())
}

// Add adds v (may be negative).
func (g Gauge) Add(v float64) {
	g.g.Add(v)
	g.e.touched.Store(g.r.now().UnixNano())
}

// Histogram samples observations into buckets.
type Histogram struct {
	h prometheus.Histogram
	e *metricEntry
	r *MetricsRegistry
}

// Observe records v.
func (h Histogram) Observe(v float64) {
	h.h.Observe(v)
	h.e.touched.Store(h.r.now().UnixNano())
}

// ObserveDuration records d in seconds.
func (h Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

// CounterVec is a counter partitioned by the values of one label.
type CounterVec struct {
	v *prometheus.CounterVec
	e *metricEntry
	r *MetricsRegistry
}

// WithLabel returns the counter for one label value.
func (v CounterVec) WithLabel(value string) Counter {
	return Counter{c: v.v.WithLabelValues(value), e: v.e, r: v.r}
}

// Counter returns the named counter, creating it on first use.
func (mr *MetricsRegistry) Counter(name string) Counter {
	e := mr.entry(name, kindCounter, "", func(pname string) prometheus.Collector {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: pname, Help: name})
	})
	return Counter{c: e.collector.(prometheus.Counter), e: e, r: mr}
}

// Gauge returns the named gauge, creating it on first use.
func (mr *MetricsRegistry) Gauge(name string) Gauge {
	e := mr.entry(name, kindGauge, "", func(pname string) prometheus.Collector {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: pname, Help: name})
	})
	return Gauge{g: e.collector.(prometheus.Gauge), e: e, r: mr}
}

// Histogram returns the named histogram, creating it on first use.
func (mr *MetricsRegistry) Histogram(name string) Histogram {
	e := mr.entry(name, kindHistogram, "", func(pname string) prometheus.Collector {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    pname,
			Help:    name,
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		})
	})
	return Histogram{h: e.collector.(prometheus.Histogram), e: e, r: mr}
}

// CounterVec returns the named counter partitioned by label, creating it on
// first use. Label values are free-form, unlike metric names.
func (mr *MetricsRegistry) CounterVec(name, label string) CounterVec {
	e := mr.entry(name, kindCounterVec, label, func(pname string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: pname, Help: name}, []string{label})
	})
	return CounterVec{v: e.collector.(*prometheus.CounterVec), e: e, r: mr}
}

func (mr *MetricsRegistry) entry(name string, kind metricKind, label string, mk func(string) prometheus.Collector) *metricEntry {
	mr.mu.RLock()
	e, ok := mr.entries[name]
	mr.mu.RUnlock()
	if !ok {
		mr.mu.Lock()
		if e, ok = mr.entries[name]; !ok {
			pname := mr.exportNameLocked(name)
			e = &metricEntry{name: name, prom: pname, label: label, kind: kind, collector: mk(pname)}
			check.NoError(mr.reg.Register(e.collector), "register metric %q", name)
			e.touched.Store(mr.now().UnixNano())
			mr.entries[name] = e
			mr.promNames[pname] = name
		}
		mr.mu.Unlock()
	}
	check.That(e.kind == kind, "metric %q is a %s, not a %s", name, e.kind, kind)
	check.That(e.label == label, "metric %q is labeled %q, not %q", name, e.label, label)
	return e
}

// exportNameLocked returns PromName(name), suffixed with _2, _3, ... when
// another dotted name already maps onto it.
func (mr *MetricsRegistry) exportNameLocked(name string) string {
	base := PromName(name)
	pname := base
	for i := 2; ; i++ {
		if _, taken := mr.promNames[pname]; !taken {
			return pname
		}
		pname = fmt.Sprintf("%s_%d", base, i)
	}
}

// ExportName returns the prometheus name a registered metric is exposed
// under, or "" if name is not registered.
func (mr *MetricsRegistry) ExportName(name string) string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	if e, ok := mr.entries[name]; ok {
		return e.prom
	}
	return ""
}

// Set sets or updates a free-form value.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = mr.now()
	mr.mu.Unlock()
}

// GetSnapshot returns the free-form values.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// Values flattens every registered metric into name/value pairs.
// Histograms contribute "<name>.count" and "<name>.sum"; labeled counters
// contribute "<name>{<label>=<value>}".
func (mr *MetricsRegistry) Values() map[string]float64 {
	mr.mu.RLock()
	byProm := make(map[string]string, len(mr.promNames))
	for pname, name := range mr.promNames {
		byProm[pname] = name
	}
	mr.mu.RUnlock()

	out := make(map[string]float64)
	families, err := mr.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		name, ok := byProm[mf.GetName()]
		if !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			flatten(out, name, mf.GetType(), m)
		}
	}
	return out
}

func flatten(out map[string]float64, name string, typ dto.MetricType, m *dto.Metric) {
	for _, lp := range m.GetLabel() {
		name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
	}
	switch typ {
	case dto.MetricType_COUNTER:
		out[name] = m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		out[name] = m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		out[name+".count"] = float64(m.GetHistogram().GetSampleCount())
		out[name+".sum"] = m.GetHistogram().GetSampleSum()
	}
}

// Names returns the sorted names of all registered metrics.
func (mr *MetricsRegistry) Names() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	names := make([]string, 0, len(mr.entries))
	for n := range mr.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Exists reports whether a metric with name is registered.
func (mr *MetricsRegistry) Exists(name string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, ok := mr.entries[name]
	return ok
}

// SetRetention changes how long an untouched metric is kept. Zero keeps forever.
func (mr *MetricsRegistry) SetRetention(d time.Duration) {
	mr.mu.Lock()
	mr.retention = d
	mr.mu.Unlock()
}

// Retention returns the current retention window.
func (mr *MetricsRegistry) Retention() time.Duration {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.retention
}

// Prune drops metrics not touched within the retention window and returns
// how many were removed. A dropped metric starts from zero on next use.
func (mr *MetricsRegistry) Prune() int {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.retention <= 0 {
		return 0
	}
	cutoff := mr.now().Add(-mr.retention).UnixNano()
	removed := 0
	for name, e := range mr.entries {
		if e.touched.Load() < cutoff {
			mr.reg.Unregister(e.collector)
			delete(mr.entries, name)
			delete(mr.promNames, e.prom)
			removed++
		}
	}
	return removed
}

// Registry exposes the underlying prometheus registry.
func (mr *MetricsRegistry) Registry() *prometheus.Registry { return mr.reg }

// Handler serves the registry in the prometheus exposition format.
func (mr *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(mr.reg, promhttp.HandlerOpts{})
}

// WriteText writes every metric in the prometheus text format.
func (mr *MetricsRegistry) WriteText(w io.Writer) error {
	families, err := mr.reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// PromName maps a dotted metric name onto a valid prometheus name.
func PromName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
