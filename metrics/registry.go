// Package metrics provides the process-wide metrics registry and the
// background snapshot collector. All metric families are exported under
// the nostr_ prefix in Prometheus text format.
package metrics

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namePrefix = "nostr_"

// Registry holds named counters, gauges, and histograms. Instruments
// are created on first use and live for the registry's lifetime.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]*Histogram),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Counter returns the monotonic counter with the given name, creating
// and registering it if needed.
func (r *Registry) Counter(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: namePrefix + name})
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns the gauge with the given name, creating and registering
// it if needed.
func (r *Registry) Gauge(name string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: namePrefix + name})
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// Histogram returns the histogram with the given name, creating and
// registering it if needed.
//
// Histograms are exported as a summary with the 0.5/0.9/0.99 quantiles
// plus two companion gauges, <name>_min and <name>_max, since the
// summary type does not carry extrema.
func (r *Registry) Histogram(name string) *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := &Histogram{
		summary: prometheus.NewSummary(prometheus.SummaryOpts{
			Name: namePrefix + name,
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.9:  0.01,
				0.99: 0.001,
			},
		}),
		minG: prometheus.NewGauge(prometheus.GaugeOpts{Name: namePrefix + name + "_min"}),
		maxG: prometheus.NewGauge(prometheus.GaugeOpts{Name: namePrefix + name + "_max"}),
	}
	r.reg.MustRegister(h.summary, h.minG, h.maxG)
	r.histograms[name] = h
	return h
}

// Export renders every registered metric family as Prometheus text
// exposition, newline terminated.
func (r *Registry) Export() ([]byte, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("encoding metric family: %w", err)
		}
	}
	if buf.Len() == 0 || buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Histogram tracks count, sum, extrema, and quantile estimates for an
// observed value stream.
type Histogram struct {
	summary prometheus.Summary
	minG    prometheus.Gauge
	maxG    prometheus.Gauge

	mu    sync.Mutex
	count uint64
	min   float64
	max   float64
}

// Observe records a single value.
func (h *Histogram) Observe(v float64) {
	h.summary.Observe(v)
	h.mu.Lock()
	if h.count == 0 || v < h.min {
		h.min = v
		h.minG.Set(v)
	}
	if h.count == 0 || v > h.max {
		h.max = v
		h.maxG.Set(v)
	}
	h.count++
	h.mu.Unlock()
}
