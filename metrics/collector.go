package metrics

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	// DefaultInterval is the collector cadence when none is configured.
	DefaultInterval = time.Second

	// ringSlots is the size of the per-counter history ring: one slot
	// per collection cycle, 60 cycles of rolling-delta window.
	ringSlots = 60
)

// CounterSample is one counter's state at snapshot time.
type CounterSample struct {
	Total float64
	// Delta60s is the increase over the trailing 60 collection cycles,
	// saturating at Total when the history shows a larger old value
	// (counter reset).
	Delta60s float64
}

// HistogramSample is one histogram's state at snapshot time.
type HistogramSample struct {
	Count uint64
	Sum   float64
	Min   float64
	Max   float64
	P50   float64
	P90   float64
	P99   float64
}

// Snapshot is a structured view of one collection cycle. Snapshots are
// immutable once published; Latest hands out deep copies.
type Snapshot struct {
	TakenAt    time.Time
	Counters   map[string]CounterSample
	Gauges     map[string]float64
	Histograms map[string]HistogramSample
}

// Collector periodically exports the registry as Prometheus text,
// parses its own output into a Snapshot, and maintains per-counter
// rolling-delta rings. Parsing the export rather than reading the
// instruments keeps the snapshot and the exported file consistent.
type Collector struct {
	reg        *Registry
	logger     *slog.Logger
	now        func() time.Time
	interval   time.Duration
	exportPath string

	mu      sync.Mutex
	latest  *Snapshot
	rings   map[string]*counterRing
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithInterval sets the collection cadence.
func WithInterval(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithExportPath enables atomic file export of the Prometheus text on
// every cycle (written to <path>.tmp, then renamed).
func WithExportPath(path string) CollectorOption {
	return func(c *Collector) {
		c.exportPath = path
	}
}

// WithLogger sets the logger for the collector.
func WithLogger(logger *slog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		c.now = now
	}
}

// NewCollector creates a collector over the given registry.
func NewCollector(reg *Registry, opts ...CollectorOption) *Collector {
	c := &Collector{
		reg:      reg,
		logger:   slog.Default(),
		now:      time.Now,
		interval: DefaultInterval,
		rings:    make(map[string]*counterRing),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background collection loop. Starting a running
// collector is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
	c.logger.Debug("metrics collector started", "interval", c.interval)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
// Stopping a stopped collector is a no-op.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()
	<-done
	c.logger.Debug("metrics collector stopped")
}

func (c *Collector) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// CollectNow runs a single collection cycle synchronously and returns
// the resulting snapshot.
func (c *Collector) CollectNow() *Snapshot {
	c.collect()
	return c.Latest()
}

// Latest returns a deep copy of the most recent snapshot, or nil if no
// cycle has completed yet.
func (c *Collector) Latest() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	out := &Snapshot{
		TakenAt:    c.latest.TakenAt,
		Counters:   make(map[string]CounterSample, len(c.latest.Counters)),
		Gauges:     make(map[string]float64, len(c.latest.Gauges)),
		Histograms: make(map[string]HistogramSample, len(c.latest.Histograms)),
	}
	for k, v := range c.latest.Counters {
		out.Counters[k] = v
	}
	for k, v := range c.latest.Gauges {
		out.Gauges[k] = v
	}
	for k, v := range c.latest.Histograms {
		out.Histograms[k] = v
	}
	return out
}

func (c *Collector) collect() {
	snap := c.emptySnapshot()

	text, err := c.reg.Export()
	if err != nil {
		c.logger.Warn("metrics export failed", "error", err)
		c.publish(snap)
		return
	}

	parser := expfmt.TextParser{}
	mfs, err := parser.TextToMetricFamilies(bytes.NewReader(text))
	if err != nil {
		// A snapshot the collector cannot parse becomes an empty
		// snapshot for the cycle, never a crash.
		c.logger.Warn("metrics snapshot parse failed", "error", err)
		c.publish(snap)
		return
	}

	counters := make(map[string]float64)
	for name, mf := range mfs {
		if len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			counters[name] = m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			snap.Gauges[name] = m.GetGauge().GetValue()
		case dto.MetricType_SUMMARY:
			s := m.GetSummary()
			hs := HistogramSample{
				Count: s.GetSampleCount(),
				Sum:   s.GetSampleSum(),
			}
			for _, q := range s.GetQuantile() {
				switch q.GetQuantile() {
				case 0.5:
					hs.P50 = q.GetValue()
				case 0.9:
					hs.P90 = q.GetValue()
				case 0.99:
					hs.P99 = q.GetValue()
				}
			}
			snap.Histograms[name] = hs
		}
	}

	// Fold the companion extrema gauges back into their histograms.
	for name, v := range snap.Gauges {
		if base, ok := strings.CutSuffix(name, "_min"); ok {
			if hs, found := snap.Histograms[base]; found {
				hs.Min = v
				snap.Histograms[base] = hs
				delete(snap.Gauges, name)
				continue
			}
		}
		if base, ok := strings.CutSuffix(name, "_max"); ok {
			if hs, found := snap.Histograms[base]; found {
				hs.Max = v
				snap.Histograms[base] = hs
				delete(snap.Gauges, name)
			}
		}
	}

	c.mu.Lock()
	for name, total := range counters {
		ring, ok := c.rings[name]
		if !ok {
			ring = &counterRing{}
			c.rings[name] = ring
		}
		snap.Counters[name] = CounterSample{
			Total:    total,
			Delta60s: ring.advance(total),
		}
	}
	c.latest = snap
	c.mu.Unlock()

	if c.exportPath != "" {
		c.writeExport(text)
	}
}

func (c *Collector) emptySnapshot() *Snapshot {
	return &Snapshot{
		TakenAt:    c.now(),
		Counters:   make(map[string]CounterSample),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string]HistogramSample),
	}
}

func (c *Collector) publish(snap *Snapshot) {
	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()
}

func (c *Collector) writeExport(text []byte) {
	tmp := c.exportPath + ".tmp"
	if err := os.WriteFile(tmp, text, 0o644); err != nil {
		c.logger.Warn("metrics export write failed", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, c.exportPath); err != nil {
		c.logger.Warn("metrics export rename failed", "path", c.exportPath, "error", err)
	}
}

// counterRing holds the last 60 observed totals for one counter. The
// slot after the write position is the oldest sample.
type counterRing struct {
	vals [ringSlots]float64
	pos  int
}

func (r *counterRing) advance(cur float64) float64 {
	oldest := r.vals[(r.pos+1)%ringSlots]
	delta := cur - oldest
	if delta < 0 {
		delta = cur
	}
	r.pos = (r.pos + 1) % ringSlots
	r.vals[r.pos] = cur
	return delta
}
