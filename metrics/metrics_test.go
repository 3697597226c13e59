package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryExport(t *testing.T) {
	r := NewRegistry()
	r.Counter("ingest_total").Add(3)
	r.Gauge("store_failed").Set(1)
	h := r.Histogram("commit_seconds")
	h.Observe(0.5)
	h.Observe(1.5)

	out, err := r.Export()
	require.NoError(t, err)
	text := string(out)

	require.Contains(t, text, "# TYPE nostr_ingest_total counter")
	require.Contains(t, text, "nostr_ingest_total 3")
	require.Contains(t, text, "# TYPE nostr_store_failed gauge")
	require.Contains(t, text, "nostr_store_failed 1")
	require.Contains(t, text, "# TYPE nostr_commit_seconds summary")
	require.Contains(t, text, `nostr_commit_seconds{quantile="0.5"}`)
	require.Contains(t, text, `nostr_commit_seconds{quantile="0.9"}`)
	require.Contains(t, text, `nostr_commit_seconds{quantile="0.99"}`)
	require.Contains(t, text, "nostr_commit_seconds_sum 2")
	require.Contains(t, text, "nostr_commit_seconds_count 2")
	require.Contains(t, text, "nostr_commit_seconds_min 0.5")
	require.Contains(t, text, "nostr_commit_seconds_max 1.5")
	require.True(t, strings.HasSuffix(text, "\n"))
}

func TestRegistryInstrumentsAreCached(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, r.Counter("a_total"), r.Counter("a_total"))
	require.Equal(t, r.Gauge("g"), r.Gauge("g"))
	require.Same(t, r.Histogram("h_seconds"), r.Histogram("h_seconds"))
}

func TestCollectorSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Counter("events_total").Add(5)
	r.Gauge("queue_depth").Set(7)
	h := r.Histogram("latency_seconds")
	for i := 1; i <= 100; i++ {
		h.Observe(float64(i) / 100)
	}

	c := NewCollector(r)
	snap := c.CollectNow()
	require.NotNil(t, snap)

	cs, ok := snap.Counters["nostr_events_total"]
	require.True(t, ok)
	require.Equal(t, float64(5), cs.Total)
	require.Equal(t, float64(5), cs.Delta60s)

	require.Equal(t, float64(7), snap.Gauges["nostr_queue_depth"])

	hs, ok := snap.Histograms["nostr_latency_seconds"]
	require.True(t, ok)
	require.Equal(t, uint64(100), hs.Count)
	require.InDelta(t, 50.5, hs.Sum, 0.001)
	require.InDelta(t, 0.01, hs.Min, 0.0001)
	require.InDelta(t, 1.0, hs.Max, 0.0001)
	require.InDelta(t, 0.5, hs.P50, 0.1)
	require.InDelta(t, 0.9, hs.P90, 0.1)
	require.InDelta(t, 0.99, hs.P99, 0.1)

	// extrema gauges are folded into the histogram, not reported raw
	_, ok = snap.Gauges["nostr_latency_seconds_min"]
	require.False(t, ok)
	_, ok = snap.Gauges["nostr_latency_seconds_max"]
	require.False(t, ok)
}

func TestCollectorRollingDelta(t *testing.T) {
	r := NewRegistry()
	ctr := r.Counter("ticks_total")
	c := NewCollector(r)

	ctr.Add(5)
	snap := c.CollectNow()
	require.Equal(t, float64(5), snap.Counters["nostr_ticks_total"].Delta60s)

	// steady growth keeps the delta at the trailing-window sum
	ctr.Add(2)
	snap = c.CollectNow()
	require.Equal(t, float64(7), snap.Counters["nostr_ticks_total"].Total)
	require.Equal(t, float64(7), snap.Counters["nostr_ticks_total"].Delta60s)

	// after the window passes with no growth, the delta decays to zero
	for i := 0; i < 61; i++ {
		snap = c.CollectNow()
	}
	require.Equal(t, float64(0), snap.Counters["nostr_ticks_total"].Delta60s)
}

func TestCollectorDeltaSaturation(t *testing.T) {
	// until the ring wraps, the oldest slot is zero and the delta
	// tracks the total itself
	r := counterRing{}
	require.Equal(t, float64(10), r.advance(10))
	require.Equal(t, float64(15), r.advance(15))

	// a reset to a smaller total saturates at the current value
	var r2 counterRing
	for i := 0; i < ringSlots; i++ {
		r2.advance(100)
	}
	require.Equal(t, float64(3), r2.advance(3))
}

func TestCollectorLatestIsDeepCopy(t *testing.T) {
	r := NewRegistry()
	r.Counter("x_total").Inc()
	c := NewCollector(r)
	c.CollectNow()

	a := c.Latest()
	a.Counters["nostr_x_total"] = CounterSample{Total: 999}
	b := c.Latest()
	require.Equal(t, float64(1), b.Counters["nostr_x_total"].Total)
}

func TestCollectorFileExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.prom")

	r := NewRegistry()
	r.Counter("exported_total").Add(2)
	c := NewCollector(r, WithExportPath(path))
	c.CollectNow()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "nostr_exported_total 2")

	// no stray tmp file after the rename
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestCollectorStartStopIdempotent(t *testing.T) {
	c := NewCollector(NewRegistry(), WithInterval(10*time.Millisecond))
	c.Start()
	c.Start()
	time.Sleep(25 * time.Millisecond)
	c.Stop()
	c.Stop()
	require.NotNil(t, c.Latest())
}
