package store

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// threadGuard detects blocking store calls made from a goroutine the
// caller has marked as its main (UI or event-loop) goroutine. Detection
// is advisory: violations are counted and recorded, never fatal.
type threadGuard struct {
	mainID atomic.Int64

	mu         sync.Mutex
	violations uint64
	sites      map[string]uint64
}

func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// The stack header reads "goroutine N [".
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if i := bytes.IndexByte(buf, ' '); i > 0 {
		if id, err := strconv.ParseInt(string(buf[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}

func (g *threadGuard) markMain() {
	g.mainID.Store(goroutineID())
}

func (g *threadGuard) check(site string) {
	main := g.mainID.Load()
	if main == 0 || goroutineID() != main {
		return
	}
	g.mu.Lock()
	g.violations++
	if g.sites == nil {
		g.sites = make(map[string]uint64)
	}
	g.sites[site]++
	g.mu.Unlock()
}

func (g *threadGuard) report() (uint64, map[string]uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sites := make(map[string]uint64, len(g.sites))
	for k, v := range g.sites {
		sites[k] = v
	}
	return g.violations, sites
}

// MarkMainThread records the calling goroutine as the main thread.
// Subsequent blocking store calls from it are counted as violations.
func (s *Store) MarkMainThread() {
	s.guard.markMain()
}

// MainThreadViolations reports how many blocking calls ran on the
// marked main goroutine, with a per-call-site breakdown.
func (s *Store) MainThreadViolations() (uint64, map[string]uint64) {
	return s.guard.report()
}
