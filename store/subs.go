package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gnostr/notedb/wire"
)

const (
	// subQueueCap bounds each subscription's pending-note queue. When
	// full, the oldest pending key is dropped to admit the newest.
	subQueueCap = 1024
)

// dispatcher matches freshly committed notes against live
// subscriptions. Matching runs after the write transaction commits, so
// a notified consumer is guaranteed to see the note in any read
// transaction it opens.
type dispatcher struct {
	notify   NotifyFunc
	overflow prometheus.Counter
	logger   *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

type subscription struct {
	id      uint64
	filters []wire.Filter

	mu      sync.Mutex
	queue   []uint64
	dropped uint64
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		nextID: 1,
		subs:   make(map[uint64]*subscription),
	}
}

func (d *dispatcher) subscribe(filters []wire.Filter) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.subs[id] = &subscription{id: id, filters: filters}
	return id
}

// unsubscribe removes a subscription. Unknown ids are tolerated: a
// dispatch may still be in flight for a subscription being torn down.
func (d *dispatcher) unsubscribe(id uint64) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// dispatch enqueues the note key on every matching subscription and
// fires the notify callback outside the dispatcher lock.
func (d *dispatcher) dispatch(ev *wire.Event, key uint64) {
	d.mu.RLock()
	var hit []*subscription
	for _, sub := range d.subs {
		for i := range sub.filters {
			if sub.filters[i].Matches(ev) {
				hit = append(hit, sub)
				break
			}
		}
	}
	d.mu.RUnlock()

	for _, sub := range hit {
		sub.push(key, d)
		if d.notify != nil {
			d.notify(context.Background(), sub.id)
		}
	}
}

func (sub *subscription) push(key uint64, d *dispatcher) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) >= subQueueCap {
		sub.queue = sub.queue[1:]
		sub.dropped++
		if d.overflow != nil {
			d.overflow.Inc()
		}
		if d.logger != nil {
			d.logger.Warn("subscription queue overflow, dropping oldest", "sub", sub.id, "dropped", sub.dropped)
		}
	}
	sub.queue = append(sub.queue, key)
}

// poll drains and returns up to max pending note keys. It never blocks.
func (d *dispatcher) poll(id uint64, max int) []uint64 {
	d.mu.RLock()
	sub, ok := d.subs[id]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	n := len(sub.queue)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]uint64, n)
	copy(out, sub.queue[:n])
	sub.queue = sub.queue[n:]
	return out
}

// Subscribe registers a live subscription over the given filters and
// returns its nonzero id. Matching happens on commit; notes already in
// the store are reached through Query, not the subscription.
func (s *Store) Subscribe(filters ...wire.Filter) uint64 {
	return s.subs.subscribe(filters)
}

// Unsubscribe tears down a subscription. Unknown ids are a no-op.
func (s *Store) Unsubscribe(id uint64) {
	s.subs.unsubscribe(id)
}

// PollNotes returns up to max pending note keys for a subscription
// without blocking. A zero max drains everything pending.
func (s *Store) PollNotes(id uint64, max int) []uint64 {
	return s.subs.poll(id, max)
}
