package marmot

import (
	"sort"
	"sync"
	"time"

	"github.com/gnostr/notedb/wire"
)

// MemoryStorage keeps all state in process memory. Nothing survives a
// restart; it backs ephemeral sessions and tests.
type MemoryStorage struct {
	mu sync.RWMutex

	groups        map[string]Group // keyed by mls group id
	groupsByNostr map[string]string

	messages     map[wire.EventID]Message
	processedMsg map[wire.EventID]ProcessedMessage

	welcomes     map[wire.EventID]Welcome
	processedWel map[wire.EventID]ProcessedWelcome

	relays  map[string][]string
	secrets map[secretKey]ExporterSecret

	mls map[string]map[string][]byte // label -> key -> value

	snapshots  map[uint64]snapshot
	nextSnapID uint64

	now func() time.Time
}

type secretKey struct {
	gid   string
	epoch uint64
}

type snapshot struct {
	takenAt time.Time
	mls     map[string]map[string][]byte
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		groups:        make(map[string]Group),
		groupsByNostr: make(map[string]string),
		messages:      make(map[wire.EventID]Message),
		processedMsg:  make(map[wire.EventID]ProcessedMessage),
		welcomes:      make(map[wire.EventID]Welcome),
		processedWel:  make(map[wire.EventID]ProcessedWelcome),
		relays:        make(map[string][]string),
		secrets:       make(map[secretKey]ExporterSecret),
		mls:           make(map[string]map[string][]byte),
		snapshots:     make(map[uint64]snapshot),
		nextSnapID:    1,
		now:           time.Now,
	}
}

func (s *MemoryStorage) AllGroups() ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NostrGroupID < out[j].NostrGroupID })
	return out, nil
}

func (s *MemoryStorage) FindGroupByMLSID(mlsGroupID []byte) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[string(mlsGroupID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *MemoryStorage) FindGroupByNostrID(nostrGroupID string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gid, ok := s.groupsByNostr[nostrGroupID]
	if !ok {
		return nil, ErrNotFound
	}
	g := s.groups[gid]
	return &g, nil
}

func (s *MemoryStorage) SaveGroup(g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[string(g.MLSGroupID)] = g
	s.groupsByNostr[g.NostrGroupID] = string(g.MLSGroupID)
	return nil
}

func (s *MemoryStorage) Messages(mlsGroupID []byte, p Pagination) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if string(m.MLSGroupID) == string(mlsGroupID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return paginate(out, p), nil
}

func paginate(msgs []Message, p Pagination) []Message {
	if p.Offset > 0 {
		if p.Offset >= len(msgs) {
			return nil
		}
		msgs = msgs[p.Offset:]
	}
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[:p.Limit]
	}
	return msgs
}

func (s *MemoryStorage) LastMessage(mlsGroupID []byte, order SortOrder) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Message
	for id := range s.messages {
		m := s.messages[id]
		if string(m.MLSGroupID) != string(mlsGroupID) {
			continue
		}
		if best == nil || messageAfter(&m, best, order) {
			best = &m
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func messageAfter(a, b *Message, order SortOrder) bool {
	if order == ProcessedAtFirst {
		if a.ProcessedAt != b.ProcessedAt {
			return a.ProcessedAt > b.ProcessedAt
		}
	}
	return a.CreatedAt > b.CreatedAt
}

func (s *MemoryStorage) SaveMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *MemoryStorage) FindMessageByID(id wire.EventID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStorage) IsMessageProcessed(wrapperID wire.EventID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processedMsg[wrapperID]
	return ok, nil
}

func (s *MemoryStorage) SaveProcessedMessage(pm ProcessedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedMsg[pm.WrapperID] = pm
	return nil
}

func (s *MemoryStorage) FindProcessedMessage(wrapperID wire.EventID) (*ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pm, ok := s.processedMsg[wrapperID]
	if !ok {
		return nil, ErrNotFound
	}
	return &pm, nil
}

func (s *MemoryStorage) SaveWelcome(w Welcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcomes[w.ID] = w
	return nil
}

func (s *MemoryStorage) FindWelcomeByEventID(id wire.EventID) (*Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.welcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (s *MemoryStorage) PendingWelcomes(p Pagination) ([]Welcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Welcome
	for _, w := range s.welcomes {
		if w.State == WelcomePending {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return paginateWelcomes(out, p), nil
}

func paginateWelcomes(ws []Welcome, p Pagination) []Welcome {
	if p.Offset > 0 {
		if p.Offset >= len(ws) {
			return nil
		}
		ws = ws[p.Offset:]
	}
	if p.Limit > 0 && len(ws) > p.Limit {
		ws = ws[:p.Limit]
	}
	return ws
}

func (s *MemoryStorage) SaveProcessedWelcome(pw ProcessedWelcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedWel[pw.WrapperID] = pw
	return nil
}

func (s *MemoryStorage) FindProcessedWelcome(wrapperID wire.EventID) (*ProcessedWelcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pw, ok := s.processedWel[wrapperID]
	if !ok {
		return nil, ErrNotFound
	}
	return &pw, nil
}

func (s *MemoryStorage) GroupRelays(mlsGroupID []byte) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	relays := s.relays[string(mlsGroupID)]
	out := make([]string, len(relays))
	copy(out, relays)
	return out, nil
}

func (s *MemoryStorage) ReplaceGroupRelays(mlsGroupID []byte, relays []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]string, len(relays))
	copy(next, relays)
	s.relays[string(mlsGroupID)] = next
	return nil
}

func (s *MemoryStorage) ExporterSecret(mlsGroupID []byte, epoch uint64) (*ExporterSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	es, ok := s.secrets[secretKey{gid: string(mlsGroupID), epoch: epoch}]
	if !ok {
		return nil, ErrNotFound
	}
	return &es, nil
}

func (s *MemoryStorage) SaveExporterSecret(es ExporterSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretKey{gid: string(es.MLSGroupID), epoch: es.Epoch}] = es
	return nil
}

func (s *MemoryStorage) MLSStore(label string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mls[label]
	if !ok {
		m = make(map[string][]byte)
		s.mls[label] = m
	}
	v := make([]byte, len(value))
	copy(v, value)
	m[string(key)] = v
	return nil
}

func (s *MemoryStorage) MLSLoad(label string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.mls[label][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStorage) MLSDelete(label string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mls[label], string(key))
	return nil
}

func (s *MemoryStorage) CreateSnapshot() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSnapID
	s.nextSnapID++
	s.snapshots[id] = snapshot{takenAt: s.now(), mls: copyMLS(s.mls)}
	return id, nil
}

func (s *MemoryStorage) RollbackSnapshot(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return ErrNotFound
	}
	s.mls = copyMLS(snap.mls)
	delete(s.snapshots, id)
	return nil
}

func (s *MemoryStorage) ReleaseSnapshot(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[id]; !ok {
		return ErrNotFound
	}
	delete(s.snapshots, id)
	return nil
}

// PruneExpiredSnapshots drops snapshots older than ttl. A non-positive
// ttl treats every snapshot as expired.
func (s *MemoryStorage) PruneExpiredSnapshots(ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-ttl)
	pruned := 0
	for id, snap := range s.snapshots {
		if ttl <= 0 || snap.takenAt.Before(cutoff) {
			delete(s.snapshots, id)
			pruned++
		}
	}
	return pruned, nil
}

func copyMLS(src map[string]map[string][]byte) map[string]map[string][]byte {
	out := make(map[string]map[string][]byte, len(src))
	for label, kv := range src {
		m := make(map[string][]byte, len(kv))
		for k, v := range kv {
			c := make([]byte, len(v))
			copy(c, v)
			m[k] = c
		}
		out[label] = m
	}
	return out
}

func (s *MemoryStorage) Persistent() bool { return false }

func (s *MemoryStorage) Close() error { return nil }
