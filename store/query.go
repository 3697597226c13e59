package store

import (
	"bytes"
	"sort"
	"time"

	"github.com/gnostr/notedb/wire"
)

// DefaultQueryLimit caps results for filters that do not set a limit.
const DefaultQueryLimit = 500

// Query evaluates the union of the given filters, newest-first by
// created_at with the note key breaking ties. Each filter is planned
// and limited independently; duplicates across filters collapse.
func (r *ReadTxn) Query(filters ...wire.Filter) ([]*Note, error) {
	seen := make(map[uint64]struct{})
	var out []*Note
	for i := range filters {
		notes, err := r.QueryFilter(filters[i])
		if err != nil {
			return nil, err
		}
		for _, n := range notes {
			if _, dup := seen[n.Key()]; dup {
				continue
			}
			seen[n.Key()] = struct{}{}
			out = append(out, n)
		}
	}
	sortNotes(out)
	return out, nil
}

// QueryJSON evaluates a single filter given in its wire form.
func (r *ReadTxn) QueryJSON(filterJSON []byte) ([]*Note, error) {
	f, err := wire.ParseFilter(filterJSON)
	if err != nil {
		return nil, err
	}
	return r.QueryFilter(*f)
}

// QueryFilter evaluates a single filter. An unset limit defaults to
// DefaultQueryLimit.
func (r *ReadTxn) QueryFilter(f wire.Filter) ([]*Note, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var (
		notes []*Note
		err   error
	)
	switch {
	case len(f.IDs) > 0:
		notes, err = r.queryByIDs(&f)
	case len(f.Authors) > 0:
		notes, err = r.queryByAuthors(&f, limit)
	case len(f.Kinds) > 0:
		notes, err = r.queryByKinds(&f, limit)
	case len(f.Tags) > 0:
		notes, err = r.queryByTag(&f, limit)
	default:
		notes, err = r.queryScan(&f, limit)
	}
	if err != nil {
		return nil, err
	}

	sortNotes(notes)
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes, nil
}

func sortNotes(notes []*Note) {
	sort.Slice(notes, func(i, j int) bool {
		if notes[i].CreatedAt() != notes[j].CreatedAt() {
			return notes[i].CreatedAt() > notes[j].CreatedAt()
		}
		return notes[i].Key() > notes[j].Key()
	})
}

func (r *ReadTxn) queryByIDs(f *wire.Filter) ([]*Note, error) {
	var out []*Note
	for _, id := range f.IDs {
		note, err := r.NoteByID(id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if f.Matches(note.Event()) {
			out = append(out, note)
		}
	}
	return out, nil
}

// scanIndex walks one descending-timestamp index prefix, loading and
// matching candidates until limit matches or the since bound passes.
func (r *ReadTxn) scanIndex(bucket []byte, prefix []byte, parse func([]byte) (int64, uint64), f *wire.Filter, limit int, out []*Note) ([]*Note, error) {
	c := r.tx.Bucket(bucket).Cursor()
	matched := 0
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		createdAt, noteKey := parse(k)
		if f.Until != nil && createdAt > *f.Until {
			continue
		}
		if f.Since != nil && createdAt < *f.Since {
			// Descending order: everything past here is older still.
			break
		}
		note, err := r.NoteByKey(noteKey)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if !f.Matches(note.Event()) {
			continue
		}
		out = append(out, note)
		matched++
		if matched >= limit {
			break
		}
	}
	return out, nil
}

func (r *ReadTxn) queryByAuthors(f *wire.Filter, limit int) ([]*Note, error) {
	var out []*Note
	var err error
	for _, pk := range f.Authors {
		out, err = r.scanIndex(bucketNotesByAuthor, pk[:], parseAuthorKey, f, limit, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ReadTxn) queryByKinds(f *wire.Filter, limit int) ([]*Note, error) {
	var out []*Note
	var err error
	for _, kind := range f.Kinds {
		prefix := makeKindKey(kind, 0, 0)[:4]
		out, err = r.scanIndex(bucketNotesByKind, prefix, parseKindKey, f, limit, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *ReadTxn) queryByTag(f *wire.Filter, limit int) ([]*Note, error) {
	// Plan on the first tag predicate; Matches enforces the rest.
	var letter byte
	var values []string
	for l, vs := range f.Tags {
		letter, values = l, vs
		break
	}
	var out []*Note
	var err error
	for _, v := range values {
		if !indexableTagValue(v) {
			continue
		}
		out, err = r.scanIndex(bucketNotesByTag, makeTagPrefix(letter, v), parseTagKeySuffix, f, limit, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// queryScan is the fallback full scan for filters with no usable index
// (time-range or search-only filters).
func (r *ReadTxn) queryScan(f *wire.Filter, limit int) ([]*Note, error) {
	var out []*Note
	c := r.tx.Bucket(bucketNotes).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		note, err := decodeNote(decodeNoteKey(k), v)
		if err != nil {
			return nil, err
		}
		if !f.Matches(note.Event()) {
			continue
		}
		out = append(out, note)
	}
	// Full scans cannot early-stop on limit: the notes bucket is in key
	// order, not time order. Sort and trim at the caller.
	_ = limit
	return out, nil
}

// Cursor pages backwards through time over one filter. Each Next call
// runs in its own read transaction, so pages interleave safely with
// ingestion; newly arrived notes older than the cursor position appear
// in later pages.
type Cursor struct {
	s        *Store
	filter   wire.Filter
	pageSize int

	until   int64
	started bool
	done    bool
}

// NewCursor creates a cursor over the filter, pageSize notes per page.
// A non-positive pageSize uses DefaultQueryLimit.
func (s *Store) NewCursor(f wire.Filter, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = DefaultQueryLimit
	}
	return &Cursor{s: s, filter: f, pageSize: pageSize}
}

// Next returns the next page, newest-first. An empty page means the
// cursor is exhausted.
func (c *Cursor) Next() ([]*Note, error) {
	if c.done {
		return nil, nil
	}
	txn, err := c.s.BeginReadRetry(5, 2*time.Millisecond)
	if err != nil {
		return nil, err
	}
	defer txn.End()

	f := c.filter
	f.Limit = c.pageSize
	if c.started {
		until := c.until
		if f.Until == nil || *f.Until > until {
			f.Until = &until
		}
	}

	notes, err := txn.QueryFilter(f)
	if err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		c.done = true
		return nil, nil
	}
	c.started = true
	c.until = notes[len(notes)-1].CreatedAt() - 1
	if len(notes) < c.pageSize {
		c.done = true
	}
	return notes, nil
}

// HasMore reports whether Next may still return notes.
func (c *Cursor) HasMore() bool {
	return !c.done
}
