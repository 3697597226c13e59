package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gnostr/notedb/wire"
)

func ingestN(t *testing.T, s *Store, n int, base int64, kind uint32, author byte) {
	t.Helper()
	for i := 0; i < n; i++ {
		raw := makeEvent(t, kind, base+int64(i), fmt.Sprintf("note %d", i), [][]string{{"t", "batch"}}, author)
		_, err := s.IngestEvent(raw, "")
		require.NoError(t, err)
	}
}

func TestQueryNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 10, 1700000000, 1, 0x01)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	notes, err := txn.QueryFilter(wire.Filter{Kinds: []uint32{1}})
	require.NoError(t, err)
	require.Len(t, notes, 10)
	for i := 1; i < len(notes); i++ {
		require.GreaterOrEqual(t, notes[i-1].CreatedAt(), notes[i].CreatedAt())
	}
	require.Equal(t, int64(1700000009), notes[0].CreatedAt())
}

func TestQueryByAuthor(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 5, 1700000000, 1, 0x0a)
	ingestN(t, s, 3, 1700000100, 1, 0x0b)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	var author wire.Pubkey
	for i := range author {
		author[i] = 0x0a
	}
	notes, err := txn.QueryFilter(wire.Filter{Authors: []wire.Pubkey{author}})
	require.NoError(t, err)
	require.Len(t, notes, 5)
	for _, n := range notes {
		require.Equal(t, author, n.Pubkey())
	}
}

func TestQuerySinceUntilLimit(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 20, 1700000000, 1, 0x01)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	since := int64(1700000005)
	until := int64(1700000014)
	notes, err := txn.QueryFilter(wire.Filter{
		Kinds: []uint32{1},
		Since: &since,
		Until: &until,
	})
	require.NoError(t, err)
	require.Len(t, notes, 10)
	require.Equal(t, until, notes[0].CreatedAt())
	require.Equal(t, since, notes[len(notes)-1].CreatedAt())

	notes, err = txn.QueryFilter(wire.Filter{Kinds: []uint32{1}, Limit: 3})
	require.NoError(t, err)
	require.Len(t, notes, 3)
	require.Equal(t, int64(1700000019), notes[0].CreatedAt())
}

func TestQueryByTagAndIDs(t *testing.T) {
	s := newTestStore(t)

	tagged := makeEvent(t, 1, 1700000000, "tagged", [][]string{{"t", "golang"}}, 0x01)
	other := makeEvent(t, 1, 1700000001, "other", [][]string{{"t", "rust"}}, 0x01)
	for _, raw := range [][]byte{tagged, other} {
		_, err := s.IngestEvent(raw, "")
		require.NoError(t, err)
	}

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	notes, err := txn.QueryFilter(wire.Filter{Tags: map[byte][]string{'t': {"golang"}}})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "tagged", notes[0].Content())

	notes, err = txn.QueryFilter(wire.Filter{IDs: []wire.EventID{eventID(t, other)}})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "other", notes[0].Content())
}

func TestQueryJSON(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 5, 1700000000, 1, 0x01)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	notes, err := txn.QueryJSON([]byte(`{"kinds":[1],"limit":3}`))
	require.NoError(t, err)
	require.Len(t, notes, 3)

	_, err = txn.QueryJSON([]byte(`{"kinds":[1]`))
	require.Error(t, err)
}

func TestQueryFullScanFallback(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 5, 1700000000, 1, 0x01)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	since := int64(1700000003)
	notes, err := txn.QueryFilter(wire.Filter{Since: &since})
	require.NoError(t, err)
	require.Len(t, notes, 2)

	notes, err = txn.QueryFilter(wire.Filter{Search: "note 2"})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "note 2", notes[0].Content())
}

func TestQueryUnionDedupes(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 4, 1700000000, 1, 0x01)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	// Both filters match everything; the union must not double-count.
	notes, err := txn.Query(
		wire.Filter{Kinds: []uint32{1}},
		wire.Filter{Tags: map[byte][]string{'t': {"batch"}}},
	)
	require.NoError(t, err)
	require.Len(t, notes, 4)
}

func TestCursorPagination(t *testing.T) {
	s := newTestStore(t)
	ingestN(t, s, 150, 1700000000, 1, 0x01)

	c := s.NewCursor(wire.Filter{Kinds: []uint32{1}}, 50)
	var all []*Note
	pages := 0
	for c.HasMore() {
		page, err := c.Next()
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		pages++
		all = append(all, page...)
	}
	require.Equal(t, 3, pages)
	require.Len(t, all, 150)
	require.False(t, c.HasMore())

	seen := make(map[uint64]struct{}, len(all))
	for i, n := range all {
		_, dup := seen[n.Key()]
		require.False(t, dup, "note %d duplicated", n.Key())
		seen[n.Key()] = struct{}{}
		if i > 0 {
			require.Greater(t, all[i-1].CreatedAt(), n.CreatedAt())
		}
	}

	// A drained cursor keeps returning empty pages.
	page, err := c.Next()
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestCursorEmptyResult(t *testing.T) {
	s := newTestStore(t)
	c := s.NewCursor(wire.Filter{Kinds: []uint32{42}}, 10)
	page, err := c.Next()
	require.NoError(t, err)
	require.Empty(t, page)
	require.False(t, c.HasMore())
}
