package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gnostr/notedb/metrics"
	"github.com/gnostr/notedb/wire"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{
		WithNoSync(true),
		WithRegistry(metrics.NewRegistry()),
	}, opts...)
	s, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// makeEvent builds valid event JSON with a correct id. The signature is
// zeroed; the store does not verify signatures.
func makeEvent(t *testing.T, kind uint32, createdAt int64, content string, tags [][]string, author byte) []byte {
	t.Helper()
	ev := &wire.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Content:   content,
		Tags:      tags,
	}
	for i := range ev.Pubkey {
		ev.Pubkey[i] = author
	}
	ev.ID = ev.ComputeID()
	return ev.Serialize()
}

func eventID(t *testing.T, raw []byte) wire.EventID {
	t.Helper()
	ev, err := wire.ParseEvent(raw)
	require.NoError(t, err)
	return ev.ID
}

func TestIngestAndFetchVerbatim(t *testing.T) {
	s := newTestStore(t)

	raw := makeEvent(t, 1, 1700000000, "hello, nostr", [][]string{{"t", "intro"}}, 0x01)
	key, err := s.IngestEvent(raw, "wss://relay.example.com")
	require.NoError(t, err)
	require.NotZero(t, key)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	note, err := txn.NoteByID(eventID(t, raw))
	require.NoError(t, err)
	require.Equal(t, key, note.Key())
	require.Equal(t, uint32(1), note.Kind())
	require.Equal(t, "hello, nostr", note.Content())
	require.True(t, bytes.Equal(raw, note.JSON()))
	require.Equal(t, []string{"intro"}, note.Hashtags())
	require.Equal(t, `[["t","intro"]]`, string(note.TagsJSON()))
	_, hasETag := note.LastETag()
	require.False(t, hasETag)

	byKey, err := txn.NoteByKey(key)
	require.NoError(t, err)
	require.Equal(t, note.ID(), byKey.ID())
}

func TestIngestDuplicateRecordsRelayOnly(t *testing.T) {
	s := newTestStore(t)

	raw := makeEvent(t, 1, 1700000000, "once", nil, 0x02)
	key1, err := s.IngestEvent(raw, "wss://a.example.com")
	require.NoError(t, err)
	key2, err := s.IngestEvent(raw, "wss://b.example.com")
	require.NoError(t, err)
	require.Equal(t, key1, key2)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	relays, err := txn.NoteRelays(key1)
	require.NoError(t, err)
	require.Len(t, relays, 2)
	urls := []string{relays[0].URL, relays[1].URL}
	require.ElementsMatch(t, []string{"wss://a.example.com", "wss://b.example.com"}, urls)
}

func TestIngestBadEvent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.IngestEvent([]byte(`{"kind": 1}`), "")
	require.Error(t, err)
	require.Equal(t, wire.ErrMissingField, wire.CodeOf(err))
}

func TestIngestEventsLineDelimited(t *testing.T) {
	s := newTestStore(t)

	var buf bytes.Buffer
	buf.Write(makeEvent(t, 1, 1700000001, "one", nil, 0x03))
	buf.WriteByte('\n')
	buf.WriteString("this is not json\n\n")
	buf.Write(makeEvent(t, 1, 1700000002, "two", nil, 0x03))
	buf.WriteByte('\n')

	n, err := s.IngestEvents(buf.Bytes(), "")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSubscribeMatchAndPoll(t *testing.T) {
	notified := make(chan uint64, 16)
	s := newTestStore(t, WithNotify(func(_ context.Context, subID uint64) {
		notified <- subID
	}))

	subID := s.Subscribe(wire.Filter{Kinds: []uint32{1}})
	require.NotZero(t, subID)

	raw := makeEvent(t, 1, 1700000000, "live", nil, 0x04)
	key, err := s.IngestEvent(raw, "")
	require.NoError(t, err)

	select {
	case got := <-notified:
		require.Equal(t, subID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}

	keys := s.PollNotes(subID, 0)
	require.Equal(t, []uint64{key}, keys)
	require.Empty(t, s.PollNotes(subID, 0))

	// Non-matching kinds are not delivered.
	_, err = s.IngestEvent(makeEvent(t, 7, 1700000001, "+", [][]string{{"e", eventID(t, raw).String()}}, 0x05), "")
	require.NoError(t, err)

	// Unsubscribing twice is tolerated.
	s.Unsubscribe(subID)
	s.Unsubscribe(subID)
	require.Empty(t, s.PollNotes(subID, 0))
}

func TestSubscriptionQueueDropsOldest(t *testing.T) {
	sub := &subscription{id: 1}
	d := newDispatcher()
	for i := 0; i < subQueueCap+3; i++ {
		sub.push(uint64(i+1), d)
	}
	require.Equal(t, uint64(3), sub.dropped)
	require.Len(t, sub.queue, subQueueCap)
	require.Equal(t, uint64(4), sub.queue[0])
}

func TestReplyCounting(t *testing.T) {
	s := newTestStore(t)

	root := makeEvent(t, 1, 1700000000, "root", nil, 0x10)
	rootID := eventID(t, root)
	_, err := s.IngestEvent(root, "")
	require.NoError(t, err)

	// Direct reply to the root (marked root-only, reply falls back to root).
	reply1 := makeEvent(t, 1, 1700000010, "first", [][]string{
		{"e", rootID.String(), "", "root"},
	}, 0x11)
	reply1ID := eventID(t, reply1)
	_, err = s.IngestEvent(reply1, "")
	require.NoError(t, err)

	// Nested reply: root marker to the root, reply marker to reply1.
	reply2 := makeEvent(t, 1, 1700000020, "second", [][]string{
		{"e", rootID.String(), "", "root"},
		{"e", reply1ID.String(), "", "reply"},
	}, 0x12)
	_, err = s.IngestEvent(reply2, "")
	require.NoError(t, err)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	rootMeta, err := txn.NoteMeta(rootID)
	require.NoError(t, err)
	// reply1 lands on the root directly; only reply2 is a deeper
	// descendant, so the thread counter stays at 1.
	require.Equal(t, uint64(1), rootMeta.RepliesDirect)
	require.Equal(t, uint64(1), rootMeta.RepliesThread)

	reply1Meta, err := txn.NoteMeta(reply1ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reply1Meta.RepliesDirect)
	require.Zero(t, reply1Meta.RepliesThread)
}

func TestTopLevelReplyCountsOnceOnRoot(t *testing.T) {
	s := newTestStore(t)

	root := makeEvent(t, 1, 1700000000, "root", nil, 0x10)
	rootID := eventID(t, root)
	_, err := s.IngestEvent(root, "")
	require.NoError(t, err)

	// Marked root-only: the reply target falls back to the root.
	marked := makeEvent(t, 1, 1700000010, "marked", [][]string{
		{"e", rootID.String(), "", "root"},
	}, 0x11)
	_, err = s.IngestEvent(marked, "")
	require.NoError(t, err)

	// Single positional e tag: root and reply are the same target.
	positional := makeEvent(t, 1, 1700000020, "positional", [][]string{
		{"e", rootID.String()},
	}, 0x12)
	_, err = s.IngestEvent(positional, "")
	require.NoError(t, err)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	meta, err := txn.NoteMeta(rootID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.RepliesDirect)
	require.Zero(t, meta.RepliesThread)
}

func TestReactionsAndReposts(t *testing.T) {
	s := newTestStore(t)

	target := makeEvent(t, 1, 1700000000, "target", nil, 0x20)
	targetID := eventID(t, target)
	_, err := s.IngestEvent(target, "")
	require.NoError(t, err)

	reactions := [][]byte{
		makeEvent(t, 7, 1700000001, "+", [][]string{{"e", targetID.String()}}, 0x21),
		makeEvent(t, 7, 1700000002, "", [][]string{{"e", targetID.String()}}, 0x22),
		makeEvent(t, 7, 1700000003, "🔥", [][]string{{"e", targetID.String()}}, 0x23),
	}
	for _, raw := range reactions {
		_, err := s.IngestEvent(raw, "")
		require.NoError(t, err)
	}
	repost := makeEvent(t, 6, 1700000004, "", [][]string{{"e", targetID.String()}}, 0x24)
	_, err = s.IngestEvent(repost, "")
	require.NoError(t, err)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	meta, err := txn.NoteMeta(targetID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), meta.Reactions)
	require.Equal(t, uint64(1), meta.Reposts)

	breakdown, err := txn.ReactionBreakdown(targetID)
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"+": 2, "🔥": 1}, breakdown)

	reactionCounts, err := txn.CountReactionsBatch([]wire.EventID{targetID})
	require.NoError(t, err)
	require.Equal(t, uint64(3), reactionCounts[targetID])
	reposts, err := txn.CountRepostsBatch([]wire.EventID{targetID})
	require.NoError(t, err)
	require.Equal(t, uint64(1), reposts[targetID])

	var reactor, stranger wire.Pubkey
	for i := range reactor {
		reactor[i] = 0x21
		stranger[i] = 0x7f
	}
	reacted, err := txn.UserHasReactedBatch(reactor, []wire.EventID{targetID})
	require.NoError(t, err)
	require.True(t, reacted[targetID])
	reacted, err = txn.UserHasReactedBatch(stranger, []wire.EventID{targetID})
	require.NoError(t, err)
	require.False(t, reacted[targetID])
}

func TestAggregationsEmptyNotNil(t *testing.T) {
	s := newTestStore(t)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	var unknown wire.EventID
	unknown[0] = 0xee

	breakdown, err := txn.ReactionBreakdown(unknown)
	require.NoError(t, err)
	require.NotNil(t, breakdown)
	require.Empty(t, breakdown)

	meta, err := txn.NoteMetaBatch(nil)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Empty(t, meta)

	zaps, err := txn.ZapStatsBatch([]wire.EventID{unknown})
	require.NoError(t, err)
	require.Equal(t, ZapStats{}, zaps[unknown])
}

func TestZapStats(t *testing.T) {
	s := newTestStore(t)

	target := makeEvent(t, 1, 1700000000, "zap me", nil, 0x30)
	targetID := eventID(t, target)
	_, err := s.IngestEvent(target, "")
	require.NoError(t, err)

	// amount tag wins over bolt11
	zap1 := makeEvent(t, 9735, 1700000001, "", [][]string{
		{"e", targetID.String()},
		{"amount", "21000"},
		{"bolt11", "lnbc10u1pfake"},
	}, 0x31)
	// bolt11 fallback: 10u = 10 * 100_000 msat
	zap2 := makeEvent(t, 9735, 1700000002, "", [][]string{
		{"e", targetID.String()},
		{"bolt11", "lnbc10u1pfake"},
	}, 0x32)
	for _, raw := range [][]byte{zap1, zap2} {
		_, err := s.IngestEvent(raw, "")
		require.NoError(t, err)
	}

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	stats, err := txn.ZapStatsBatch([]wire.EventID{targetID})
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats[targetID].Count)
	require.Equal(t, uint64(21000+1_000_000), stats[targetID].TotalMsat)
}

func TestQuoteCounting(t *testing.T) {
	s := newTestStore(t)

	quoted := makeEvent(t, 1, 1700000000, "quotable", nil, 0x40)
	quotedID := eventID(t, quoted)
	_, err := s.IngestEvent(quoted, "")
	require.NoError(t, err)

	// Quote via q tag; an invalid inline entity must not add more.
	quote := makeEvent(t, 1, 1700000010, "look at this", [][]string{
		{"q", quotedID.String()},
	}, 0x41)
	_, err = s.IngestEvent(quote, "")
	require.NoError(t, err)

	txn, err := s.BeginRead()
	require.NoError(t, err)
	defer txn.End()

	meta, err := txn.NoteMeta(quotedID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), meta.Quotes)
}

func TestReopenKeepsKeysMonotonic(t *testing.T) {
	dir := t.TempDir()
	reg := metrics.NewRegistry()

	s, err := Open(dir, WithNoSync(true), WithRegistry(reg))
	require.NoError(t, err)
	key1, err := s.IngestEvent(makeEvent(t, 1, 1700000000, "first life", nil, 0x50), "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, WithNoSync(true), WithRegistry(reg))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()
	key2, err := s.IngestEvent(makeEvent(t, 1, 1700000001, "second life", nil, 0x50), "")
	require.NoError(t, err)
	require.Greater(t, key2, key1)
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s, err := Open(t.TempDir(), WithNoSync(true), WithRegistry(metrics.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.IngestEvent(makeEvent(t, 1, 1700000000, "late", nil, 0x60), "")
	require.Equal(t, ErrClosed, err)
	_, err = s.BeginRead()
	require.Equal(t, ErrClosed, err)
}

func TestExpiration(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := newTestStore(t, WithNow(func() time.Time { return now }))

	expired := makeEvent(t, 1, 1699990000, "gone", [][]string{{"expiration", "1699999999"}}, 0x70)
	fresh := makeEvent(t, 1, 1699990000, "here", [][]string{{"expiration", "1800000000"}}, 0x70)
	plain := makeEvent(t, 1, 1699990000, "forever", nil, 0x70)
	for _, raw := range [][]byte{expired, fresh, plain} {
		_, err := s.IngestEvent(raw, "")
		require.NoError(t, err)
	}

	isExp, err := s.IsEventExpired(eventID(t, expired))
	require.NoError(t, err)
	require.True(t, isExp)

	isExp, err = s.IsEventExpired(eventID(t, fresh))
	require.NoError(t, err)
	require.False(t, isExp)

	isExp, err = s.IsEventExpired(eventID(t, plain))
	require.NoError(t, err)
	require.False(t, isExp)

	// Unknown events are simply not expired.
	var unknown wire.EventID
	unknown[0] = 0x99
	isExp, err = s.IsEventExpired(unknown)
	require.NoError(t, err)
	require.False(t, isExp)
}

func TestMainThreadGuard(t *testing.T) {
	s := newTestStore(t)
	s.MarkMainThread()

	_, err := s.IngestEvent(makeEvent(t, 1, 1700000000, "blocking", nil, 0x80), "")
	require.NoError(t, err)
	txn, err := s.BeginRead()
	require.NoError(t, err)
	txn.End()

	violations, sites := s.MainThreadViolations()
	require.Equal(t, uint64(2), violations)
	require.Equal(t, uint64(1), sites["IngestEvent"])
	require.Equal(t, uint64(1), sites["BeginRead"])
}
