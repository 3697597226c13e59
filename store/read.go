package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gnostr/notedb/wire"
)

// ReadTxn is an MVCC read transaction. It sees the store as of the
// moment it began and holds database pages until ended; always call
// End, typically via defer.
type ReadTxn struct {
	tx *bbolt.Tx
	s  *Store
}

// BeginRead opens a read transaction.
func (s *Store) BeginRead() (*ReadTxn, error) {
	s.guard.check("BeginRead")
	if s.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("beginning read transaction: %w", err)
	}
	return &ReadTxn{tx: tx, s: s}, nil
}

// BeginReadRetry opens a read transaction, retrying transient failures
// with a fixed backoff between attempts.
func (s *Store) BeginReadRetry(attempts int, backoff time.Duration) (*ReadTxn, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var txn *ReadTxn
		txn, err = s.BeginRead()
		if err == nil {
			return txn, nil
		}
		if err == ErrClosed {
			return nil, err
		}
		time.Sleep(backoff)
	}
	return nil, err
}

// End releases the transaction. Safe to call on an already-ended txn.
func (r *ReadTxn) End() {
	if r.tx != nil {
		_ = r.tx.Rollback()
		r.tx = nil
	}
}

// Note is a decoded note bound to its read transaction.
type Note struct {
	key uint64
	ev  *wire.Event
	raw []byte
}

// NoteByKey fetches a note by its store key.
func (r *ReadTxn) NoteByKey(key uint64) (*Note, error) {
	val := r.tx.Bucket(bucketNotes).Get(encodeNoteKey(key))
	if val == nil {
		return nil, ErrNotFound
	}
	return decodeNote(key, val)
}

// NoteByID fetches a note by its 32-byte event id.
func (r *ReadTxn) NoteByID(id wire.EventID) (*Note, error) {
	keyBytes := r.tx.Bucket(bucketNotesByID).Get(id[:])
	if keyBytes == nil {
		return nil, ErrNotFound
	}
	return r.NoteByKey(decodeNoteKey(keyBytes))
}

func decodeNote(key uint64, val []byte) (*Note, error) {
	raw, err := unframeNote(val)
	if err != nil {
		return nil, fmt.Errorf("note %d: %w", key, err)
	}
	ev, err := wire.ParseEvent(raw)
	if err != nil {
		return nil, fmt.Errorf("note %d: %w", key, err)
	}
	return &Note{key: key, ev: ev, raw: raw}, nil
}

// Key returns the store key of the note.
func (n *Note) Key() uint64 { return n.key }

// ID returns the event id.
func (n *Note) ID() wire.EventID { return n.ev.ID }

// Pubkey returns the author key.
func (n *Note) Pubkey() wire.Pubkey { return n.ev.Pubkey }

// Kind returns the event kind.
func (n *Note) Kind() uint32 { return n.ev.Kind }

// CreatedAt returns the claimed creation time in unix seconds.
func (n *Note) CreatedAt() int64 { return n.ev.CreatedAt }

// Content returns the note content.
func (n *Note) Content() string { return n.ev.Content }

// Tags returns the note's tag list. Callers must not mutate it.
func (n *Note) Tags() [][]string { return n.ev.Tags }

// Event returns the decoded event. Callers must not mutate it.
func (n *Note) Event() *wire.Event { return n.ev }

// JSON returns the canonical serialized form of the note.
func (n *Note) JSON() []byte { return n.raw }

// Hashtags returns the values of all t tags.
func (n *Note) Hashtags() []string {
	var out []string
	for _, tag := range n.ev.Tags {
		if len(tag) >= 2 && tag[0] == "t" {
			out = append(out, tag[1])
		}
	}
	return out
}

// TagsJSON renders just the tag list as canonical JSON.
func (n *Note) TagsJSON() []byte {
	buf := make([]byte, 0, 64)
	return appendTagsJSON(buf, n.ev.Tags)
}

func appendTagsJSON(buf []byte, tags [][]string) []byte {
	buf = append(buf, '[')
	for i, tag := range tags {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '[')
		for j, el := range tag {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = wire.AppendJSONString(buf, el)
		}
		buf = append(buf, ']')
	}
	return append(buf, ']')
}

// LastETag returns the target of the note's final e tag, the NIP-25
// convention for what a reaction or repost applies to.
func (n *Note) LastETag() (wire.EventID, bool) {
	return lastETag(n.ev)
}

// Thread returns the NIP-10 reply structure of the note.
func (n *Note) Thread() Thread {
	t, _ := extractThread(n.ev.Tags)
	return t
}

// Expiration returns the NIP-40 expiration timestamp, or ok=false when
// the note does not expire.
func (n *Note) Expiration() (int64, bool) {
	tag := n.ev.Tag("expiration")
	if tag == nil || len(tag) < 2 {
		return 0, false
	}
	ts, _, err := wire.ParseInt64([]byte(tag[1]), 0)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// IsExpired reports whether the note's expiration has passed at the
// given time.
func (n *Note) IsExpired(now time.Time) bool {
	exp, ok := n.Expiration()
	return ok && exp <= now.Unix()
}

// IsEventExpired reports whether a stored event is expired according to
// the store clock. Unknown events are not expired.
func (s *Store) IsEventExpired(id wire.EventID) (bool, error) {
	txn, err := s.BeginRead()
	if err != nil {
		return false, err
	}
	defer txn.End()
	note, err := txn.NoteByID(id)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return note.IsExpired(s.now()), nil
}

// NoteRelay records where and when a note was first seen.
type NoteRelay struct {
	URL       string
	FirstSeen int64
}

// NoteRelays lists the relays a note has been seen on.
func (r *ReadTxn) NoteRelays(key uint64) ([]NoteRelay, error) {
	prefix := encodeNoteKey(key)
	c := r.tx.Bucket(bucketNoteRelays).Cursor()
	var out []NoteRelay
	for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
		_, relay := parseRelayKey(k)
		out = append(out, NoteRelay{URL: relay, FirstSeen: decodeUnixSeconds(v)})
	}
	return out, nil
}

// Blocks returns the parsed content blocks of a note, or an empty slice
// when none were derived.
func (r *ReadTxn) Blocks(key uint64) ([]Block, error) {
	raw := r.tx.Bucket(bucketNoteBlocks).Get(encodeNoteKey(key))
	if raw == nil {
		return nil, nil
	}
	return decodeBlocks(key, raw)
}
