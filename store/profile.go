package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gnostr/notedb/wire"
)

// DefaultProfileStaleness is how old a profile fetch may be before
// IsProfileStale suggests refreshing it.
const DefaultProfileStaleness = time.Hour

// Profile is the decoded kind-0 metadata of a pubkey, plus the store's
// record of which note it came from.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Banner      string `json:"banner,omitempty"`
	NIP05       string `json:"nip05,omitempty"`
	LUD16       string `json:"lud16,omitempty"`
	LUD06       string `json:"lud06,omitempty"`
	About       string `json:"about,omitempty"`
	Website     string `json:"website,omitempty"`

	CreatedAt int64  `json:"created_at"`
	NoteKey   uint64 `json:"note_key"`
}

// upsertProfile stores the metadata of a kind-0 event, newest-wins by
// created_at. Unparseable content leaves the stored profile untouched.
func (s *Store) upsertProfile(tx *bbolt.Tx, ev *wire.Event, key uint64) error {
	bucket := tx.Bucket(bucketProfiles)

	if raw := bucket.Get(ev.Pubkey[:]); raw != nil {
		var cur Profile
		if err := json.Unmarshal(raw, &cur); err == nil && cur.CreatedAt >= ev.CreatedAt {
			return nil
		}
	}

	var p Profile
	if err := json.Unmarshal([]byte(ev.Content), &p); err != nil {
		s.logger.Debug("skipping unparseable profile content", "pubkey", ev.Pubkey.ShortString(), "error", err)
		return nil
	}
	p.CreatedAt = ev.CreatedAt
	p.NoteKey = key

	data, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}
	return bucket.Put(ev.Pubkey[:], data)
}

// Profile returns the stored profile of a pubkey.
func (r *ReadTxn) Profile(pk wire.Pubkey) (*Profile, error) {
	raw := r.tx.Bucket(bucketProfiles).Get(pk[:])
	if raw == nil {
		return nil, ErrNotFound
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding profile for %s: %w", pk.ShortString(), err)
	}
	return &p, nil
}

// ProfileNote returns the kind-0 note the stored profile came from.
func (r *ReadTxn) ProfileNote(pk wire.Pubkey) (*Note, error) {
	p, err := r.Profile(pk)
	if err != nil {
		return nil, err
	}
	return r.NoteByKey(p.NoteKey)
}

// ProfileJSON returns the raw content of the stored kind-0 note, the
// undecoded form for callers that relay it verbatim.
func (r *ReadTxn) ProfileJSON(pk wire.Pubkey) ([]byte, error) {
	note, err := r.ProfileNote(pk)
	if err != nil {
		return nil, err
	}
	return []byte(note.Content()), nil
}

// LastProfileFetch returns when the pubkey's profile was last fetched
// from the network, or ErrNotFound if it never was.
func (r *ReadTxn) LastProfileFetch(pk wire.Pubkey) (time.Time, error) {
	raw := r.tx.Bucket(bucketProfileFetch).Get(pk[:])
	if raw == nil {
		return time.Time{}, ErrNotFound
	}
	return time.Unix(decodeUnixSeconds(raw), 0), nil
}

// TouchProfileFetched records a profile fetch at the store clock's now.
func (s *Store) TouchProfileFetched(pk wire.Pubkey) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfileFetch).Put(pk[:], encodeUnixSeconds(s.now().Unix()))
	})
}

// IsProfileStale reports whether a pubkey's profile should be fetched
// again: never fetched, or fetched longer than maxAge ago. A
// non-positive maxAge uses DefaultProfileStaleness.
func (s *Store) IsProfileStale(pk wire.Pubkey, maxAge time.Duration) (bool, error) {
	if maxAge <= 0 {
		maxAge = DefaultProfileStaleness
	}
	txn, err := s.BeginRead()
	if err != nil {
		return false, err
	}
	defer txn.End()
	last, err := txn.LastProfileFetch(pk)
	if err != nil {
		if err == ErrNotFound {
			return true, nil
		}
		return false, err
	}
	return s.now().Sub(last) >= maxAge, nil
}
