package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/gnostr/notedb/wire"
)

// Nostr kinds with ingest-time side effects.
const (
	kindProfile  = 0
	kindTextNote = 1
	kindRepost   = 6
	kindReaction = 7
	kindZap      = 9735
)

// applyEvent writes one event and all of its derived state inside the
// caller's write transaction. All mutations for one event commit or
// abort together.
func (s *Store) applyEvent(tx *bbolt.Tx, job *writeJob) (key uint64, deduped bool, err error) {
	ev := job.ev

	byID := tx.Bucket(bucketNotesByID)
	if existing := byID.Get(ev.ID[:]); existing != nil {
		key = decodeNoteKey(existing)
		// Duplicate: only the relay provenance grows.
		if err := s.recordRelay(tx, key, job.relay); err != nil {
			return 0, false, err
		}
		return key, true, nil
	}

	notes := tx.Bucket(bucketNotes)
	seq, err := notes.NextSequence()
	if err != nil {
		return 0, false, fmt.Errorf("allocating note key: %w", err)
	}
	key = seq
	keyBytes := encodeNoteKey(key)

	if err := notes.Put(keyBytes, frameNote(job.raw)); err != nil {
		return 0, false, fmt.Errorf("writing note %d: %w", key, err)
	}
	if err := byID.Put(ev.ID[:], keyBytes); err != nil {
		return 0, false, fmt.Errorf("indexing note id: %w", err)
	}
	if err := s.indexNote(tx, ev, key); err != nil {
		return 0, false, err
	}

	switch ev.Kind {
	case kindProfile:
		if err := s.upsertProfile(tx, ev, key); err != nil {
			return 0, false, err
		}
	case kindTextNote:
		if err := s.applyTextNote(tx, ev, keyBytes); err != nil {
			return 0, false, err
		}
	case kindRepost:
		if target, ok := lastETag(ev); ok {
			if err := bumpMeta(tx, target, func(m *NoteMeta) { m.Reposts++ }); err != nil {
				return 0, false, err
			}
		}
	case kindReaction:
		if target, ok := lastETag(ev); ok {
			if err := bumpMeta(tx, target, func(m *NoteMeta) { m.Reactions++ }); err != nil {
				return 0, false, err
			}
		}
	}

	if err := s.recordRelay(tx, key, job.relay); err != nil {
		return 0, false, err
	}
	return key, false, nil
}

func (s *Store) indexNote(tx *bbolt.Tx, ev *wire.Event, key uint64) error {
	if err := tx.Bucket(bucketNotesByAuthor).Put(makeAuthorKey(ev.Pubkey, ev.CreatedAt, key), nil); err != nil {
		return fmt.Errorf("indexing author: %w", err)
	}
	if err := tx.Bucket(bucketNotesByKind).Put(makeKindKey(ev.Kind, ev.CreatedAt, key), nil); err != nil {
		return fmt.Errorf("indexing kind: %w", err)
	}
	tagIdx := tx.Bucket(bucketNotesByTag)
	for _, tag := range ev.Tags {
		if len(tag) < 2 || !singleLetterTagName(tag[0]) || !indexableTagValue(tag[1]) {
			continue
		}
		if err := tagIdx.Put(makeTagKey(tag[0][0], tag[1], ev.CreatedAt, key), nil); err != nil {
			return fmt.Errorf("indexing tag %q: %w", tag[0], err)
		}
	}
	return nil
}

// applyTextNote derives the thread, quote, and content-block state of a
// kind-1 note.
func (s *Store) applyTextNote(tx *bbolt.Tx, ev *wire.Event, keyBytes []byte) error {
	thread, mixed := extractThread(ev.Tags)
	if mixed {
		s.nip10Mixed.Inc()
	}
	if thread.Reply.Present {
		if err := bumpMeta(tx, thread.Reply.ID, func(m *NoteMeta) { m.RepliesDirect++ }); err != nil {
			return err
		}
	}
	// A top-level reply has root == reply; the direct bump above already
	// counted it, so the thread counter only tracks deeper descendants.
	if thread.Root.Present && thread.Root.ID != thread.Reply.ID {
		if err := bumpMeta(tx, thread.Root.ID, func(m *NoteMeta) { m.RepliesThread++ }); err != nil {
			return err
		}
	}

	blocks := parseBlocks(ev.Content)
	for _, target := range quoteTargets(ev, blocks) {
		if err := bumpMeta(tx, target, func(m *NoteMeta) { m.Quotes++ }); err != nil {
			return err
		}
	}
	if len(blocks) > 0 {
		data, err := json.Marshal(blocks)
		if err != nil {
			return fmt.Errorf("encoding blocks: %w", err)
		}
		if err := tx.Bucket(bucketNoteBlocks).Put(keyBytes, data); err != nil {
			return fmt.Errorf("writing blocks: %w", err)
		}
	}
	return nil
}

// lastETag returns the target of the final e tag, the NIP-25 convention
// for what a reaction or repost applies to.
func lastETag(ev *wire.Event) (wire.EventID, bool) {
	var id wire.EventID
	found := false
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		var cand wire.EventID
		if err := cand.UnmarshalText([]byte(tag[1])); err == nil {
			id = cand
			found = true
		}
	}
	return id, found
}

// bumpMeta applies a read-modify-write delta to a note's counters. The
// target does not need to exist yet; counters accumulate ahead of the
// note arriving.
func bumpMeta(tx *bbolt.Tx, id wire.EventID, apply func(*NoteMeta)) error {
	bucket := tx.Bucket(bucketNoteMeta)
	var m NoteMeta
	if raw := bucket.Get(id[:]); raw != nil {
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decoding meta for %x: %w", id[:4], err)
		}
	}
	apply(&m)
	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding meta: %w", err)
	}
	return bucket.Put(id[:], data)
}

// recordRelay stores first-seen provenance for a note on a relay.
func (s *Store) recordRelay(tx *bbolt.Tx, key uint64, relay string) error {
	if relay == "" {
		return nil
	}
	bucket := tx.Bucket(bucketNoteRelays)
	rk := makeRelayKey(key, relay)
	if bucket.Get(rk) != nil {
		return nil
	}
	return bucket.Put(rk, encodeUnixSeconds(s.now().Unix()))
}
