package marmot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gnostr/notedb/wire"
)

// NoteStoreStorage keeps MLS state alongside a note store: a separate
// bbolt database under <dir>/mls_state, so group-messaging state and
// the public note database live in one place on disk.
type NoteStoreStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

var (
	mmGroups            = []byte("groups")             // mls_group_id -> Group JSON
	mmGroupsByNostr     = []byte("groups_by_nostr")    // nostr_group_id -> mls_group_id
	mmMessages          = []byte("messages")           // message id[32] -> Message JSON
	mmMessagesByGroup   = []byte("messages_by_group")  // len(gid)[2] + gid + desc created_at[8] + id[32] -> nil
	mmProcessedMessages = []byte("processed_messages") // wrapper id[32] -> ProcessedMessage JSON
	mmWelcomes          = []byte("welcomes")           // welcome id[32] -> Welcome JSON
	mmProcessedWelcomes = []byte("processed_welcomes") // wrapper id[32] -> ProcessedWelcome JSON
	mmRelays            = []byte("group_relays")       // mls_group_id -> JSON string array
	mmSecrets           = []byte("exporter_secrets")   // len(gid)[2] + gid + epoch[8] -> secret[32]
	mmMLS               = []byte("mls_keys")           // nested bucket per label -> key -> value
	mmSnapshots         = []byte("snapshots")          // id[8] -> snapshot JSON
)

var mmBuckets = [][]byte{
	mmGroups, mmGroupsByNostr, mmMessages, mmMessagesByGroup,
	mmProcessedMessages, mmWelcomes, mmProcessedWelcomes,
	mmRelays, mmSecrets, mmMLS, mmSnapshots,
}

// NewNoteStoreStorage opens (creating if necessary) the MLS state
// database inside a note store directory.
func NewNoteStoreStorage(dir string) (*NoteStoreStorage, error) {
	stateDir := filepath.Join(dir, "mls_state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mls state dir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(stateDir, "mls.db"), 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening mls state database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range mmBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &NoteStoreStorage{db: db, now: time.Now}, nil
}

// groupPrefix length-prefixes an mls group id so ids of different
// lengths cannot collide in composite keys.
func groupPrefix(gid []byte) []byte {
	out := make([]byte, 2+len(gid))
	binary.BigEndian.PutUint16(out, uint16(len(gid))) //nolint:gosec // mls group ids are short
	copy(out[2:], gid)
	return out
}

func descTime(ts int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ^uint64(ts)) //nolint:gosec // intentional order-reversing encode
	return buf
}

func messageIndexKey(m *Message) []byte {
	prefix := groupPrefix(m.MLSGroupID)
	key := make([]byte, 0, len(prefix)+8+32)
	key = append(key, prefix...)
	key = append(key, descTime(m.CreatedAt)...)
	key = append(key, m.ID[:]...)
	return key
}

func getJSON[T any](b *bbolt.Bucket, key []byte) (*T, error) {
	raw := b.Get(key)
	if raw == nil {
		return nil, ErrNotFound
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &v, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return b.Put(key, data)
}

func (s *NoteStoreStorage) AllGroups() ([]Group, error) {
	var out []Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(mmGroups).ForEach(func(_, v []byte) error {
			var g Group
			if err := json.Unmarshal(v, &g); err != nil {
				return fmt.Errorf("decoding group: %w", err)
			}
			out = append(out, g)
			return nil
		})
	})
	return out, err
}

func (s *NoteStoreStorage) FindGroupByMLSID(mlsGroupID []byte) (*Group, error) {
	var g *Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		g, err = getJSON[Group](tx.Bucket(mmGroups), mlsGroupID)
		return err
	})
	return g, err
}

func (s *NoteStoreStorage) FindGroupByNostrID(nostrGroupID string) (*Group, error) {
	var g *Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		gid := tx.Bucket(mmGroupsByNostr).Get([]byte(nostrGroupID))
		if gid == nil {
			return ErrNotFound
		}
		var err error
		g, err = getJSON[Group](tx.Bucket(mmGroups), gid)
		return err
	})
	return g, err
}

func (s *NoteStoreStorage) SaveGroup(g Group) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(mmGroups), g.MLSGroupID, &g); err != nil {
			return err
		}
		return tx.Bucket(mmGroupsByNostr).Put([]byte(g.NostrGroupID), g.MLSGroupID)
	})
}

func (s *NoteStoreStorage) Messages(mlsGroupID []byte, p Pagination) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(mmMessages)
		prefix := groupPrefix(mlsGroupID)
		c := tx.Bucket(mmMessagesByGroup).Cursor()
		skipped := 0
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if skipped < p.Offset {
				skipped++
				continue
			}
			if p.Limit > 0 && len(out) >= p.Limit {
				break
			}
			id := k[len(k)-32:]
			m, err := getJSON[Message](msgs, id)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return nil
	})
	return out, err
}

func (s *NoteStoreStorage) LastMessage(mlsGroupID []byte, order SortOrder) (*Message, error) {
	if order == CreatedAtFirst {
		msgs, err := s.Messages(mlsGroupID, Pagination{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			return nil, ErrNotFound
		}
		return &msgs[0], nil
	}
	// Processed order is not indexed; scan the group's messages.
	msgs, err := s.Messages(mlsGroupID, Pagination{})
	if err != nil {
		return nil, err
	}
	var best *Message
	for i := range msgs {
		if best == nil || messageAfter(&msgs[i], best, order) {
			best = &msgs[i]
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *NoteStoreStorage) SaveMessage(m Message) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(mmMessages)
		idx := tx.Bucket(mmMessagesByGroup)
		if prev, err := getJSON[Message](msgs, m.ID[:]); err == nil {
			if err := idx.Delete(messageIndexKey(prev)); err != nil {
				return err
			}
		}
		if err := putJSON(msgs, m.ID[:], &m); err != nil {
			return err
		}
		return idx.Put(messageIndexKey(&m), nil)
	})
}

func (s *NoteStoreStorage) FindMessageByID(id wire.EventID) (*Message, error) {
	var m *Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		m, err = getJSON[Message](tx.Bucket(mmMessages), id[:])
		return err
	})
	return m, err
}

func (s *NoteStoreStorage) IsMessageProcessed(wrapperID wire.EventID) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(mmProcessedMessages).Get(wrapperID[:]) != nil
		return nil
	})
	return found, err
}

func (s *NoteStoreStorage) SaveProcessedMessage(pm ProcessedMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(mmProcessedMessages), pm.WrapperID[:], &pm)
	})
}

func (s *NoteStoreStorage) FindProcessedMessage(wrapperID wire.EventID) (*ProcessedMessage, error) {
	var pm *ProcessedMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		pm, err = getJSON[ProcessedMessage](tx.Bucket(mmProcessedMessages), wrapperID[:])
		return err
	})
	return pm, err
}

func (s *NoteStoreStorage) SaveWelcome(w Welcome) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(mmWelcomes), w.ID[:], &w)
	})
}

func (s *NoteStoreStorage) FindWelcomeByEventID(id wire.EventID) (*Welcome, error) {
	var w *Welcome
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		w, err = getJSON[Welcome](tx.Bucket(mmWelcomes), id[:])
		return err
	})
	return w, err
}

func (s *NoteStoreStorage) PendingWelcomes(p Pagination) ([]Welcome, error) {
	var out []Welcome
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(mmWelcomes).ForEach(func(_, v []byte) error {
			var w Welcome
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("decoding welcome: %w", err)
			}
			if w.State == WelcomePending {
				out = append(out, w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return paginateWelcomes(out, p), nil
}

func (s *NoteStoreStorage) SaveProcessedWelcome(pw ProcessedWelcome) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(mmProcessedWelcomes), pw.WrapperID[:], &pw)
	})
}

func (s *NoteStoreStorage) FindProcessedWelcome(wrapperID wire.EventID) (*ProcessedWelcome, error) {
	var pw *ProcessedWelcome
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		pw, err = getJSON[ProcessedWelcome](tx.Bucket(mmProcessedWelcomes), wrapperID[:])
		return err
	})
	return pw, err
}

func (s *NoteStoreStorage) GroupRelays(mlsGroupID []byte) ([]string, error) {
	out := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(mmRelays).Get(mlsGroupID)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	return out, err
}

func (s *NoteStoreStorage) ReplaceGroupRelays(mlsGroupID []byte, relays []string) error {
	if relays == nil {
		relays = []string{}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(mmRelays), mlsGroupID, relays)
	})
}

func secretKeyBytes(gid []byte, epoch uint64) []byte {
	prefix := groupPrefix(gid)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], epoch)
	return key
}

func (s *NoteStoreStorage) ExporterSecret(mlsGroupID []byte, epoch uint64) (*ExporterSecret, error) {
	var es *ExporterSecret
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(mmSecrets).Get(secretKeyBytes(mlsGroupID, epoch))
		if raw == nil {
			return ErrNotFound
		}
		es = &ExporterSecret{MLSGroupID: mlsGroupID, Epoch: epoch}
		copy(es.Secret[:], raw)
		return nil
	})
	return es, err
}

func (s *NoteStoreStorage) SaveExporterSecret(es ExporterSecret) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(mmSecrets).Put(secretKeyBytes(es.MLSGroupID, es.Epoch), es.Secret[:])
	})
}

func (s *NoteStoreStorage) MLSStore(label string, key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(mmMLS).CreateBucketIfNotExists([]byte(label))
		if err != nil {
			return fmt.Errorf("creating label bucket: %w", err)
		}
		return b.Put(key, value)
	})
}

func (s *NoteStoreStorage) MLSLoad(label string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(mmMLS).Bucket([]byte(label))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

func (s *NoteStoreStorage) MLSDelete(label string, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(mmMLS).Bucket([]byte(label))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

type mlsSnapshot struct {
	CreatedAt int64    `json:"created_at"`
	Rows      []mlsRow `json:"rows"`
}

func (s *NoteStoreStorage) CreateSnapshot() (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		snap := mlsSnapshot{CreatedAt: s.now().Unix()}
		mls := tx.Bucket(mmMLS)
		err := mls.ForEachBucket(func(label []byte) error {
			return mls.Bucket(label).ForEach(func(k, v []byte) error {
				row := mlsRow{Label: string(label)}
				row.Key = append(row.Key, k...)
				row.Value = append(row.Value, v...)
				snap.Rows = append(snap.Rows, row)
				return nil
			})
		})
		if err != nil {
			return err
		}
		snaps := tx.Bucket(mmSnapshots)
		id, err = snaps.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return putJSON(snaps, key, &snap)
	})
	return id, err
}

func (s *NoteStoreStorage) RollbackSnapshot(id uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		snap, err := getJSON[mlsSnapshot](tx.Bucket(mmSnapshots), key)
		if err != nil {
			return err
		}
		if err := tx.DeleteBucket(mmMLS); err != nil {
			return err
		}
		mls, err := tx.CreateBucket(mmMLS)
		if err != nil {
			return err
		}
		for _, row := range snap.Rows {
			b, err := mls.CreateBucketIfNotExists([]byte(row.Label))
			if err != nil {
				return err
			}
			if err := b.Put(row.Key, row.Value); err != nil {
				return err
			}
		}
		return tx.Bucket(mmSnapshots).Delete(key)
	})
}

func (s *NoteStoreStorage) ReleaseSnapshot(id uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		snaps := tx.Bucket(mmSnapshots)
		if snaps.Get(key) == nil {
			return ErrNotFound
		}
		return snaps.Delete(key)
	})
}

func (s *NoteStoreStorage) PruneExpiredSnapshots(ttl time.Duration) (int, error) {
	pruned := 0
	cutoff := s.now().Add(-ttl).Unix()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		snaps := tx.Bucket(mmSnapshots)
		c := snaps.Cursor()
		var expired [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var snap mlsSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("decoding snapshot: %w", err)
			}
			if ttl <= 0 || snap.CreatedAt < cutoff {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
		}
		for _, k := range expired {
			if err := snaps.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(expired)
		return nil
	})
	return pruned, err
}

func (s *NoteStoreStorage) Persistent() bool { return true }

func (s *NoteStoreStorage) Close() error { return s.db.Close() }
