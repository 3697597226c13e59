package marmot

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gnostr/notedb/wire"
)

// SQLiteStorage persists state in a single SQLite database file.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS mls_groups (
	mls_group_id   BLOB PRIMARY KEY,
	nostr_group_id TEXT NOT NULL UNIQUE,
	data           TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id           BLOB PRIMARY KEY,
	mls_group_id BLOB NOT NULL,
	created_at   INTEGER NOT NULL,
	processed_at INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_by_group ON messages (mls_group_id, created_at DESC);
CREATE TABLE IF NOT EXISTS processed_messages (
	wrapper_id BLOB PRIMARY KEY,
	data       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS welcomes (
	id    BLOB PRIMARY KEY,
	state TEXT NOT NULL,
	data  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS processed_welcomes (
	wrapper_id BLOB PRIMARY KEY,
	data       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS group_relays (
	mls_group_id BLOB NOT NULL,
	relay_url    TEXT NOT NULL,
	PRIMARY KEY (mls_group_id, relay_url)
);
CREATE TABLE IF NOT EXISTS exporter_secrets (
	mls_group_id BLOB NOT NULL,
	epoch        INTEGER NOT NULL,
	secret       BLOB NOT NULL,
	PRIMARY KEY (mls_group_id, epoch)
);
CREATE TABLE IF NOT EXISTS mls_keys (
	label TEXT NOT NULL,
	key   BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (label, key)
);
CREATE TABLE IF NOT EXISTS mls_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
`

// NewSQLiteStorage opens (creating if necessary) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func (s *SQLiteStorage) AllGroups() ([]Group, error) {
	rows, err := s.db.Query(`SELECT data FROM mls_groups ORDER BY nostr_group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var g Group
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, fmt.Errorf("decoding group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) FindGroupByMLSID(mlsGroupID []byte) (*Group, error) {
	return scanGroup(s.db.QueryRow(`SELECT data FROM mls_groups WHERE mls_group_id = ?`, mlsGroupID))
}

func (s *SQLiteStorage) FindGroupByNostrID(nostrGroupID string) (*Group, error) {
	return scanGroup(s.db.QueryRow(`SELECT data FROM mls_groups WHERE nostr_group_id = ?`, nostrGroupID))
}

func scanGroup(row *sql.Row) (*Group, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var g Group
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("decoding group: %w", err)
	}
	return &g, nil
}

func (s *SQLiteStorage) SaveGroup(g Group) error {
	data, err := json.Marshal(&g)
	if err != nil {
		return fmt.Errorf("encoding group: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO mls_groups (mls_group_id, nostr_group_id, data) VALUES (?, ?, ?)`,
		g.MLSGroupID, g.NostrGroupID, string(data))
	return err
}

func (s *SQLiteStorage) Messages(mlsGroupID []byte, p Pagination) ([]Message, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT data FROM messages WHERE mls_group_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		mlsGroupID, limit, p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) LastMessage(mlsGroupID []byte, order SortOrder) (*Message, error) {
	orderBy := "created_at DESC"
	if order == ProcessedAtFirst {
		orderBy = "processed_at DESC, created_at DESC"
	}
	row := s.db.QueryRow(
		`SELECT data FROM messages WHERE mls_group_id = ? ORDER BY `+orderBy+` LIMIT 1`, mlsGroupID)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStorage) SaveMessage(m Message) error {
	data, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO messages (id, mls_group_id, created_at, processed_at, data) VALUES (?, ?, ?, ?, ?)`,
		m.ID[:], m.MLSGroupID, m.CreatedAt, m.ProcessedAt, string(data))
	return err
}

func (s *SQLiteStorage) FindMessageByID(id wire.EventID) (*Message, error) {
	row := s.db.QueryRow(`SELECT data FROM messages WHERE id = ?`, id[:])
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStorage) IsMessageProcessed(wrapperID wire.EventID) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_messages WHERE wrapper_id = ?`, wrapperID[:]).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) SaveProcessedMessage(pm ProcessedMessage) error {
	data, err := json.Marshal(&pm)
	if err != nil {
		return fmt.Errorf("encoding processed message: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO processed_messages (wrapper_id, data) VALUES (?, ?)`,
		pm.WrapperID[:], string(data))
	return err
}

func (s *SQLiteStorage) FindProcessedMessage(wrapperID wire.EventID) (*ProcessedMessage, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM processed_messages WHERE wrapper_id = ?`, wrapperID[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var pm ProcessedMessage
	if err := json.Unmarshal([]byte(data), &pm); err != nil {
		return nil, fmt.Errorf("decoding processed message: %w", err)
	}
	return &pm, nil
}

func (s *SQLiteStorage) SaveWelcome(w Welcome) error {
	data, err := json.Marshal(&w)
	if err != nil {
		return fmt.Errorf("encoding welcome: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO welcomes (id, state, data) VALUES (?, ?, ?)`,
		w.ID[:], string(w.State), string(data))
	return err
}

func (s *SQLiteStorage) FindWelcomeByEventID(id wire.EventID) (*Welcome, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM welcomes WHERE id = ?`, id[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var w Welcome
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("decoding welcome: %w", err)
	}
	return &w, nil
}

func (s *SQLiteStorage) PendingWelcomes(p Pagination) ([]Welcome, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT data FROM welcomes WHERE state = ? ORDER BY id LIMIT ? OFFSET ?`,
		string(WelcomePending), limit, p.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Welcome
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var w Welcome
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, fmt.Errorf("decoding welcome: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveProcessedWelcome(pw ProcessedWelcome) error {
	data, err := json.Marshal(&pw)
	if err != nil {
		return fmt.Errorf("encoding processed welcome: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO processed_welcomes (wrapper_id, data) VALUES (?, ?)`,
		pw.WrapperID[:], string(data))
	return err
}

func (s *SQLiteStorage) FindProcessedWelcome(wrapperID wire.EventID) (*ProcessedWelcome, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM processed_welcomes WHERE wrapper_id = ?`, wrapperID[:]).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var pw ProcessedWelcome
	if err := json.Unmarshal([]byte(data), &pw); err != nil {
		return nil, fmt.Errorf("decoding processed welcome: %w", err)
	}
	return &pw, nil
}

func (s *SQLiteStorage) GroupRelays(mlsGroupID []byte) ([]string, error) {
	rows, err := s.db.Query(`SELECT relay_url FROM group_relays WHERE mls_group_id = ? ORDER BY relay_url`, mlsGroupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		out = append(out, url)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ReplaceGroupRelays(mlsGroupID []byte, relays []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if _, err := tx.Exec(`DELETE FROM group_relays WHERE mls_group_id = ?`, mlsGroupID); err != nil {
		return err
	}
	for _, url := range relays {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO group_relays (mls_group_id, relay_url) VALUES (?, ?)`,
			mlsGroupID, url); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) ExporterSecret(mlsGroupID []byte, epoch uint64) (*ExporterSecret, error) {
	var secret []byte
	err := s.db.QueryRow(`SELECT secret FROM exporter_secrets WHERE mls_group_id = ? AND epoch = ?`,
		mlsGroupID, int64(epoch)).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	es := ExporterSecret{MLSGroupID: mlsGroupID, Epoch: epoch}
	copy(es.Secret[:], secret)
	return &es, nil
}

func (s *SQLiteStorage) SaveExporterSecret(es ExporterSecret) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO exporter_secrets (mls_group_id, epoch, secret) VALUES (?, ?, ?)`,
		es.MLSGroupID, int64(es.Epoch), es.Secret[:])
	return err
}

func (s *SQLiteStorage) MLSStore(label string, key, value []byte) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO mls_keys (label, key, value) VALUES (?, ?, ?)`, label, key, value)
	return err
}

func (s *SQLiteStorage) MLSLoad(label string, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM mls_keys WHERE label = ? AND key = ?`, label, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *SQLiteStorage) MLSDelete(label string, key []byte) error {
	_, err := s.db.Exec(`DELETE FROM mls_keys WHERE label = ? AND key = ?`, label, key)
	return err
}

type mlsRow struct {
	Label string `json:"label"`
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func (s *SQLiteStorage) CreateSnapshot() (uint64, error) {
	rows, err := s.db.Query(`SELECT label, key, value FROM mls_keys`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var all []mlsRow
	for rows.Next() {
		var r mlsRow
		if err := rows.Scan(&r.Label, &r.Key, &r.Value); err != nil {
			return 0, err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	data, err := json.Marshal(all)
	if err != nil {
		return 0, fmt.Errorf("encoding snapshot: %w", err)
	}
	res, err := s.db.Exec(`INSERT INTO mls_snapshots (created_at, data) VALUES (?, ?)`,
		s.now().Unix(), string(data))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *SQLiteStorage) RollbackSnapshot(id uint64) error {
	var data string
	err := s.db.QueryRow(`SELECT data FROM mls_snapshots WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var all []mlsRow
	if err := json.Unmarshal([]byte(data), &all); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if _, err := tx.Exec(`DELETE FROM mls_keys`); err != nil {
		return err
	}
	for _, r := range all {
		if _, err := tx.Exec(`INSERT INTO mls_keys (label, key, value) VALUES (?, ?, ?)`, r.Label, r.Key, r.Value); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM mls_snapshots WHERE id = ?`, int64(id)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) ReleaseSnapshot(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM mls_snapshots WHERE id = ?`, int64(id))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) PruneExpiredSnapshots(ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl).Unix()
	var res sql.Result
	var err error
	if ttl <= 0 {
		res, err = s.db.Exec(`DELETE FROM mls_snapshots`)
	} else {
		res, err = s.db.Exec(`DELETE FROM mls_snapshots WHERE created_at < ?`, cutoff)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStorage) Persistent() bool { return true }

func (s *SQLiteStorage) Close() error { return s.db.Close() }
