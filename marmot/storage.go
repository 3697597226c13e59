package marmot

import (
	"errors"
	"time"

	"github.com/gnostr/notedb/wire"
)

// ErrNotFound is returned when a group, message, welcome, secret, or
// key is absent.
var ErrNotFound = errors.New("marmot: not found")

// DefaultSnapshotTTL is how long MLS state snapshots are retained
// before PruneExpiredSnapshots discards them.
const DefaultSnapshotTTL = 7 * 24 * time.Hour

// Storage persists MLS group-messaging state. Implementations must be
// safe for concurrent use. Writes are last-writer-wins per record;
// ReplaceGroupRelays and SaveExporterSecret overwrite atomically.
type Storage interface {
	// Groups.
	AllGroups() ([]Group, error)
	FindGroupByMLSID(mlsGroupID []byte) (*Group, error)
	FindGroupByNostrID(nostrGroupID string) (*Group, error)
	SaveGroup(g Group) error

	// Messages, newest-first by created_at.
	Messages(mlsGroupID []byte, p Pagination) ([]Message, error)
	LastMessage(mlsGroupID []byte, order SortOrder) (*Message, error)
	SaveMessage(m Message) error
	FindMessageByID(id wire.EventID) (*Message, error)

	// Wrapper-event processing ledger.
	IsMessageProcessed(wrapperID wire.EventID) (bool, error)
	SaveProcessedMessage(pm ProcessedMessage) error
	FindProcessedMessage(wrapperID wire.EventID) (*ProcessedMessage, error)

	// Welcomes.
	SaveWelcome(w Welcome) error
	FindWelcomeByEventID(id wire.EventID) (*Welcome, error)
	PendingWelcomes(p Pagination) ([]Welcome, error)
	SaveProcessedWelcome(pw ProcessedWelcome) error
	FindProcessedWelcome(wrapperID wire.EventID) (*ProcessedWelcome, error)

	// Relays, replaced as a whole set.
	GroupRelays(mlsGroupID []byte) ([]string, error)
	ReplaceGroupRelays(mlsGroupID []byte, relays []string) error

	// Exporter secrets, one per group epoch, overwrite-wins.
	ExporterSecret(mlsGroupID []byte, epoch uint64) (*ExporterSecret, error)
	SaveExporterSecret(es ExporterSecret) error

	// MLS key material, isolated per label.
	MLSStore(label string, key, value []byte) error
	MLSLoad(label string, key []byte) ([]byte, error)
	MLSDelete(label string, key []byte) error

	// Snapshots of the MLS key material, for rolling back failed
	// processing. Rollback restores; Release discards.
	CreateSnapshot() (uint64, error)
	RollbackSnapshot(id uint64) error
	ReleaseSnapshot(id uint64) error
	PruneExpiredSnapshots(ttl time.Duration) (int, error)

	// Persistent reports whether state survives process restart.
	Persistent() bool

	Close() error
}
