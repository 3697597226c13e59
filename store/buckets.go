package store

import (
	"encoding/binary"
	"math"

	"github.com/gnostr/notedb/wire"
)

// Bucket names for bbolt storage.
var (
	bucketNotes     = []byte("notes")       // note_key -> framed event JSON
	bucketNotesByID = []byte("notes_by_id") // id[32] -> note_key

	// Secondary indexes. All embed the bit-flipped created_at so a
	// forward cursor walks newest-first.
	bucketNotesByAuthor = []byte("notes_by_author") // pubkey[32] + desc_ts + note_key -> nil
	bucketNotesByKind   = []byte("notes_by_kind")   // kind(4) + desc_ts + note_key -> nil
	bucketNotesByTag    = []byte("notes_by_tag")    // tag_letter + value + sep + desc_ts + note_key -> nil

	// Derived state.
	bucketNoteMeta   = []byte("note_meta")   // id[32] -> NoteMeta JSON
	bucketNoteBlocks = []byte("note_blocks") // note_key -> Block list JSON
	bucketNoteRelays = []byte("note_relays") // note_key + relay_url -> first_seen unix seconds

	// Profiles.
	bucketProfiles     = []byte("profiles")      // pubkey[32] -> Profile JSON
	bucketProfileFetch = []byte("profile_fetch") // pubkey[32] -> last fetch unix seconds

	// Engine state.
	bucketState = []byte("state")
)

var allBuckets = [][]byte{
	bucketNotes,
	bucketNotesByID,
	bucketNotesByAuthor,
	bucketNotesByKind,
	bucketNotesByTag,
	bucketNoteMeta,
	bucketNoteBlocks,
	bucketNoteRelays,
	bucketProfiles,
	bucketProfileFetch,
	bucketState,
}

var stateKeySchemaVersion = []byte("schema_version")

const schemaVersion = 1

// Tag values longer than this, or containing the key separator, are
// not indexed. The note itself still stores them.
const maxIndexedTagValue = 255

// encodeNoteKey converts a note key to its fixed-width big-endian form.
func encodeNoteKey(key uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, key)
	return buf
}

func decodeNoteKey(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// encodeDescTimestamp converts a created_at into 8 bytes whose
// lexicographic order is the reverse of numeric order, so forward index
// iteration yields newest-first. The offset shift makes the full signed
// range sort correctly.
func encodeDescTimestamp(createdAt int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ^uint64(createdAt-math.MinInt64)) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeDescTimestamp(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(^binary.BigEndian.Uint64(b[:8])) + math.MinInt64 //nolint:gosec // intentional unsigned->signed shift
}

// makeAuthorKey creates a key for the notes_by_author index.
// Format: [pubkey 32][desc created_at 8][note_key 8]
func makeAuthorKey(pk wire.Pubkey, createdAt int64, noteKey uint64) []byte {
	key := make([]byte, 32+8+8)
	copy(key[:32], pk[:])
	copy(key[32:40], encodeDescTimestamp(createdAt))
	binary.BigEndian.PutUint64(key[40:], noteKey)
	return key
}

// parseAuthorKey extracts the created_at and note key from an author
// index key.
func parseAuthorKey(k []byte) (createdAt int64, noteKey uint64) {
	if len(k) != 48 {
		return 0, 0
	}
	return decodeDescTimestamp(k[32:40]), binary.BigEndian.Uint64(k[40:])
}

// makeKindKey creates a key for the notes_by_kind index.
// Format: [kind 4][desc created_at 8][note_key 8]
func makeKindKey(kind uint32, createdAt int64, noteKey uint64) []byte {
	key := make([]byte, 4+8+8)
	binary.BigEndian.PutUint32(key[:4], kind)
	copy(key[4:12], encodeDescTimestamp(createdAt))
	binary.BigEndian.PutUint64(key[12:], noteKey)
	return key
}

func parseKindKey(k []byte) (createdAt int64, noteKey uint64) {
	if len(k) != 20 {
		return 0, 0
	}
	return decodeDescTimestamp(k[4:12]), binary.BigEndian.Uint64(k[12:])
}

// makeTagKey creates a key for the notes_by_tag index.
// Format: [tag letter 1][value][0x00][desc created_at 8][note_key 8]
func makeTagKey(letter byte, value string, createdAt int64, noteKey uint64) []byte {
	key := make([]byte, 1+len(value)+1+8+8)
	key[0] = letter
	copy(key[1:], value)
	key[1+len(value)] = 0
	copy(key[2+len(value):], encodeDescTimestamp(createdAt))
	binary.BigEndian.PutUint64(key[10+len(value):], noteKey)
	return key
}

// makeTagPrefix is the seek prefix for all entries of one tag value.
func makeTagPrefix(letter byte, value string) []byte {
	key := make([]byte, 1+len(value)+1)
	key[0] = letter
	copy(key[1:], value)
	key[1+len(value)] = 0
	return key
}

func parseTagKeySuffix(k []byte) (createdAt int64, noteKey uint64) {
	if len(k) < 16 {
		return 0, 0
	}
	return decodeDescTimestamp(k[len(k)-16 : len(k)-8]), binary.BigEndian.Uint64(k[len(k)-8:])
}

// indexableTagValue reports whether a tag value can live in the tag
// index key format.
func indexableTagValue(v string) bool {
	if len(v) == 0 || len(v) > maxIndexedTagValue {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] == 0 {
			return false
		}
	}
	return true
}

// singleLetterTagName reports whether a tag name is a NIP-01 indexable
// single letter (a-z or A-Z).
func singleLetterTagName(name string) bool {
	if len(name) != 1 {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// makeRelayKey creates a key for the note_relays bucket.
// Format: [note_key 8][relay url]
func makeRelayKey(noteKey uint64, relay string) []byte {
	key := make([]byte, 8+len(relay))
	binary.BigEndian.PutUint64(key[:8], noteKey)
	copy(key[8:], relay)
	return key
}

func parseRelayKey(k []byte) (noteKey uint64, relay string) {
	if len(k) < 8 {
		return 0, ""
	}
	return binary.BigEndian.Uint64(k[:8]), string(k[8:])
}

// encodeUnixSeconds stores a wall-clock timestamp value.
func encodeUnixSeconds(ts int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts-math.MinInt64)) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeUnixSeconds(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) + math.MinInt64 //nolint:gosec // intentional unsigned->signed shift
}
