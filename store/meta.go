package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gnostr/notedb/wire"
)

// NoteMeta holds the engagement counters maintained for a note as
// referencing events are ingested. Counters exist independently of the
// note itself, so they can accumulate before the note arrives.
type NoteMeta struct {
	Reactions     uint64 `json:"reactions,omitempty"`
	Reposts       uint64 `json:"reposts,omitempty"`
	RepliesDirect uint64 `json:"replies_direct,omitempty"`
	RepliesThread uint64 `json:"replies_thread,omitempty"`
	Quotes        uint64 `json:"quotes,omitempty"`
}

// NoteMeta returns the engagement counters for a note id. Unknown ids
// return zero counters, not an error.
func (r *ReadTxn) NoteMeta(id wire.EventID) (NoteMeta, error) {
	var m NoteMeta
	raw := r.tx.Bucket(bucketNoteMeta).Get(id[:])
	if raw == nil {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decoding meta for %x: %w", id[:4], err)
	}
	return m, nil
}

// NoteMetaBatch returns the counters for many ids in one pass. Every
// requested id has an entry; the map is empty only when ids is.
func (r *ReadTxn) NoteMetaBatch(ids []wire.EventID) (map[wire.EventID]NoteMeta, error) {
	out := make(map[wire.EventID]NoteMeta, len(ids))
	for _, id := range ids {
		m, err := r.NoteMeta(id)
		if err != nil {
			return nil, err
		}
		out[id] = m
	}
	return out, nil
}

// CountRepliesBatch returns direct-reply counts per id.
func (r *ReadTxn) CountRepliesBatch(ids []wire.EventID) (map[wire.EventID]uint64, error) {
	return r.countBatch(ids, func(m NoteMeta) uint64 { return m.RepliesDirect })
}

// CountReactionsBatch returns reaction counts per id.
func (r *ReadTxn) CountReactionsBatch(ids []wire.EventID) (map[wire.EventID]uint64, error) {
	return r.countBatch(ids, func(m NoteMeta) uint64 { return m.Reactions })
}

// CountRepostsBatch returns repost counts per id.
func (r *ReadTxn) CountRepostsBatch(ids []wire.EventID) (map[wire.EventID]uint64, error) {
	return r.countBatch(ids, func(m NoteMeta) uint64 { return m.Reposts })
}

func (r *ReadTxn) countBatch(ids []wire.EventID, pick func(NoteMeta) uint64) (map[wire.EventID]uint64, error) {
	metas, err := r.NoteMetaBatch(ids)
	if err != nil {
		return nil, err
	}
	out := make(map[wire.EventID]uint64, len(metas))
	for id, m := range metas {
		out[id] = pick(m)
	}
	return out, nil
}

// forEachReferencing visits every stored note carrying an e tag for the
// given id, via the tag index.
func (r *ReadTxn) forEachReferencing(id wire.EventID, visit func(*Note) error) error {
	prefix := makeTagPrefix('e', id.String())
	c := r.tx.Bucket(bucketNotesByTag).Cursor()
	for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, _ = c.Next() {
		_, noteKey := parseTagKeySuffix(k)
		note, err := r.NoteByKey(noteKey)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return err
		}
		if err := visit(note); err != nil {
			return err
		}
	}
	return nil
}

// UserHasReactedBatch reports, for each id, whether the given pubkey
// has published a reaction to it. The result always has an entry per
// requested id.
func (r *ReadTxn) UserHasReactedBatch(user wire.Pubkey, ids []wire.EventID) (map[wire.EventID]bool, error) {
	out := make(map[wire.EventID]bool, len(ids))
	for _, id := range ids {
		out[id] = false
		err := r.forEachReferencing(id, func(n *Note) error {
			if n.Kind() == kindReaction && n.Pubkey() == user {
				out[id] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReactionBreakdown tallies reaction content for a note. The empty
// content of a bare like counts as "+". No reactions yields an empty
// map, never nil.
func (r *ReadTxn) ReactionBreakdown(id wire.EventID) (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := r.forEachReferencing(id, func(n *Note) error {
		if n.Kind() != kindReaction {
			return nil
		}
		content := n.Content()
		if content == "" {
			content = "+"
		}
		out[content]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ZapStats aggregates zap receipts for one note.
type ZapStats struct {
	Count     uint64
	TotalMsat uint64
}

// ZapStatsBatch aggregates kind-9735 zap receipts for each id. The
// amount comes from the receipt's "amount" tag in millisats when
// present, otherwise from the bolt11 invoice amount. The result always
// has an entry per requested id.
func (r *ReadTxn) ZapStatsBatch(ids []wire.EventID) (map[wire.EventID]ZapStats, error) {
	out := make(map[wire.EventID]ZapStats, len(ids))
	for _, id := range ids {
		stats := ZapStats{}
		err := r.forEachReferencing(id, func(n *Note) error {
			if n.Kind() != kindZap {
				return nil
			}
			stats.Count++
			stats.TotalMsat += zapAmountMsat(n.Event())
			return nil
		})
		if err != nil {
			return nil, err
		}
		out[id] = stats
	}
	return out, nil
}

func zapAmountMsat(ev *wire.Event) uint64 {
	if tag := ev.Tag("amount"); tag != nil && len(tag) >= 2 {
		if v, _, err := wire.ParseInt64([]byte(tag[1]), 0); err == nil && v > 0 {
			return uint64(v)
		}
	}
	if tag := ev.Tag("bolt11"); tag != nil && len(tag) >= 2 {
		return decodeBolt11Msat(tag[1])
	}
	return 0
}

// decodeBolt11Msat extracts the amount in millisats from a bolt11
// invoice's human-readable part. Returns 0 when the invoice carries no
// amount or cannot be read.
func decodeBolt11Msat(invoice string) uint64 {
	inv := strings.ToLower(invoice)
	if !strings.HasPrefix(inv, "lnbc") {
		return 0
	}
	// The bech32 separator is the last '1'; amount digits may contain
	// ones themselves.
	sep := strings.LastIndexByte(inv, '1')
	if sep <= len("lnbc") {
		return 0
	}
	hrp := inv[len("lnbc"):sep]

	mult := hrp[len(hrp)-1]
	digits := hrp
	switch mult {
	case 'm', 'u', 'n', 'p':
		digits = hrp[:len(hrp)-1]
	}
	var num uint64
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0
		}
		num = num*10 + uint64(c-'0')
	}
	if num == 0 {
		return 0
	}

	// The hrp amount is in bitcoin scaled by the multiplier; convert to
	// millisats (1 BTC = 1e11 msat).
	switch mult {
	case 'm':
		return num * 100_000_000
	case 'u':
		return num * 100_000
	case 'n':
		return num * 100
	case 'p':
		return num / 10
	default:
		return num * 100_000_000_000
	}
}
