package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/gnostr/notedb/wire"
)

// BlockType discriminates parsed content blocks.
type BlockType string

const (
	BlockText    BlockType = "text"
	BlockURL     BlockType = "url"
	BlockHashtag BlockType = "hashtag"
	BlockMention BlockType = "mention"
	BlockEvent   BlockType = "event"
)

// Block is one span of note content. Text carries the literal span
// (hashtags without the #, entities without the nostr: prefix); Ref
// holds the decoded 32-byte payload of mention and event entities.
type Block struct {
	Type BlockType `json:"type"`
	Text string    `json:"text"`
	Ref  []byte    `json:"ref,omitempty"`
}

// parseBlocks splits note content into text, URL, hashtag, and
// nostr-entity blocks. Anything the tokenizer cannot classify, bad
// bech32 included, stays literal text.
func parseBlocks(content string) []Block {
	var blocks []Block
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			blocks = append(blocks, Block{Type: BlockText, Text: text.String()})
			text.Reset()
		}
	}

	i := 0
	for i < len(content) {
		if b, n := matchToken(content[i:], i == 0 || isBoundary(content[i-1])); n > 0 {
			flush()
			blocks = append(blocks, b)
			i += n
			continue
		}
		text.WriteByte(content[i])
		i++
	}
	flush()
	return blocks
}

func isBoundary(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == '[' || c == ','
}

// matchToken tries to match a URL, hashtag, or nostr entity at the
// start of s. atBoundary gates hashtags and entities so "#x" inside a
// word stays text.
func matchToken(s string, atBoundary bool) (Block, int) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		end := tokenEnd(s)
		if end > len("https://") {
			return Block{Type: BlockURL, Text: s[:end]}, end
		}
		return Block{}, 0
	}
	if !atBoundary {
		return Block{}, 0
	}
	if strings.HasPrefix(s, "nostr:") {
		end := tokenEnd(s)
		if b, ok := entityBlock(s[len("nostr:"):end]); ok {
			return b, end
		}
		return Block{}, 0
	}
	if s[0] == '#' {
		end := 1
		for end < len(s) && isHashtagChar(s[end]) {
			end++
		}
		if end > 1 {
			return Block{Type: BlockHashtag, Text: s[1:end]}, end
		}
		return Block{}, 0
	}
	if hasEntityPrefix(s) {
		if b, ok := entityBlock(s[:tokenEnd(s)]); ok {
			return b, tokenEnd(s)
		}
	}
	return Block{}, 0
}

var entityPrefixes = []string{"npub1", "nprofile1", "note1", "nevent1", "naddr1"}

func hasEntityPrefix(s string) bool {
	for _, p := range entityPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func tokenEnd(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ')' || c == ']' || c == ',' || c == '"' || c == '!' {
			return i
		}
	}
	return len(s)
}

func isHashtagChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// entityBlock decodes a candidate bech32 nostr entity into a block:
// the raw key for npub/note, TLV type 0 for nprofile/nevent/naddr.
// Undecodable candidates do not match.
func entityBlock(s string) (Block, bool) {
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return Block{}, false
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Block{}, false
	}
	switch hrp {
	case "npub":
		if len(raw) == 32 {
			return Block{Type: BlockMention, Text: s, Ref: raw}, true
		}
	case "note":
		if len(raw) == 32 {
			return Block{Type: BlockEvent, Text: s, Ref: raw}, true
		}
	case "nprofile":
		return Block{Type: BlockMention, Text: s, Ref: tlvValue(raw, 0)}, true
	case "nevent", "naddr":
		return Block{Type: BlockEvent, Text: s, Ref: tlvValue(raw, 0)}, true
	}
	return Block{}, false
}

// tlvValue extracts the first TLV record of the given type.
func tlvValue(data []byte, typ byte) []byte {
	for len(data) >= 2 {
		t, l := data[0], int(data[1])
		if len(data) < 2+l {
			return nil
		}
		if t == typ {
			return data[2 : 2+l]
		}
		data = data[2+l:]
	}
	return nil
}

func decodeBlocks(key uint64, raw []byte) ([]Block, error) {
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("decoding blocks for note %d: %w", key, err)
	}
	return blocks, nil
}

// quoteTargets collects the distinct event ids a note quotes: q tags
// plus inline note1/nevent references in the content blocks.
func quoteTargets(ev *wire.Event, blocks []Block) []wire.EventID {
	seen := make(map[wire.EventID]struct{})
	var out []wire.EventID
	add := func(id wire.EventID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "q" {
			continue
		}
		var id wire.EventID
		if err := id.UnmarshalText([]byte(tag[1])); err == nil {
			add(id)
		}
	}
	for _, b := range blocks {
		if b.Type == BlockEvent && len(b.Ref) == 32 {
			var id wire.EventID
			copy(id[:], b.Ref)
			add(id)
		}
	}
	return out
}
