package wire

import (
	"crypto/sha256"
	"math"
	"strconv"
)

// Limits on event structure. Events beyond these are rejected at parse
// time rather than clamped.
const (
	MaxTags        = 65536
	MaxTagElements = 256
	maxSkipDepth   = 16
)

// Event is a parsed NIP-01 event. Content and tag values hold the
// decoded bytes, not the escaped JSON text.
type Event struct {
	ID        EventID
	Pubkey    Pubkey
	Kind      uint32
	CreatedAt int64
	Tags      [][]string
	Content   string
	Sig       [64]byte
}

// ParseEvent parses a single NIP-01 event object. Unknown fields are
// skipped. The input must contain exactly one object, optionally
// surrounded by whitespace.
func ParseEvent(b []byte) (*Event, error) {
	ev, i, err := parseEventAt(b, 0)
	if err != nil {
		return nil, err
	}
	i = SkipWS(b, i)
	if i != len(b) {
		return nil, errAt(ErrBadSeparator, i)
	}
	return ev, nil
}

func parseEventAt(b []byte, i int) (*Event, int, error) {
	if len(b) == 0 {
		return nil, 0, errAt(ErrNullInput, 0)
	}
	i = SkipWS(b, i)
	if i >= len(b) || b[i] != '{' {
		return nil, i, errAt(ErrExpectedObject, i)
	}
	i++

	ev := &Event{}
	var seen struct {
		id, pubkey, kind, createdAt, tags, content, sig bool
	}
	first := true
	for {
		i = SkipWS(b, i)
		if i >= len(b) {
			return nil, i, errAt(ErrUnclosedBrace, i)
		}
		if b[i] == '}' {
			i++
			break
		}
		if !first {
			if b[i] != ',' {
				return nil, i, errAt(ErrBadSeparator, i)
			}
			i = SkipWS(b, i+1)
		}
		first = false

		key, next, err := ParseString(b, i)
		if err != nil {
			return nil, next, errAt(ErrBadKey, i)
		}
		i = SkipWS(b, next)
		if i >= len(b) || b[i] != ':' {
			return nil, i, errAt(ErrExpectedColon, i)
		}
		i = SkipWS(b, i+1)

		switch string(key) {
		case "id":
			if i, err = parseHexField(b, i, ev.ID[:]); err != nil {
				return nil, i, err
			}
			seen.id = true
		case "pubkey":
			if i, err = parseHexField(b, i, ev.Pubkey[:]); err != nil {
				return nil, i, err
			}
			seen.pubkey = true
		case "sig":
			if i, err = parseHexField(b, i, ev.Sig[:]); err != nil {
				return nil, i, err
			}
			seen.sig = true
		case "kind":
			v, next, err := parseIntLoose(b, i)
			if err != nil {
				return nil, next, err
			}
			if v < 0 || v > math.MaxUint32 {
				return nil, i, errAt(ErrKindOutOfRange, i)
			}
			ev.Kind = uint32(v)
			i = next
			seen.kind = true
		case "created_at":
			v, next, err := parseIntLoose(b, i)
			if err != nil {
				return nil, next, err
			}
			ev.CreatedAt = v
			i = next
			seen.createdAt = true
		case "content":
			s, next, err := ParseString(b, i)
			if err != nil {
				return nil, next, err
			}
			ev.Content = string(s)
			i = next
			seen.content = true
		case "tags":
			tags, next, err := parseTags(b, i)
			if err != nil {
				return nil, next, err
			}
			ev.Tags = tags
			i = next
			seen.tags = true
		default:
			next, err := skipValue(b, i, maxSkipDepth)
			if err != nil {
				return nil, next, err
			}
			i = next
		}
	}

	if !seen.id || !seen.pubkey || !seen.kind || !seen.createdAt || !seen.tags || !seen.content || !seen.sig {
		return nil, i, errAt(ErrMissingField, i)
	}
	return ev, i, nil
}

// parseHexField parses a JSON string of exactly len(dst)*2 hex chars.
func parseHexField(b []byte, i int, dst []byte) (int, error) {
	s, next, err := ParseString(b, i)
	if err != nil {
		return next, err
	}
	if len(s) != len(dst)*2 {
		return i, errAt(ErrBadString, i)
	}
	for k := 0; k < len(dst); k++ {
		hi := HexVal(s[k*2])
		lo := HexVal(s[k*2+1])
		if hi < 0 || lo < 0 {
			return i, errAt(ErrBadString, i)
		}
		dst[k] = byte(hi)<<4 | byte(lo)
	}
	return next, nil
}

// parseIntLoose accepts either a bare integer or a quoted integer.
// Some relays emit kind and created_at as strings.
func parseIntLoose(b []byte, i int) (int64, int, error) {
	if i < len(b) && b[i] == '"' {
		s, next, err := ParseString(b, i)
		if err != nil {
			return 0, next, err
		}
		v, consumed, err := ParseInt64(s, 0)
		if err != nil || consumed != len(s) {
			return 0, i, errAt(ErrBadNumber, i)
		}
		return v, next, nil
	}
	return ParseInt64(b, i)
}

func parseTags(b []byte, i int) ([][]string, int, error) {
	if i >= len(b) || b[i] != '[' {
		return nil, i, errAt(ErrExpectedArray, i)
	}
	i++
	tags := [][]string{}
	first := true
	for {
		i = SkipWS(b, i)
		if i >= len(b) {
			return nil, i, errAt(ErrUnclosedBrace, i)
		}
		if b[i] == ']' {
			return tags, i + 1, nil
		}
		if !first {
			if b[i] != ',' {
				return nil, i, errAt(ErrBadSeparator, i)
			}
			i = SkipWS(b, i+1)
		}
		first = false
		if len(tags) >= MaxTags {
			return nil, i, errAt(ErrTagLimit, i)
		}
		tag, next, err := parseTag(b, i)
		if err != nil {
			return nil, next, err
		}
		tags = append(tags, tag)
		i = next
	}
}

func parseTag(b []byte, i int) ([]string, int, error) {
	if i >= len(b) || b[i] != '[' {
		return nil, i, errAt(ErrExpectedArray, i)
	}
	i++
	tag := []string{}
	first := true
	for {
		i = SkipWS(b, i)
		if i >= len(b) {
			return nil, i, errAt(ErrUnclosedBrace, i)
		}
		if b[i] == ']' {
			return tag, i + 1, nil
		}
		if !first {
			if b[i] != ',' {
				return nil, i, errAt(ErrBadSeparator, i)
			}
			i = SkipWS(b, i+1)
		}
		first = false
		if len(tag) >= MaxTagElements {
			return nil, i, errAt(ErrTagLimit, i)
		}
		if b[i] == '[' {
			return nil, i, errAt(ErrDepthLimit, i)
		}
		s, next, err := ParseString(b, i)
		if err != nil {
			return nil, next, err
		}
		tag = append(tag, string(s))
		i = next
	}
}

// Tag returns the first tag with the given name, or nil.
func (e *Event) Tag(name string) []string {
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == name {
			return t
		}
	}
	return nil
}

// LastTag returns the last tag with the given name, or nil.
func (e *Event) LastTag(name string) []string {
	for i := len(e.Tags) - 1; i >= 0; i-- {
		if len(e.Tags[i]) > 0 && e.Tags[i][0] == name {
			return e.Tags[i]
		}
	}
	return nil
}

// Serialize emits the event as compact NIP-01 JSON.
func (e *Event) Serialize() []byte {
	buf := make([]byte, 0, 256+len(e.Content))
	buf = append(buf, `{"id":"`...)
	buf = appendHex(buf, e.ID[:])
	buf = append(buf, `","pubkey":"`...)
	buf = appendHex(buf, e.Pubkey[:])
	buf = append(buf, `","created_at":`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, `,"kind":`...)
	buf = strconv.AppendUint(buf, uint64(e.Kind), 10)
	buf = append(buf, `,"tags":`...)
	buf = appendTags(buf, e.Tags)
	buf = append(buf, `,"content":`...)
	buf = AppendJSONString(buf, e.Content)
	buf = append(buf, `,"sig":"`...)
	buf = appendHex(buf, e.Sig[:])
	buf = append(buf, `"}`...)
	return buf
}

// IDPreimage emits the canonical id preimage array:
// [0,pubkey,created_at,kind,tags,content].
func (e *Event) IDPreimage() []byte {
	buf := make([]byte, 0, 160+len(e.Content))
	buf = append(buf, `[0,"`...)
	buf = appendHex(buf, e.Pubkey[:])
	buf = append(buf, `",`...)
	buf = strconv.AppendInt(buf, e.CreatedAt, 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(e.Kind), 10)
	buf = append(buf, ',')
	buf = appendTags(buf, e.Tags)
	buf = append(buf, ',')
	buf = AppendJSONString(buf, e.Content)
	buf = append(buf, ']')
	return buf
}

// ComputeID returns the SHA-256 of the id preimage.
func (e *Event) ComputeID() EventID {
	return EventID(sha256.Sum256(e.IDPreimage()))
}

func appendTags(buf []byte, tags [][]string) []byte {
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
			buf = AppendJSONString(buf, el)
		}
		buf = append(buf, ']')
	}
	return append(buf, ']')
}

const hexDigits = "0123456789abcdef"

func appendHex(buf, src []byte) []byte {
	for _, b := range src {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return buf
}

// AppendJSONString appends s as a quoted JSON string with the minimal
// escaping NIP-01 id hashing requires: quote, backslash, and control
// characters. Everything else passes through as raw UTF-8.
func AppendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf = append(buf, '\\', '"')
		case c == '\\':
			buf = append(buf, '\\', '\\')
		case c == '\n':
			buf = append(buf, '\\', 'n')
		case c == '\r':
			buf = append(buf, '\\', 'r')
		case c == '\t':
			buf = append(buf, '\\', 't')
		case c == '\b':
			buf = append(buf, '\\', 'b')
		case c == '\f':
			buf = append(buf, '\\', 'f')
		case c < 0x20:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0x0F])
		default:
			buf = append(buf, c)
		}
	}
	return append(buf, '"')
}
