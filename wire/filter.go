package wire

import (
	"math"
	"strings"
)

// Filter is a parsed NIP-01 subscription filter. Tag predicates are
// restricted to single-letter tag names ("#e", "#p", ...).
type Filter struct {
	IDs     []EventID
	Authors []Pubkey
	Kinds   []uint32
	Tags    map[byte][]string
	Since   *int64
	Until   *int64
	Limit   int
	Search  string
}

// ParseFilter parses a NIP-01 filter object. Unknown fields are
// skipped; tag predicates with names longer than one letter are
// rejected.
func ParseFilter(b []byte) (*Filter, error) {
	if len(b) == 0 {
		return nil, errAt(ErrNullInput, 0)
	}
	i := SkipWS(b, 0)
	if i >= len(b) || b[i] != '{' {
		return nil, errAt(ErrExpectedObject, i)
	}
	i++

	f := &Filter{}
	first := true
	for {
		i = SkipWS(b, i)
		if i >= len(b) {
			return nil, errAt(ErrUnclosedBrace, i)
		}
		if b[i] == '}' {
			i++
			break
		}
		if !first {
			if b[i] != ',' {
				return nil, errAt(ErrBadSeparator, i)
			}
			i = SkipWS(b, i+1)
		}
		first = false

		key, next, err := ParseString(b, i)
		if err != nil {
			return nil, errAt(ErrBadKey, i)
		}
		i = SkipWS(b, next)
		if i >= len(b) || b[i] != ':' {
			return nil, errAt(ErrExpectedColon, i)
		}
		i = SkipWS(b, i+1)

		switch {
		case string(key) == "ids":
			vals, next, err := parseStringArray(b, i)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				var id EventID
				if !decodeHex32([]byte(v), (*[32]byte)(&id)) {
					return nil, errAt(ErrBadString, i)
				}
				f.IDs = append(f.IDs, id)
			}
			i = next
		case string(key) == "authors":
			vals, next, err := parseStringArray(b, i)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				var pk Pubkey
				if !decodeHex32([]byte(v), (*[32]byte)(&pk)) {
					return nil, errAt(ErrBadString, i)
				}
				f.Authors = append(f.Authors, pk)
			}
			i = next
		case string(key) == "kinds":
			if i >= len(b) || b[i] != '[' {
				return nil, errAt(ErrExpectedArray, i)
			}
			i++
			firstEl := true
			for {
				i = SkipWS(b, i)
				if i >= len(b) {
					return nil, errAt(ErrUnclosedBrace, i)
				}
				if b[i] == ']' {
					i++
					break
				}
				if !firstEl {
					if b[i] != ',' {
						return nil, errAt(ErrBadSeparator, i)
					}
					i = SkipWS(b, i+1)
				}
				firstEl = false
				v, next, err := ParseInt64(b, i)
				if err != nil {
					return nil, err
				}
				if v < 0 || v > math.MaxUint32 {
					return nil, errAt(ErrKindOutOfRange, i)
				}
				f.Kinds = append(f.Kinds, uint32(v))
				i = next
			}
		case string(key) == "since":
			v, next, err := ParseInt64(b, i)
			if err != nil {
				return nil, err
			}
			f.Since = &v
			i = next
		case string(key) == "until":
			v, next, err := ParseInt64(b, i)
			if err != nil {
				return nil, err
			}
			f.Until = &v
			i = next
		case string(key) == "limit":
			v, next, err := ParseInt64(b, i)
			if err != nil {
				return nil, err
			}
			if v < 0 || v > math.MaxInt32 {
				return nil, errAt(ErrBadNumber, i)
			}
			f.Limit = int(v)
			i = next
		case string(key) == "search":
			s, next, err := ParseString(b, i)
			if err != nil {
				return nil, err
			}
			f.Search = string(s)
			i = next
		case len(key) >= 1 && key[0] == '#':
			if len(key) != 2 {
				return nil, errAt(ErrBadLabel, i)
			}
			vals, next, err := parseStringArray(b, i)
			if err != nil {
				return nil, err
			}
			if f.Tags == nil {
				f.Tags = make(map[byte][]string)
			}
			f.Tags[key[1]] = append(f.Tags[key[1]], vals...)
			i = next
		default:
			next, err := skipValue(b, i, maxSkipDepth)
			if err != nil {
				return nil, err
			}
			i = next
		}
	}

	i = SkipWS(b, i)
	if i != len(b) {
		return nil, errAt(ErrBadSeparator, i)
	}
	return f, nil
}

func parseStringArray(b []byte, i int) ([]string, int, error) {
	if i >= len(b) || b[i] != '[' {
		return nil, i, errAt(ErrExpectedArray, i)
	}
	i++
	var out []string
	first := true
	for {
		i = SkipWS(b, i)
		if i >= len(b) {
			return nil, i, errAt(ErrUnclosedBrace, i)
		}
		if b[i] == ']' {
			return out, i + 1, nil
		}
		if !first {
			if b[i] != ',' {
				return nil, i, errAt(ErrBadSeparator, i)
			}
			i = SkipWS(b, i+1)
		}
		first = false
		s, next, err := ParseString(b, i)
		if err != nil {
			return nil, next, err
		}
		out = append(out, string(s))
		i = next
	}
}

// Matches reports whether the event satisfies every predicate in the
// filter. An empty filter matches everything. This is the single
// predicate engine shared by the query and subscription paths.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsPubkey(f.Authors, e.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !eventHasTagValue(e, name, values) {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Content), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

func containsID(ids []EventID, id EventID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsPubkey(pks []Pubkey, pk Pubkey) bool {
	for _, v := range pks {
		if v == pk {
			return true
		}
	}
	return false
}

func containsKind(kinds []uint32, k uint32) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

func eventHasTagValue(e *Event, name byte, values []string) bool {
	for _, tag := range e.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 || tag[0][0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
