package wire

import "math"

// MaxStringLen caps the decoded output of a single JSON string.
// Anything larger is treated as hostile input, not a real note.
const MaxStringLen = 16 << 20

// HexVal returns the value of a hex digit (0-15), or -1 for any other byte.
func HexVal(c byte) int8 {
	switch {
	case c >= '0' && c <= '9':
		return int8(c - '0')
	case c >= 'a' && c <= 'f':
		return int8(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int8(c-'A') + 10
	}
	return -1
}

// SkipWS advances i past JSON whitespace (space, tab, newline, carriage
// return) and returns the new index.
func SkipWS(b []byte, i int) int {
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// AppendUTF8 appends the UTF-8 encoding of cp to dst (1-4 bytes).
func AppendUTF8(dst []byte, cp rune) []byte {
	switch {
	case cp < 0x80:
		return append(dst, byte(cp))
	case cp < 0x800:
		return append(dst, 0xC0|byte(cp>>6), 0x80|byte(cp&0x3F))
	case cp < 0x10000:
		return append(dst, 0xE0|byte(cp>>12), 0x80|byte(cp>>6&0x3F), 0x80|byte(cp&0x3F))
	default:
		return append(dst, 0xF0|byte(cp>>18), 0x80|byte(cp>>12&0x3F), 0x80|byte(cp>>6&0x3F), 0x80|byte(cp&0x3F))
	}
}

// ParseString parses the JSON string starting at b[i], which must be a
// double quote. It returns the decoded bytes and the index just past the
// closing quote.
//
// Strings without escapes take a fast path and are copied out directly.
// The slow path decodes the standard escapes plus \uXXXX with strict
// UTF-16 surrogate pairing: a high surrogate must be immediately
// followed by a low surrogate, and a lone low surrogate is an error.
func ParseString(b []byte, i int) ([]byte, int, error) {
	if i >= len(b) || b[i] != '"' {
		return nil, i, errAt(ErrBadString, i)
	}
	start := i + 1
	j := start
	for {
		if j >= len(b) {
			return nil, j, errAt(ErrTruncated, j)
		}
		c := b[j]
		if c == '"' {
			out := make([]byte, j-start)
			copy(out, b[start:j])
			return out, j + 1, nil
		}
		if c == '\\' {
			break
		}
		j++
	}

	out := make([]byte, 0, j-start+16)
	out = append(out, b[start:j]...)
	for {
		if j >= len(b) {
			return nil, j, errAt(ErrTruncated, j)
		}
		if len(out) > MaxStringLen {
			return nil, j, errAt(ErrAllocation, j)
		}
		c := b[j]
		switch c {
		case '"':
			return out, j + 1, nil
		case '\\':
			j++
			if j >= len(b) {
				return nil, j, errAt(ErrTruncated, j)
			}
			switch b[j] {
			case '"':
				out = append(out, '"')
				j++
			case '\\':
				out = append(out, '\\')
				j++
			case '/':
				out = append(out, '/')
				j++
			case 'b':
				out = append(out, '\b')
				j++
			case 'f':
				out = append(out, '\f')
				j++
			case 'n':
				out = append(out, '\n')
				j++
			case 'r':
				out = append(out, '\r')
				j++
			case 't':
				out = append(out, '\t')
				j++
			case 'u':
				cp, next, err := parseHex4(b, j+1)
				if err != nil {
					return nil, next, err
				}
				j = next
				switch {
				case cp >= 0xD800 && cp <= 0xDBFF:
					// High surrogate: the low half is mandatory.
					if j+1 >= len(b) || b[j] != '\\' || b[j+1] != 'u' {
						return nil, j, errAt(ErrBadString, j)
					}
					lo, next2, err := parseHex4(b, j+2)
					if err != nil {
						return nil, next2, err
					}
					if lo < 0xDC00 || lo > 0xDFFF {
						return nil, j, errAt(ErrBadString, j)
					}
					cp = 0x10000 + (cp-0xD800)<<10 + (lo - 0xDC00)
					j = next2
				case cp >= 0xDC00 && cp <= 0xDFFF:
					// Lone low surrogate.
					return nil, j, errAt(ErrBadString, j)
				}
				out = AppendUTF8(out, rune(cp))
			default:
				return nil, j, errAt(ErrBadString, j)
			}
		default:
			out = append(out, c)
			j++
		}
	}
}

func parseHex4(b []byte, i int) (int, int, error) {
	if i+4 > len(b) {
		return 0, len(b), errAt(ErrTruncated, len(b))
	}
	v := 0
	for k := 0; k < 4; k++ {
		h := HexVal(b[i+k])
		if h < 0 {
			return 0, i + k, errAt(ErrBadString, i+k)
		}
		v = v<<4 | int(h)
	}
	return v, i + 4, nil
}

// ParseInt64 parses a decimal integer starting at b[i]: an optional
// leading minus followed by at least one digit. No exponents, no
// fractions. Overflow is detected before the multiply.
func ParseInt64(b []byte, i int) (int64, int, error) {
	neg := false
	j := i
	if j < len(b) && b[j] == '-' {
		neg = true
		j++
	}
	if j >= len(b) || b[j] < '0' || b[j] > '9' {
		return 0, j, errAt(ErrBadNumber, j)
	}
	var v int64
	for j < len(b) && b[j] >= '0' && b[j] <= '9' {
		if v > (math.MaxInt64-9)/10 {
			return 0, j, errAt(ErrOverflow, j)
		}
		v = v*10 + int64(b[j]-'0')
		j++
	}
	if neg {
		v = -v
	}
	return v, j, nil
}

// skipValue advances past one JSON value of any type, honoring a
// nesting depth limit. Used to ignore unknown object fields.
func skipValue(b []byte, i, depth int) (int, error) {
	if depth <= 0 {
		return i, errAt(ErrDepthLimit, i)
	}
	i = SkipWS(b, i)
	if i >= len(b) {
		return i, errAt(ErrTruncated, i)
	}
	switch b[i] {
	case '"':
		_, next, err := ParseString(b, i)
		return next, err
	case '{':
		return skipComposite(b, i, depth, '{', '}')
	case '[':
		return skipComposite(b, i, depth, '[', ']')
	case 't':
		return skipLiteral(b, i, "true")
	case 'f':
		return skipLiteral(b, i, "false")
	case 'n':
		return skipLiteral(b, i, "null")
	default:
		return skipNumber(b, i)
	}
}

func skipComposite(b []byte, i, depth int, open, closeCh byte) (int, error) {
	i++ // past open
	first := true
	for {
		i = SkipWS(b, i)
		if i >= len(b) {
			return i, errAt(ErrUnclosedBrace, i)
		}
		if b[i] == closeCh {
			return i + 1, nil
		}
		if !first {
			if b[i] != ',' {
				return i, errAt(ErrBadSeparator, i)
			}
			i = SkipWS(b, i+1)
		}
		first = false
		if open == '{' {
			var err error
			_, i, err = ParseString(b, SkipWS(b, i))
			if err != nil {
				return i, errAt(ErrBadKey, i)
			}
			i = SkipWS(b, i)
			if i >= len(b) || b[i] != ':' {
				return i, errAt(ErrExpectedColon, i)
			}
			i++
		}
		next, err := skipValue(b, i, depth-1)
		if err != nil {
			return next, err
		}
		i = next
	}
}

func skipLiteral(b []byte, i int, lit string) (int, error) {
	if i+len(lit) > len(b) || string(b[i:i+len(lit)]) != lit {
		return i, errAt(ErrSkipFailed, i)
	}
	return i + len(lit), nil
}

func skipNumber(b []byte, i int) (int, error) {
	start := i
	if i < len(b) && (b[i] == '-' || b[i] == '+') {
		i++
	}
	for i < len(b) {
		c := b[i]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '-' || c == '+' {
			i++
			continue
		}
		break
	}
	if i == start {
		return i, errAt(ErrBadNumber, i)
	}
	return i, nil
}
