package wire

import "fmt"

// ErrCode classifies parse failures so callers can react to the exact
// defect instead of matching on error strings.
type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrNullInput
	ErrExpectedObject
	ErrExpectedArray
	ErrTruncated
	ErrBadString
	ErrBadNumber
	ErrBadKey
	ErrExpectedColon
	ErrBadSeparator
	ErrUnclosedBrace
	ErrSkipFailed
	ErrOverflow
	ErrKindOutOfRange
	ErrTagLimit
	ErrDepthLimit
	ErrAllocation
	ErrBadLabel
	ErrLabelMismatch
	ErrMissingField
	ErrBadBool
	ErrNestedEvent
	ErrNestedFilter
)

var errCodeNames = map[ErrCode]string{
	ErrNone:           "none",
	ErrNullInput:      "null input",
	ErrExpectedObject: "expected object",
	ErrExpectedArray:  "expected array",
	ErrTruncated:      "truncated input",
	ErrBadString:      "bad string",
	ErrBadNumber:      "bad number",
	ErrBadKey:         "bad key",
	ErrExpectedColon:  "expected colon",
	ErrBadSeparator:   "bad separator",
	ErrUnclosedBrace:  "unclosed brace",
	ErrSkipFailed:     "skip failed",
	ErrOverflow:       "integer overflow",
	ErrKindOutOfRange: "kind out of range",
	ErrTagLimit:       "tag limit exceeded",
	ErrDepthLimit:     "depth limit exceeded",
	ErrAllocation:     "allocation limit exceeded",
	ErrBadLabel:       "bad label",
	ErrLabelMismatch:  "label mismatch",
	ErrMissingField:   "missing field",
	ErrBadBool:        "bad bool",
	ErrNestedEvent:    "nested event",
	ErrNestedFilter:   "nested filter",
}

func (c ErrCode) String() string {
	if s, ok := errCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrCode(%d)", int(c))
}

// SyntaxError reports a parse failure together with the byte offset in
// the input where it was detected.
type SyntaxError struct {
	Code   ErrCode
	Offset int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("wire: %s at byte %d", e.Code, e.Offset)
}

func errAt(code ErrCode, off int) *SyntaxError {
	return &SyntaxError{Code: code, Offset: off}
}

// CodeOf extracts the ErrCode from an error returned by this package,
// or ErrNone if err is nil or foreign.
func CodeOf(err error) ErrCode {
	if err == nil {
		return ErrNone
	}
	if se, ok := err.(*SyntaxError); ok {
		return se.Code
	}
	return ErrNone
}
