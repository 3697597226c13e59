package wire

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleEventJSON = `{"id":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa","pubkey":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb","created_at":1700000000,"kind":1,"tags":[["e","cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc","","reply"],["t","nostr"]],"content":"hello","sig":"dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"}`

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(sampleEventJSON))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("aa", 32), ev.ID.String())
	require.Equal(t, strings.Repeat("bb", 32), ev.Pubkey.String())
	require.Equal(t, uint32(1), ev.Kind)
	require.Equal(t, int64(1700000000), ev.CreatedAt)
	require.Equal(t, "hello", ev.Content)
	require.Len(t, ev.Tags, 2)
	require.Equal(t, []string{"e", strings.Repeat("cc", 32), "", "reply"}, ev.Tags[0])
	require.Equal(t, []string{"t", "nostr"}, ev.Tags[1])
}

func TestParseEventRoundTrip(t *testing.T) {
	ev, err := ParseEvent([]byte(sampleEventJSON))
	require.NoError(t, err)

	out := ev.Serialize()
	ev2, err := ParseEvent(out)
	require.NoError(t, err)

	require.Equal(t, ev.ID, ev2.ID)
	require.Equal(t, ev.Pubkey, ev2.Pubkey)
	require.Equal(t, ev.Kind, ev2.Kind)
	require.Equal(t, ev.CreatedAt, ev2.CreatedAt)
	require.Equal(t, ev.Tags, ev2.Tags)
	require.Equal(t, ev.Content, ev2.Content)
	require.Equal(t, ev.Sig, ev2.Sig)

	// serialization is stable once canonical
	require.Equal(t, out, ev2.Serialize())
}

func TestParseEventEscapedContentRoundTrip(t *testing.T) {
	ev := &Event{Kind: 1, CreatedAt: 10, Tags: [][]string{}, Content: "line1\nline2 \"quoted\" \\ 🔥"}
	ev.ID = ev.ComputeID()

	ev2, err := ParseEvent(ev.Serialize())
	require.NoError(t, err)
	require.Equal(t, ev.Content, ev2.Content)
	require.Equal(t, ev.ID, ev2.ID)
}

func TestIDPreimage(t *testing.T) {
	ev := &Event{
		Kind:      1,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"t", "go"}},
		Content:   "gm",
	}
	want := `[0,"` + strings.Repeat("00", 32) + `",1700000000,1,[["t","go"]],"gm"]`
	require.Equal(t, want, string(ev.IDPreimage()))
	require.Equal(t, EventID(sha256.Sum256([]byte(want))), ev.ComputeID())
}

func TestParseEventStringIntFallback(t *testing.T) {
	in := strings.Replace(sampleEventJSON, `"created_at":1700000000`, `"created_at":"1700000000"`, 1)
	in = strings.Replace(in, `"kind":1`, `"kind":"1"`, 1)
	ev, err := ParseEvent([]byte(in))
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), ev.CreatedAt)
	require.Equal(t, uint32(1), ev.Kind)
}

func TestParseEventErrors(t *testing.T) {
	_, err := ParseEvent(nil)
	require.Equal(t, ErrNullInput, CodeOf(err))

	_, err = ParseEvent([]byte(`[]`))
	require.Equal(t, ErrExpectedObject, CodeOf(err))

	_, err = ParseEvent([]byte(`{"id":"aa"`))
	require.Equal(t, ErrBadString, CodeOf(err))

	// missing sig
	in := strings.Replace(sampleEventJSON, `"sig"`, `"gis"`, 1)
	_, err = ParseEvent([]byte(in))
	require.Equal(t, ErrMissingField, CodeOf(err))

	// kind out of uint32 range
	in = strings.Replace(sampleEventJSON, `"kind":1`, `"kind":4294967296`, 1)
	_, err = ParseEvent([]byte(in))
	require.Equal(t, ErrKindOutOfRange, CodeOf(err))

	in = strings.Replace(sampleEventJSON, `"kind":1`, `"kind":-1`, 1)
	_, err = ParseEvent([]byte(in))
	require.Equal(t, ErrKindOutOfRange, CodeOf(err))

	// nested array inside a tag
	in = strings.Replace(sampleEventJSON, `["t","nostr"]`, `["t",["nested"]]`, 1)
	_, err = ParseEvent([]byte(in))
	require.Equal(t, ErrDepthLimit, CodeOf(err))

	// trailing garbage after the object
	_, err = ParseEvent([]byte(sampleEventJSON + "x"))
	require.Equal(t, ErrBadSeparator, CodeOf(err))
}

func TestParseEventUnknownFieldsSkipped(t *testing.T) {
	in := strings.Replace(sampleEventJSON, `"content":"hello"`,
		`"content":"hello","seen_on":["wss://relay.example"],"extra":{"a":1,"b":[true,null]}`, 1)
	ev, err := ParseEvent([]byte(in))
	require.NoError(t, err)
	require.Equal(t, "hello", ev.Content)
}

func TestTagAccessors(t *testing.T) {
	ev, err := ParseEvent([]byte(sampleEventJSON))
	require.NoError(t, err)
	require.Equal(t, "reply", ev.Tag("e")[3])
	require.Equal(t, ev.Tag("e"), ev.LastTag("e"))
	require.Nil(t, ev.Tag("p"))
}
