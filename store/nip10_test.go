package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gnostr/notedb/wire"
)

func hexID(t *testing.T, fill string) (wire.EventID, string) {
	t.Helper()
	s := strings.Repeat(fill, 64/len(fill))
	id, err := wire.ParseEventID(s)
	require.NoError(t, err)
	return id, s
}

func TestExtractThreadMarked(t *testing.T) {
	root, rootHex := hexID(t, "aa")
	reply, replyHex := hexID(t, "bb")
	mention, mentionHex := hexID(t, "cc")

	thread, mixed := extractThread([][]string{
		{"e", rootHex, "wss://r.example.com", "root"},
		{"e", mentionHex, "", "mention"},
		{"e", replyHex, "", "reply"},
		{"p", strings.Repeat("dd", 32)},
	})
	require.False(t, mixed)
	require.Equal(t, root, thread.Root.ID)
	require.Equal(t, "wss://r.example.com", thread.Root.Relay)
	require.Equal(t, reply, thread.Reply.ID)
	require.Equal(t, []ThreadRef{{ID: mention, Present: true}}, thread.Mentions)
	require.True(t, thread.IsReply())
	require.True(t, thread.IsDirectReplyTo(reply))
	require.False(t, thread.IsDirectReplyTo(root))
	require.True(t, thread.InThreadOf(root))
}

func TestExtractThreadRootOnlyMarker(t *testing.T) {
	root, rootHex := hexID(t, "aa")
	thread, mixed := extractThread([][]string{
		{"e", rootHex, "", "root"},
	})
	require.False(t, mixed)
	require.Equal(t, root, thread.Root.ID)
	// Without a reply marker, a reply to the thread replies to its root.
	require.Equal(t, root, thread.Reply.ID)
}

func TestExtractThreadPositional(t *testing.T) {
	root, rootHex := hexID(t, "aa")
	mid, midHex := hexID(t, "bb")
	reply, replyHex := hexID(t, "cc")

	thread, mixed := extractThread([][]string{
		{"e", rootHex},
		{"e", midHex},
		{"e", replyHex},
	})
	require.False(t, mixed)
	require.Equal(t, root, thread.Root.ID)
	require.Equal(t, reply, thread.Reply.ID)
	require.Equal(t, []ThreadRef{{ID: mid, Present: true}}, thread.Mentions)

	single, _ := extractThread([][]string{{"e", rootHex}})
	require.Equal(t, root, single.Root.ID)
	require.Equal(t, root, single.Reply.ID)
}

func TestExtractThreadMixedStyles(t *testing.T) {
	root, rootHex := hexID(t, "aa")
	_, strayHex := hexID(t, "bb")

	thread, mixed := extractThread([][]string{
		{"e", strayHex},
		{"e", rootHex, "", "root"},
	})
	require.True(t, mixed)
	// Marked interpretation wins over the unmarked tag.
	require.Equal(t, root, thread.Root.ID)
	require.Equal(t, root, thread.Reply.ID)
	require.Empty(t, thread.Mentions)
}

func TestExtractThreadIgnoresBadIDs(t *testing.T) {
	thread, mixed := extractThread([][]string{
		{"e", "not-hex"},
		{"e"},
	})
	require.False(t, mixed)
	require.False(t, thread.IsReply())
}
