package store

import (
	"github.com/gnostr/notedb/wire"
)

// ThreadRef points at a note in a thread.
type ThreadRef struct {
	ID      wire.EventID
	Relay   string
	Present bool
}

// Thread is the NIP-10 reply structure of a note.
type Thread struct {
	Root     ThreadRef
	Reply    ThreadRef
	Mentions []ThreadRef
}

// IsReply reports whether the note replies to anything at all.
func (t Thread) IsReply() bool {
	return t.Root.Present || t.Reply.Present
}

// IsDirectReplyTo reports whether the note is an immediate reply to
// the given note, as opposed to a deeper descendant in its thread.
func (t Thread) IsDirectReplyTo(id wire.EventID) bool {
	if t.Reply.Present {
		return t.Reply.ID == id
	}
	return t.Root.Present && t.Root.ID == id
}

// InThreadOf reports whether the note belongs to the thread rooted at
// the given note.
func (t Thread) InThreadOf(id wire.EventID) bool {
	if t.Root.Present && t.Root.ID == id {
		return true
	}
	return t.Reply.Present && t.Reply.ID == id
}

// extractThread interprets the e tags of a note per NIP-10. Marked tags
// ("root"/"reply") win over positional interpretation; when both styles
// appear in the same note, mixed is true and the marked reading is
// used. With markers but no "reply", the reply target is the root.
//
// Positional fallback: one e tag means root-only; with two or more, the
// first is the root and the last is the reply, everything between is a
// mention.
func extractThread(tags [][]string) (thread Thread, mixed bool) {
	var marked []ThreadRef // mention markers only
	var positional []ThreadRef
	hasMarkers := false

	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "e" {
			continue
		}
		var id wire.EventID
		if err := id.UnmarshalText([]byte(tag[1])); err != nil {
			continue
		}
		ref := ThreadRef{ID: id, Present: true}
		if len(tag) >= 3 {
			ref.Relay = tag[2]
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			hasMarkers = true
			thread.Root = ref
		case "reply":
			hasMarkers = true
			thread.Reply = ref
		case "mention":
			hasMarkers = true
			marked = append(marked, ref)
		default:
			positional = append(positional, ref)
		}
	}

	if hasMarkers {
		mixed = len(positional) > 0
		thread.Mentions = marked
		if !thread.Reply.Present && thread.Root.Present {
			thread.Reply = thread.Root
		}
		return thread, mixed
	}

	switch len(positional) {
	case 0:
	case 1:
		thread.Root = positional[0]
		thread.Reply = positional[0]
	default:
		thread.Root = positional[0]
		thread.Reply = positional[len(positional)-1]
		thread.Mentions = positional[1 : len(positional)-1]
	}
	return thread, false
}
