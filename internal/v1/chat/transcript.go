// Package chat holds the in-memory state of one mounted session view.
package chat

import (
	"github.com/debatehub/session-chat/internal/v1/types"
)

// Transcript is an arrival-ordered list of chat messages, unique by id.
// Messages without an id cannot be deduplicated and are always kept.
// Not safe for concurrent use; State guards it.
type Transcript struct {
	messages []types.ChatMessage
	seen     map[types.MessageIDType]struct{}
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{seen: make(map[types.MessageIDType]struct{})}
}

// Append adds msg unless its id was already observed. Reports whether it was added.
func (t *Transcript) Append(msg types.ChatMessage) bool {
	if msg.ID != "" {
		if _, dup := t.seen[msg.ID]; dup {
			return false
		}
		t.seen[msg.ID] = struct{}{}
	}
	t.messages = append(t.messages, msg)
	return true
}

// Has reports whether a message id has been observed.
func (t *Transcript) Has(id types.MessageIDType) bool {
	_, ok := t.seen[id]
	return ok
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Messages returns a copy of the transcript in arrival order.
func (t *Transcript) Messages() []types.ChatMessage {
	out := make([]types.ChatMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Reset discards every message and every observed id.
func (t *Transcript) Reset() {
	t.messages = nil
	t.seen = make(map[types.MessageIDType]struct{})
}
