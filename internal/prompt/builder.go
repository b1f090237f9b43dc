// Package prompt assembles outbound message lists and decides when a
// session's history has outgrown the model's context window.
package prompt

import (
	"github.com/youruser/chatbridge/internal/llm"
	"github.com/youruser/chatbridge/internal/session"
)

// BuildOutbound converts the most recent keep messages of a session
// history into the wire form. keep <= 0 means no truncation.
func BuildOutbound(msgs []session.Message, keep int) []llm.Message {
	if keep > 0 && len(msgs) > keep {
		msgs = msgs[len(msgs)-keep:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
