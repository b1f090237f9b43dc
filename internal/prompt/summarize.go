package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/youruser/chatbridge/internal/llm"
	"github.com/youruser/chatbridge/internal/session"
)

var (
	ErrNothingToSummarize = errors.New("no summarizable messages")
	ErrEmptySummary       = errors.New("model returned an empty summary")
)

// summaryInstruction steers the condensing call. The reply is used
// verbatim as a system message for the rest of the conversation, so it
// must stand alone without the original turns.
const summaryInstruction = "Condense the following conversation between the user and the assistant " +
	"into a system context note for continuing the conversation. Keep key decisions, " +
	"important parameters and code blocks. Write in the same language as the conversation. " +
	"Keep the summary to at most half the length of the original content. " +
	"Do not trim the system instructions themselves."

// ChatCaller is the non-streaming chat surface the summarizer needs.
type ChatCaller interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResult, error)
}

// Summarize condenses the older non-system turns of history into a
// single system message and returns the replacement outbound list:
// the original system messages, the summary, then the last recentKeep
// non-system turns. The returned record describes which span of the
// original history the summary covers.
func Summarize(ctx context.Context, caller ChatCaller, model string, history []session.Message, recentKeep int) ([]llm.Message, *session.SummaryRecord, error) {
	var systems []session.Message
	var turns []session.Message
	startIdx, endIdx := -1, -1
	for i, m := range history {
		if m.Role == session.RoleSystem {
			systems = append(systems, m)
			continue
		}
		if startIdx < 0 {
			startIdx = i
		}
		endIdx = i
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return nil, nil, ErrNothingToSummarize
	}

	req := make([]llm.Message, 0, len(turns)+1)
	req = append(req, llm.Message{Role: session.RoleSystem, Content: summaryInstruction})
	for _, m := range turns {
		req = append(req, llm.Message{Role: m.Role, Content: m.Content})
	}

	res, err := caller.Chat(ctx, model, req)
	if err != nil {
		return nil, nil, err
	}
	summary := strings.TrimSpace(res.Content)
	if summary == "" {
		return nil, nil, ErrEmptySummary
	}

	now := time.Now().UnixMilli()
	rec := &session.SummaryRecord{
		SummaryID: fmt.Sprintf("s_%d_%s", now, uuid.NewString()[:8]),
		Summary:   summary,
		StartIdx:  startIdx,
		EndIdx:    endIdx,
		StartTs:   history[startIdx].Ts,
		EndTs:     history[endIdx].Ts,
		Ts:        now,
		ByModel:   model,
	}

	recent := turns
	if recentKeep > 0 && len(recent) > recentKeep {
		recent = recent[len(recent)-recentKeep:]
	}

	final := make([]llm.Message, 0, len(systems)+1+len(recent))
	for _, m := range systems {
		final = append(final, llm.Message{Role: m.Role, Content: m.Content})
	}
	final = append(final, llm.Message{Role: session.RoleSystem, Content: summary})
	for _, m := range recent {
		final = append(final, llm.Message{Role: m.Role, Content: m.Content})
	}
	return final, rec, nil
}
