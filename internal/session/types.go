package session

import (
	"strings"
	"time"
)

// Message roles. Exactly this vocabulary appears on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn. Ts is epoch milliseconds and
// unique within a session; it doubles as the stable identifier used to
// fill a pending assistant placeholder in place.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

// SummaryRecord notes that the non-system messages at positions
// [StartIdx, EndIdx] of the session's message array were condensed into
// Summary. StartTs/EndTs pin the boundary messages by identity so the
// range survives later index shifts.
type SummaryRecord struct {
	SummaryID string `json:"summaryId"`
	Summary   string `json:"summary"`
	StartIdx  int    `json:"startIdx"`
	EndIdx    int    `json:"endIdx"`
	StartTs   int64  `json:"startTs,omitempty"`
	EndTs     int64  `json:"endTs,omitempty"`
	Ts        int64  `json:"ts"`
	ByModel   string `json:"byModel"`
}

// Session is a persisted conversation thread bound to one model.
// Message order is conversation order and is never reordered.
type Session struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Model      string          `json:"model"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
	Messages   []Message       `json:"messages"`
	Summaries  []SummaryRecord `json:"summaries,omitempty"`
	TokenUsage int             `json:"tokenUsage"`
}

// HasContent reports whether any message carries non-blank content.
// Sessions without content stay in memory and are never persisted.
func (s *Session) HasContent() bool {
	for _, m := range s.Messages {
		if strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}

// Index is the single process-wide session index: session IDs in
// most-recent-first order plus the last active session.
type Index struct {
	Sessions            []string `json:"sessions"`
	LastActiveSessionID string   `json:"lastActiveSessionId"`
}

// Summary is a lightweight session representation for listing.
type Summary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	UpdatedAt int64  `json:"updatedAt"`
	Unsaved   bool   `json:"unsaved,omitempty"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// DefaultName builds the default session name from the model and the
// creation time, e.g. "qwen3:4b_2025-03-01 14:05".
func DefaultName(model string, at time.Time) string {
	if model == "" {
		model = "unset"
	}
	return model + "_" + at.Format("2006-01-02 15:04")
}
