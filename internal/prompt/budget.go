package prompt

import (
	"context"

	"github.com/youruser/chatbridge/internal/llm"
	"github.com/youruser/chatbridge/internal/logging"
	"github.com/youruser/chatbridge/internal/session"
)

var log = logging.Get()

// builtinModelContext maps known model names to their context window
// in tokens. Config can extend or override these.
var builtinModelContext = map[string]int{
	"deepseek-r1:1.5b": 128000,
	"gemma3:270m":      32000,
	"gemma3:1b":        32000,
	"gemma3:4b":        128000,
	"qwen3:0.6b":       40000,
	"qwen3:1.7b":       40000,
	"qwen3:4b":         256000,
}

// Prober measures prompt size server-side. Nil results mean the probe
// is unavailable and a heuristic should be used instead.
type Prober interface {
	EvaluatePromptTokens(ctx context.Context, model string, messages []llm.Message) *int
}

// Decision is the outcome of a context budget check.
type Decision struct {
	ShouldSummarize bool
	// PromptTokens is the measured prompt size, nil when only the
	// heuristic was available.
	PromptTokens *int
	MaxContext   int
}

// Budget evaluates session history against a model's context window.
type Budget struct {
	table         map[string]int
	charsPerToken int
	threshold     float64
}

// NewBudget builds a Budget from the builtin model table plus any
// overrides, with the given heuristic divisor and fill threshold.
func NewBudget(overrides map[string]int, charsPerToken int, threshold float64) *Budget {
	table := make(map[string]int, len(builtinModelContext)+len(overrides))
	for k, v := range builtinModelContext {
		table[k] = v
	}
	for k, v := range overrides {
		table[k] = v
	}
	return &Budget{table: table, charsPerToken: charsPerToken, threshold: threshold}
}

// MaxContext returns the context window for a model, false when the
// model is unknown.
func (b *Budget) MaxContext(model string) (int, bool) {
	n, ok := b.table[model]
	return n, ok
}

// Decide checks whether sending outbound for model would overfill the
// context window. The server probe gives an exact count when it works;
// otherwise the non-system history is sized at charsPerToken chars per
// token. Unknown models never trigger summarization.
func (b *Budget) Decide(ctx context.Context, prober Prober, model string, outbound []llm.Message, history []session.Message) Decision {
	maxContext, ok := b.MaxContext(model)
	if !ok {
		log.Debug("no context table entry for model %s, skipping budget check", model)
		return Decision{}
	}
	limit := int(float64(maxContext) * b.threshold)

	d := Decision{MaxContext: maxContext}
	if prober != nil {
		if n := prober.EvaluatePromptTokens(ctx, model, outbound); n != nil {
			d.PromptTokens = n
			d.ShouldSummarize = *n >= limit
			log.Debug("prompt probe: %d tokens, limit %d, summarize=%v", *n, limit, d.ShouldSummarize)
			return d
		}
	}

	est := b.estimate(history)
	d.ShouldSummarize = est >= limit
	log.Debug("prompt estimate: ~%d tokens, limit %d, summarize=%v", est, limit, d.ShouldSummarize)
	return d
}

// estimate sizes the non-system history by character count.
func (b *Budget) estimate(history []session.Message) int {
	chars := 0
	first := true
	for _, m := range history {
		if m.Role == session.RoleSystem {
			continue
		}
		if !first {
			chars++ // joining newline
		}
		chars += len(m.Content)
		first = false
	}
	return chars / b.charsPerToken
}
