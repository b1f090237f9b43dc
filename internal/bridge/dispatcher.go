package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/youruser/chatbridge/internal/llm"
	"github.com/youruser/chatbridge/internal/prompt"
	"github.com/youruser/chatbridge/internal/session"
)

var (
	ErrNoActiveRequest = errors.New("no active request with that id")
	ErrSessionBusy     = errors.New("request already in progress for session")
	ErrBlankMessage    = errors.New("message content cannot be blank")
)

// Backend is the model API surface the dispatcher needs. *llm.Client
// implements it.
type Backend interface {
	Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResult, error)
	ChatStream(ctx context.Context, model string, messages []llm.Message, callback llm.StreamCallback) error
	EvaluatePromptTokens(ctx context.Context, model string, messages []llm.Message) *int
}

// Options tunes dispatch behavior.
type Options struct {
	// ContextKeep caps how many history messages are sent per request.
	ContextKeep int
	// RecentKeep is how many recent turns survive a summarization.
	RecentKeep int
	// Stream selects streaming delivery unless a request overrides it.
	Stream bool
}

// Result is the outcome of one dispatched chat turn.
type Result struct {
	RequestID    string
	Full         string
	PromptTokens *int
	GenTokens    *int
	Cancelled    bool
	Summary      *session.SummaryRecord
}

// Dispatcher runs chat turns: it builds the outbound context, checks
// the token budget, summarizes when needed, calls the model and keeps
// the session record and the UI in sync. Cancellation handles live in
// the dispatcher's own registry, keyed by request ID; entries are
// removed exactly once on every exit path.
type Dispatcher struct {
	store    *session.Store
	backend  Backend
	notifier *Notifier
	budget   *prompt.Budget
	opts     Options

	mu          sync.Mutex
	active      map[string]context.CancelFunc
	sessionBusy map[string]string
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(store *session.Store, backend Backend, notifier *Notifier, budget *prompt.Budget, opts Options) *Dispatcher {
	return &Dispatcher{
		store:       store,
		backend:     backend,
		notifier:    notifier,
		budget:      budget,
		opts:        opts,
		active:      make(map[string]context.CancelFunc),
		sessionBusy: make(map[string]string),
	}
}

// register records the cancel handle for a request and, when sessionID
// is non-empty, marks the session busy. The returned release removes
// both entries and is safe to call more than once.
func (d *Dispatcher) register(requestID, sessionID string, cancel context.CancelFunc) (release func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.active[requestID]; dup {
		return nil, ErrSessionBusy
	}
	if sessionID != "" {
		if _, busy := d.sessionBusy[sessionID]; busy {
			return nil, ErrSessionBusy
		}
		d.sessionBusy[sessionID] = requestID
	}
	d.active[requestID] = cancel

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.active, requestID)
			if sessionID != "" {
				delete(d.sessionBusy, sessionID)
			}
			d.mu.Unlock()
		})
	}, nil
}

// Abort cancels the in-flight request with the given ID. The registry
// entry is removed before cancelling, so a second abort for the same
// ID deterministically reports no active request.
func (d *Dispatcher) Abort(requestID string) error {
	d.mu.Lock()
	cancel, ok := d.active[requestID]
	if ok {
		delete(d.active, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return ErrNoActiveRequest
	}
	cancel()
	return nil
}

// AbortSession cancels whatever request is running for a session.
func (d *Dispatcher) AbortSession(sessionID string) error {
	d.mu.Lock()
	requestID, ok := d.sessionBusy[sessionID]
	d.mu.Unlock()
	if !ok {
		return ErrNoActiveRequest
	}
	return d.Abort(requestID)
}

// Busy reports whether a session has an in-flight request.
func (d *Dispatcher) Busy(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.sessionBusy[sessionID]
	return ok
}

// Active reports whether a request ID is still cancellable.
func (d *Dispatcher) Active(requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[requestID]
	return ok
}

// sanitize drops blank assistant turns, which some servers reject.
// When everything would be dropped the original list is kept.
func sanitize(msgs []session.Message) []session.Message {
	kept := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleAssistant && strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return msgs
	}
	return kept
}

func (d *Dispatcher) streaming(override *bool) bool {
	if override != nil {
		return *override
	}
	return d.opts.Stream
}

// Dispatch appends content as a user turn and runs one chat round for
// the session, emitting streamUpdate/streamError events along the way.
// It blocks until the model finishes, fails or is aborted; callers
// ACK first and run it in a goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID, sessionID, content, model string, stream *bool) (*Result, error) {
	return d.DispatchVia(ctx, d.backend, requestID, sessionID, content, model, stream)
}

// DispatchVia is Dispatch against an alternate backend, for requests
// that name their own endpoint. The cancellation registry is shared.
func (d *Dispatcher) DispatchVia(ctx context.Context, backend Backend, requestID, sessionID, content, model string, stream *bool) (*Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrBlankMessage
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	sess, err := d.store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = sess.Model
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, err := d.register(requestID, sessionID, cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := d.store.AppendMessage(sessionID, session.RoleUser, content); err != nil {
		return nil, err
	}
	sess, err = d.store.Load(sessionID)
	if err != nil {
		return nil, err
	}

	history := sanitize(sess.Messages)
	outbound := prompt.BuildOutbound(history, d.opts.ContextKeep)

	var summaryRec *session.SummaryRecord
	decision := d.budget.Decide(reqCtx, backend, model, outbound, sess.Messages)
	if decision.ShouldSummarize {
		final, rec, err := prompt.Summarize(reqCtx, backend, model, history, d.opts.RecentKeep)
		if err != nil {
			log.Error("summarization failed for session %s: %v", sessionID, err)
			d.notifier.Notify("summaryFailed", map[string]any{
				"requestId": requestID,
				"sessionId": sessionID,
				"message":   err.Error(),
			})
		} else {
			outbound = final
			summaryRec = rec
			if err := d.store.AppendSummary(sessionID, *rec); err != nil {
				return nil, err
			}
			d.notifier.Notify("summaryGenerated", map[string]any{
				"requestId": requestID,
				"sessionId": sessionID,
				"summaryId": rec.SummaryID,
				"summary":   rec.Summary,
				"startIdx":  rec.StartIdx,
				"endIdx":    rec.EndIdx,
				"ts":        rec.Ts,
				"byModel":   rec.ByModel,
			})
		}
	}

	// Placeholder the streamed reply fills in place.
	placeholderTs, err := d.store.AppendMessage(sessionID, session.RoleAssistant, "")
	if err != nil {
		return nil, err
	}

	result, err := d.run(reqCtx, backend, requestID, sessionID, model, outbound, d.streaming(stream))
	release()
	if err != nil {
		if removeErr := d.store.RemoveMessageByTs(sessionID, placeholderTs); removeErr != nil {
			log.Error("failed to remove placeholder: %v", removeErr)
		}
		d.notifier.Notify("streamError", map[string]any{
			"requestId": requestID,
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		return nil, err
	}

	if result.Cancelled {
		// Keep whatever arrived before the abort, drop an empty shell.
		if strings.TrimSpace(result.Full) == "" {
			if err := d.store.RemoveMessageByTs(sessionID, placeholderTs); err != nil {
				log.Error("failed to remove placeholder: %v", err)
			}
		} else if err := d.store.UpdateMessageByTs(sessionID, placeholderTs, result.Full); err != nil {
			log.Error("failed to persist partial reply: %v", err)
		}
		d.notifier.Notify("streamError", map[string]any{
			"requestId": requestID,
			"sessionId": sessionID,
			"error":     "request cancelled",
			"cancelled": true,
		})
		result.Summary = summaryRec
		return result, nil
	}

	if err := d.store.UpdateMessageByTs(sessionID, placeholderTs, result.Full); err != nil {
		return nil, err
	}
	total := 0
	if result.PromptTokens != nil {
		total += *result.PromptTokens
	}
	if result.GenTokens != nil {
		total += *result.GenTokens
	}
	if err := d.store.AddTokenUsage(sessionID, total); err != nil {
		return nil, err
	}

	d.notifier.Notify("streamUpdate", d.finalUpdate(requestID, sessionID, result, total))
	result.Summary = summaryRec
	return result, nil
}

// DispatchMessages runs one chat round over a caller-supplied message
// list, with budget checks and summarization but no session
// bookkeeping. Used when the UI manages its own history.
func (d *Dispatcher) DispatchMessages(ctx context.Context, requestID, model string, messages []session.Message, stream *bool) (*Result, error) {
	return d.DispatchMessagesVia(ctx, d.backend, requestID, model, messages, stream)
}

// DispatchMessagesVia is DispatchMessages against an alternate backend.
func (d *Dispatcher) DispatchMessagesVia(ctx context.Context, backend Backend, requestID, model string, messages []session.Message, stream *bool) (*Result, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, err := d.register(requestID, "", cancel)
	if err != nil {
		return nil, err
	}
	defer release()

	history := sanitize(messages)
	outbound := prompt.BuildOutbound(history, d.opts.ContextKeep)

	decision := d.budget.Decide(reqCtx, backend, model, outbound, messages)
	if decision.ShouldSummarize {
		final, rec, err := prompt.Summarize(reqCtx, backend, model, history, d.opts.RecentKeep)
		if err != nil {
			log.Error("summarization failed: %v", err)
			d.notifier.Notify("summaryFailed", map[string]any{
				"requestId": requestID,
				"message":   err.Error(),
			})
		} else {
			outbound = final
			d.notifier.Notify("summaryGenerated", map[string]any{
				"requestId": requestID,
				"summaryId": rec.SummaryID,
				"summary":   rec.Summary,
				"startIdx":  rec.StartIdx,
				"endIdx":    rec.EndIdx,
				"ts":        rec.Ts,
				"byModel":   rec.ByModel,
			})
		}
	}

	result, err := d.run(reqCtx, backend, requestID, "", model, outbound, d.streaming(stream))
	release()
	if err != nil {
		d.notifier.Notify("streamError", map[string]any{
			"requestId": requestID,
			"error":     err.Error(),
		})
		return nil, err
	}
	if result.Cancelled {
		d.notifier.Notify("streamError", map[string]any{
			"requestId": requestID,
			"error":     "request cancelled",
			"cancelled": true,
		})
		return result, nil
	}

	total := 0
	if result.PromptTokens != nil {
		total += *result.PromptTokens
	}
	if result.GenTokens != nil {
		total += *result.GenTokens
	}
	d.notifier.Notify("streamUpdate", d.finalUpdate(requestID, "", result, total))
	return result, nil
}

func (d *Dispatcher) finalUpdate(requestID, sessionID string, result *Result, total int) map[string]any {
	final := map[string]any{
		"requestId":    requestID,
		"chunk":        "",
		"done":         true,
		"fullResponse": result.Full,
	}
	if sessionID != "" {
		final["sessionId"] = sessionID
	}
	if result.PromptTokens != nil {
		final["promptTokens"] = *result.PromptTokens
	}
	if result.GenTokens != nil {
		final["genTokens"] = *result.GenTokens
	}
	if total > 0 {
		final["totalTokens"] = total
	}
	return final
}

// run performs the model call, streaming or not.
func (d *Dispatcher) run(ctx context.Context, backend Backend, requestID, sessionID, model string, outbound []llm.Message, streaming bool) (*Result, error) {
	if !streaming {
		res, err := backend.Chat(ctx, model, outbound)
		if errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil) {
			return &Result{RequestID: requestID, Cancelled: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Result{
			RequestID:    requestID,
			Full:         res.Content,
			PromptTokens: res.PromptTokens,
			GenTokens:    res.GenTokens,
		}, nil
	}

	result := &Result{RequestID: requestID}
	err := backend.ChatStream(ctx, model, outbound, func(e llm.StreamEvent) {
		result.Full = e.Full
		if e.Done {
			result.PromptTokens = e.PromptTokens
			result.GenTokens = e.GenTokens
			return
		}
		update := map[string]any{
			"requestId":    requestID,
			"chunk":        e.Chunk,
			"done":         false,
			"fullResponse": e.Full,
		}
		if sessionID != "" {
			update["sessionId"] = sessionID
		}
		d.notifier.Notify("streamUpdate", update)
	})
	if errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil) {
		result.Cancelled = true
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
