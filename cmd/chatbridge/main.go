package main

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/youruser/chatbridge/internal/bridge"
	"github.com/youruser/chatbridge/internal/config"
	"github.com/youruser/chatbridge/internal/llm"
	"github.com/youruser/chatbridge/internal/logging"
	"github.com/youruser/chatbridge/internal/prompt"
	"github.com/youruser/chatbridge/internal/session"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var (
	log = logging.Get()

	respondMu sync.Mutex
	configMu  sync.Mutex

	appConfig  *config.Config
	llmClient  *llm.Client
	store      *session.Store
	stateKV    *session.SQLiteKV
	notifier   *bridge.Notifier
	dispatcher *bridge.Dispatcher
)

var errNotInitialized = errors.New("not initialized")

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Printf("chatbridge %s\n", versionString())
			return
		case "--build":
			if commit := getBuildCommit(); commit != "" {
				fmt.Println(commit)
			} else {
				fmt.Println("unknown")
			}
			return
		}
	}

	defer shutdown()

	if os.Getenv("CHATBRIDGE_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "chatbridge: process started with CHATBRIDGE_DEBUG=1\n")
	}
	logBuildInfo()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		handleRequest(line)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB). Split the request.",
			})
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "stdin error: %v\n", err)
		os.Exit(1)
	}
}

func shutdown() {
	if notifier != nil {
		notifier.Detach()
	}
	if stateKV != nil {
		if err := stateKV.Close(); err != nil {
			log.Error("failed to close state db: %v", err)
		}
	}
	log.Close()
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision string
	var buildTime string
	var modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	version := info.Main.Version
	if revision != "" {
		version = revision
	}
	if modified == "true" {
		version += " (modified)"
	}

	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", version, runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", version, runtime.Version())
}

// ensureConfig loads config lazily on first use.
func ensureConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	if appConfig != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	appConfig = cfg
	llmClient = llm.NewClient(cfg.BaseURL, cfg.APIKey)
	return nil
}

func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chatbridge", "state.db"), nil
}

// initBridge opens session storage, wires the dispatcher and drains
// any events queued while no UI was attached. Idempotent.
func initBridge(statePath string) error {
	if err := ensureConfig(); err != nil {
		return err
	}
	if dispatcher != nil {
		return notifier.Drain(stdoutSink)
	}

	if statePath == "" {
		var err error
		statePath, err = defaultStatePath()
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		return err
	}
	kv, err := session.NewSQLiteKV(statePath)
	if err != nil {
		return err
	}
	stateKV = kv
	store = session.NewStore(kv)
	notifier = bridge.NewNotifier(kv)
	budget := prompt.NewBudget(appConfig.ModelContext, *appConfig.CharsPerToken, *appConfig.SummarizeThreshold)
	dispatcher = bridge.NewDispatcher(store, llmClient, notifier, budget, bridge.Options{
		ContextKeep: *appConfig.ContextKeep,
		RecentKeep:  *appConfig.RecentKeep,
		Stream:      *appConfig.Stream,
	})
	log.Info("initialized: state=%s base_url=%s", statePath, appConfig.BaseURL)
	return notifier.Drain(stdoutSink)
}

func requireInit() error {
	if dispatcher == nil {
		return errNotInitialized
	}
	return nil
}

// stdoutSink delivers background events as NDJSON lines on stdout.
func stdoutSink(event string, payload map[string]any) error {
	out, err := json.Marshal(map[string]any{
		"type":    "event",
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Stream(event, string(out))
	_, err = fmt.Println(string(out))
	return err
}

func handleRequest(line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	switch action {
	case "ping":
		respond(reqID, map[string]any{"type": "ok"})

	case "version":
		respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "init":
		statePath, _ := req["statePath"].(string)
		if err := initBridge(statePath); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		resp := map[string]any{"type": "ok"}
		if appConfig.DefaultModel != "" {
			resp["defaultModel"] = appConfig.DefaultModel
		}
		if active, err := store.Active(); err == nil && active != "" {
			resp["activeSessionId"] = active
		}
		respond(reqID, resp)

	case "testConnection":
		if err := ensureConfig(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		url, _ := req["url"].(string)
		go handleTestConnection(reqID, clientFor(url))

	case "getModels":
		if err := ensureConfig(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		url, _ := req["url"].(string)
		go handleGetModels(reqID, clientFor(url))

	case "createSession":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		name, _ := req["name"].(string)
		model, _ := req["model"].(string)
		if model == "" {
			model = appConfig.DefaultModel
		}
		id, err := store.Create(model, name)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok", "sessionId": id})

	case "listSessions":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		list, err := store.List()
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		active, err := store.Active()
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{
			"type":            "sessionList",
			"sessions":        list,
			"activeSessionId": active,
		})

	case "selectSession":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		id, _ := req["sessionId"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: sessionId"})
			return
		}
		if _, err := store.Load(id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		if err := store.SetActive(id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "renameSession":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		id, _ := req["sessionId"].(string)
		name, _ := req["name"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: sessionId"})
			return
		}
		if err := store.Rename(id, name); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "deleteSession":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		id, _ := req["sessionId"].(string)
		if id == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: sessionId"})
			return
		}
		if err := dispatcher.AbortSession(id); err != nil && !errors.Is(err, bridge.ErrNoActiveRequest) {
			log.Error("abort before delete failed: %v", err)
		}
		if err := store.Delete(id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "getSession":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		id, _ := req["sessionId"].(string)
		if id == "" {
			var err error
			id, err = store.Active()
			if err != nil {
				respond(reqID, errorResponse(err))
				return
			}
			if id == "" {
				respond(reqID, map[string]any{"type": "error", "message": "No active session"})
				return
			}
		}
		sess, err := store.Load(id)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{
			"type":       "session",
			"id":         sess.ID,
			"name":       sess.Name,
			"model":      sess.Model,
			"createdAt":  sess.CreatedAt,
			"updatedAt":  sess.UpdatedAt,
			"messages":   sess.Messages,
			"summaries":  sess.Summaries,
			"tokenUsage": sess.TokenUsage,
		})

	case "appendMessage":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		id, _ := req["sessionId"].(string)
		role, _ := req["role"].(string)
		content, _ := req["content"].(string)
		if id == "" || role == "" {
			respond(reqID, map[string]any{"type": "error", "message": "Missing required field: sessionId or role"})
			return
		}
		ts, err := store.AppendMessage(id, role, content)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok", "ts": ts})

	case "estimateTokens":
		handleEstimateTokens(reqID, req)

	case "sendChat":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		handleSendChat(reqID, req)

	case "abortChat":
		if err := requireInit(); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		requestID, _ := req["requestId"].(string)
		if requestID != "" {
			if err := dispatcher.Abort(requestID); err != nil {
				respond(reqID, errorResponse(err))
				return
			}
			respond(reqID, map[string]any{"type": "ok"})
			return
		}
		// Older clients abort by session instead of request.
		id, _ := req["sessionId"].(string)
		if id == "" {
			var err error
			id, err = store.Active()
			if err != nil {
				respond(reqID, errorResponse(err))
				return
			}
		}
		if err := dispatcher.AbortSession(id); err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{"type": "ok"})

	case "shutdown":
		respond(reqID, map[string]any{"type": "ok"})
		shutdown()
		os.Exit(0)

	default:
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
}

func handleTestConnection(reqID string, client *llm.Client) {
	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "ok", "baseUrl": client.BaseURL()})
}

func handleGetModels(reqID string, client *llm.Client) {
	models, err := client.Tags(context.Background())
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	list := make([]map[string]any, 0, len(models))
	for _, m := range models {
		list = append(list, map[string]any{
			"name":       m.Name,
			"size":       m.Size,
			"modifiedAt": m.ModifiedAt,
		})
	}
	respond(reqID, map[string]any{"type": "models", "models": list})
}

// clientFor returns the configured client, or a one-off client when a
// request names a different endpoint.
func clientFor(url string) *llm.Client {
	if url == "" || url == appConfig.BaseURL {
		return llmClient
	}
	return llm.NewClient(url, appConfig.APIKey)
}

func parseMessages(raw []any) []session.Message {
	msgs := make([]session.Message, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			continue
		}
		msgs = append(msgs, session.Message{Role: role, Content: content})
	}
	return msgs
}

func streamOverride(req map[string]any) *bool {
	v, ok := req["stream"].(bool)
	if !ok {
		return nil
	}
	return &v
}

// handleSendChat ACKs immediately and runs the chat round in the
// background; progress arrives as streamUpdate/streamError events. A
// caller-supplied messages array bypasses session bookkeeping.
func handleSendChat(reqID string, req map[string]any) {
	requestID, _ := req["requestId"].(string)
	if requestID == "" {
		requestID = reqID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	model, _ := req["model"].(string)
	url, _ := req["url"].(string)
	stream := streamOverride(req)
	backend := clientFor(url)

	if raw, ok := req["messages"].([]any); ok {
		msgs := parseMessages(raw)
		if len(msgs) == 0 {
			respond(reqID, map[string]any{"type": "error", "message": "Empty 'messages' array"})
			return
		}
		if model == "" {
			model = appConfig.DefaultModel
		}
		respond(reqID, map[string]any{"type": "ok", "message": "request started", "requestId": requestID})
		go func() {
			if _, err := dispatcher.DispatchMessagesVia(context.Background(), backend, requestID, model, msgs, stream); err != nil {
				log.Error("dispatch failed for request %s: %v", requestID, err)
			}
		}()
		return
	}

	content, _ := req["content"].(string)
	if strings.TrimSpace(content) == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: content or messages"})
		return
	}
	id, _ := req["sessionId"].(string)
	if id == "" {
		fallback := model
		if fallback == "" {
			fallback = appConfig.DefaultModel
		}
		var err error
		id, err = store.EnsureActive(fallback)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
	}
	if dispatcher.Busy(id) {
		respond(reqID, errorResponse(bridge.ErrSessionBusy))
		return
	}
	respond(reqID, map[string]any{
		"type":      "ok",
		"message":   "request started",
		"requestId": requestID,
		"sessionId": id,
	})
	go func() {
		if _, err := dispatcher.DispatchVia(context.Background(), backend, requestID, id, content, model, stream); err != nil {
			log.Error("dispatch failed for session %s: %v", id, err)
		}
	}()
}

func handleEstimateTokens(reqID string, req map[string]any) {
	textsRaw, ok := req["texts"].([]any)
	if !ok || len(textsRaw) == 0 {
		respond(reqID, map[string]any{"type": "error", "message": "Missing or empty 'texts' array"})
		return
	}
	tokens := make([]int, len(textsRaw))
	total := 0
	for i, v := range textsRaw {
		s, _ := v.(string)
		tokens[i] = llm.EstimateTokensSimple(s)
		total += tokens[i]
	}
	respond(reqID, map[string]any{
		"type":   "tokenEstimate",
		"tokens": tokens,
		"total":  total,
	})
}

func errorResponse(err error) map[string]any {
	var msg string
	switch {
	case errors.Is(err, errNotInitialized):
		msg = "Not initialized. Send init first."
	case errors.Is(err, session.ErrSessionNotFound):
		msg = "Session not found"
	case errors.Is(err, session.ErrMessageNotFound):
		msg = "Message not found"
	case errors.Is(err, session.ErrNameEmpty):
		msg = "Session name cannot be empty"
	case errors.Is(err, session.ErrInvalidRole):
		msg = "Invalid message role"
	case errors.Is(err, bridge.ErrNoActiveRequest):
		msg = "No active request to cancel"
	case errors.Is(err, bridge.ErrSessionBusy):
		msg = "Another request is already in progress"
	case errors.Is(err, config.ErrInvalidJSON):
		msg = "Config file is not valid JSON: ~/.config/chatbridge/config.json"
	case errors.Is(err, config.ErrInvalidThreshold),
		errors.Is(err, config.ErrInvalidKeep):
		msg = err.Error()
	default:
		msg = err.Error()
	}
	return map[string]any{"type": "error", "message": msg}
}

func respond(reqID string, data map[string]any) {
	out, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Println(string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
