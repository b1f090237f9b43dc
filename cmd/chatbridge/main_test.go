package main

import (
	"errors"
	"reflect"
	"testing"

	"github.com/youruser/chatbridge/internal/bridge"
	"github.com/youruser/chatbridge/internal/session"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name string
		req  map[string]any
		want string
	}{
		{name: "string", req: map[string]any{"request_id": "abc"}, want: "abc"},
		{name: "int", req: map[string]any{"request_id": 42}, want: "42"},
		{name: "float", req: map[string]any{"request_id": 42.0}, want: "42"},
		{name: "fractional_float", req: map[string]any{"request_id": 4.5}, want: "4.5"},
		{name: "none", req: map[string]any{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requestID(tt.req); got != tt.want {
				t.Fatalf("requestID(%v) = %q, want %q", tt.req, got, tt.want)
			}
		})
	}
}

func TestAddResponseID(t *testing.T) {
	data := map[string]any{"type": "ok"}
	out := addResponseID("req-1", data)
	if got := out["request_id"]; got != "req-1" {
		t.Fatalf("request_id = %v, want %q", got, "req-1")
	}

	// Ensure empty id leaves map unchanged
	orig := map[string]any{"type": "ok"}
	out2 := addResponseID("", orig)
	if !reflect.DeepEqual(out2, orig) {
		t.Fatalf("expected map unchanged when id is empty")
	}
}

func TestErrorResponseMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not_initialized", errNotInitialized, "Not initialized. Send init first."},
		{"session_not_found", session.ErrSessionNotFound, "Session not found"},
		{"no_active_request", bridge.ErrNoActiveRequest, "No active request to cancel"},
		{"session_busy", bridge.ErrSessionBusy, "Another request is already in progress"},
		{"other", errors.New("something broke"), "something broke"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := errorResponse(tt.err)
			if resp["type"] != "error" {
				t.Fatalf("type = %v", resp["type"])
			}
			if resp["message"] != tt.want {
				t.Fatalf("message = %q, want %q", resp["message"], tt.want)
			}
		})
	}

	// Wrapped errors still map through errors.Is.
	wrapped := errorResponse(wrapErr(session.ErrSessionNotFound))
	if wrapped["message"] != "Session not found" {
		t.Fatalf("wrapped message = %q", wrapped["message"])
	}
}

func wrapErr(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }

func TestParseMessages(t *testing.T) {
	raw := []any{
		map[string]any{"role": "system", "content": "be brief"},
		map[string]any{"role": "user", "content": "hi"},
		map[string]any{"content": "no role"},
		"not an object",
	}
	msgs := parseMessages(raw)
	if len(msgs) != 2 {
		t.Fatalf("parsed %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != session.RoleSystem || msgs[1].Content != "hi" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestStreamOverride(t *testing.T) {
	if got := streamOverride(map[string]any{}); got != nil {
		t.Fatalf("absent stream = %v, want nil", got)
	}
	if got := streamOverride(map[string]any{"stream": false}); got == nil || *got {
		t.Fatalf("stream=false parsed as %v", got)
	}
	if got := streamOverride(map[string]any{"stream": true}); got == nil || !*got {
		t.Fatalf("stream=true parsed as %v", got)
	}
}

func TestVersionString(t *testing.T) {
	if versionString() == "" {
		t.Fatal("versionString is empty")
	}
}
