package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		fmt.Fprint(w, `{"models":[{"name":"gemma3:1b"},{"name":"qwen3:0.6b"}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	models, err := c.Tags(context.Background())
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(models) != 2 || models[0].Name != "gemma3:1b" {
		t.Fatalf("models = %+v", models)
	}
}

func TestAuthHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	if _, err := c.Tags(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	// No header at all when the key is empty.
	c = NewClient(srv.URL, "")
	if _, err := c.Tags(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("Authorization = %q, want empty", got)
	}
}

func TestChatNonStreaming(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"ollama", `{"message":{"role":"assistant","content":"hello"},"done":true,"prompt_eval_count":9,"eval_count":4}`},
		{"openai", `{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":4}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/chat" {
					t.Errorf("path = %s", r.URL.Path)
				}
				var req map[string]any
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Fatal(err)
				}
				if req["stream"] != false {
					t.Errorf("stream = %v, want false", req["stream"])
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "")
			res, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}})
			if err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if res.Content != "hello" {
				t.Errorf("Content = %q", res.Content)
			}
			if res.PromptTokens == nil || *res.PromptTokens != 9 {
				t.Errorf("PromptTokens = %v, want 9", res.PromptTokens)
			}
			if res.GenTokens == nil || *res.GenTokens != 4 {
				t.Errorf("GenTokens = %v, want 4", res.GenTokens)
			}
		})
	}
}

func TestChatEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.Chat(context.Background(), "m", nil); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Chat(context.Background(), "m", nil)
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error lacks detail: %v", err)
	}
}

func TestChatStreamEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["stream"] != true {
			t.Errorf("stream = %v, want true", req["stream"])
		}
		fmt.Fprint(w, `{"message":{"content":"ab"}}
{"message":{"content":"cd"}}
{"done":true,"prompt_eval_count":5,"eval_count":2}
`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	var events []StreamEvent
	err := c.ChatStream(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, func(e StreamEvent) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	last := events[len(events)-1]
	if !last.Done || last.Full != "abcd" {
		t.Fatalf("final event = %+v", last)
	}
	if last.PromptTokens == nil || *last.PromptTokens != 5 {
		t.Errorf("PromptTokens = %v", last.PromptTokens)
	}
}

func TestEvaluatePromptTokens(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatal(err)
			}
			if req["max_tokens"] != float64(0) {
				t.Errorf("max_tokens = %v, want 0", req["max_tokens"])
			}
			fmt.Fprint(w, `{"message":{"content":""},"done":true,"prompt_eval_count":42}`)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "")
		got := c.EvaluatePromptTokens(context.Background(), "m", nil)
		if got == nil || *got != 42 {
			t.Fatalf("got %v, want 42", got)
		}
	})

	t.Run("fail_soft", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "")
		if got := c.EvaluatePromptTokens(context.Background(), "m", nil); got != nil {
			t.Fatalf("got %v, want nil", got)
		}
	})
}

func TestEstimateTokens(t *testing.T) {
	n, err := EstimateTokens("hello world")
	if err != nil {
		t.Fatalf("EstimateTokens: %v", err)
	}
	if n <= 0 {
		t.Errorf("count = %d, want > 0", n)
	}
	if EstimateTokensSimple("hello world") != n {
		t.Error("EstimateTokensSimple disagrees with EstimateTokens")
	}
}
