package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/youruser/chatbridge/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrEmptyResponse = errors.New("empty response from model")
	log              = logging.Get()
)

const defaultRequestTimeout = 30 * time.Second

// Client handles communication with an Ollama-compatible chat API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new API client. apiKey may be empty for local
// servers that do not authenticate.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// BaseURL returns the endpoint the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// Tags fetches the list of locally available models.
func (c *Client) Tags(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	log.Debug("HTTP GET %s/api/tags", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(body))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	return tags.Models, nil
}

// Ping verifies the server is reachable by listing models.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Tags(ctx)
	return err
}

func (c *Client) postChat(ctx context.Context, body map[string]any) (*http.Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(body))
	}
	return resp, nil
}

// Chat sends a non-streaming chat request and returns the full
// assistant reply with any token counts the server reported.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (*ChatResult, error) {
	log.Debug("HTTP POST %s/api/chat (model: %s, messages: %d, stream: false)",
		c.baseURL, model, len(messages))

	resp, err := c.postChat(ctx, map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ck chunk
	if err := json.NewDecoder(resp.Body).Decode(&ck); err != nil {
		return nil, err
	}

	content := extractContent(&ck)
	if content == "" {
		return nil, ErrEmptyResponse
	}
	result := &ChatResult{Content: content}
	result.PromptTokens, result.GenTokens = chunkTokens(&ck)
	return result, nil
}

// StreamCallback is called for each event in the stream.
type StreamCallback func(event StreamEvent)

// ChatStream sends a streaming chat request. The callback receives one
// event per content chunk and a final event with Done set.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) error {
	log.Debug("HTTP POST %s/api/chat (model: %s, messages: %d, stream: true)",
		c.baseURL, model, len(messages))

	resp, err := c.postChat(ctx, map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return processStream(ctx, resp.Body, callback)
}

// EvaluatePromptTokens asks the server to evaluate the prompt without
// generating, returning the exact prompt token count. Returns nil when
// the server does not support the probe or the call fails; callers
// fall back to a heuristic.
func (c *Client) EvaluatePromptTokens(ctx context.Context, model string, messages []Message) *int {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	resp, err := c.postChat(ctx, map[string]any{
		"model":      model,
		"messages":   messages,
		"stream":     false,
		"max_tokens": 0,
	})
	if err != nil {
		log.Debug("prompt token probe failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	var ck chunk
	if err := json.NewDecoder(resp.Body).Decode(&ck); err != nil {
		log.Debug("prompt token probe decode failed: %v", err)
		return nil
	}
	prompt, _ := chunkTokens(&ck)
	return prompt
}

// chunkTokens pulls prompt and generation token counts out of a chunk,
// accepting both the Ollama field names and the OpenAI usage block.
func chunkTokens(c *chunk) (prompt, gen *int) {
	prompt = c.PromptEvalCount
	gen = c.EvalCount
	if c.Usage != nil {
		if prompt == nil {
			prompt = c.Usage.PromptTokens
		}
		if gen == nil {
			gen = c.Usage.CompletionTokens
		}
	}
	return prompt, gen
}
