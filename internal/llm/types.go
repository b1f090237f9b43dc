package llm

// Message is a single chat turn sent to the API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the outcome of a non-streaming chat call.
type ChatResult struct {
	Content      string
	PromptTokens *int
	GenTokens    *int
}

// StreamEvent is delivered to the stream callback for each content
// chunk and once more when the stream finishes.
type StreamEvent struct {
	Chunk string
	Done  bool
	Full  string

	// Token counts reported by the server, nil when absent.
	PromptTokens *int
	GenTokens    *int
}

// chunk is the wire shape of one streamed line. It covers the Ollama
// native format, the OpenAI-compatible format and a couple of looser
// variants seen in local servers.
type chunk struct {
	Message  *chunkMessage `json:"message"`
	Response string        `json:"response"`
	Choices  []chunkChoice `json:"choices"`
	Delta    *chunkDelta   `json:"delta"`
	Done     bool          `json:"done"`

	PromptEvalCount *int   `json:"prompt_eval_count"`
	EvalCount       *int   `json:"eval_count"`
	Usage           *usage `json:"usage"`
}

type chunkMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chunkChoice struct {
	Delta        *chunkDelta `json:"delta"`
	Message      *chunkDelta `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chunkDelta struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type usage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
}

// tagsResponse is the /api/tags listing.
type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one locally available model.
type ModelInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}
