package llm

// extractor pulls content text out of one decoded stream chunk.
// Servers differ in where they put it, so extraction runs through an
// ordered list of strategies and the first non-empty result wins.
type extractor struct {
	name    string
	extract func(*chunk) string
}

var extractors = []extractor{
	{"ollama_message", func(c *chunk) string {
		if c.Message != nil {
			return c.Message.Content
		}
		return ""
	}},
	{"ollama_response", func(c *chunk) string {
		return c.Response
	}},
	{"openai_delta", func(c *chunk) string {
		if len(c.Choices) == 0 {
			return ""
		}
		d := c.Choices[0].Delta
		if d == nil {
			d = c.Choices[0].Message
		}
		if d == nil {
			return ""
		}
		if d.Content != "" {
			return d.Content
		}
		return d.ReasoningContent
	}},
	{"bare_delta", func(c *chunk) string {
		if c.Delta == nil {
			return ""
		}
		if c.Delta.Content != "" {
			return c.Delta.Content
		}
		return c.Delta.ReasoningContent
	}},
}

// extractContent returns the content carried by a chunk, or "".
func extractContent(c *chunk) string {
	for _, e := range extractors {
		if s := e.extract(c); s != "" {
			return s
		}
	}
	return ""
}

// chunkDone reports whether a chunk terminates the stream.
func chunkDone(c *chunk) bool {
	if c.Done {
		return true
	}
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}
