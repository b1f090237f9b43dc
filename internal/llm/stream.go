package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// processStream reads newline-delimited JSON chunks and calls the
// callback for each. SSE "data: " prefixes are tolerated so the same
// reader handles OpenAI-style servers.
func processStream(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var full strings.Builder
	var promptTokens, genTokens *int
	log.Debug("starting stream processing")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")
		if line == "[DONE]" {
			break
		}

		var ck chunk
		if err := json.Unmarshal([]byte(line), &ck); err != nil {
			log.Debug("skipping malformed stream line: %v", err)
			continue
		}

		if p, g := chunkTokens(&ck); p != nil || g != nil {
			if p != nil {
				promptTokens = p
			}
			if g != nil {
				genTokens = g
			}
		}

		content := extractContent(&ck)
		if content != "" {
			full.WriteString(content)
			callback(StreamEvent{Chunk: content, Full: full.String()})
		}

		if chunkDone(&ck) {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		// On user abort the HTTP body closes and the scanner sees an IO
		// error. Return the context error so callers can detect the
		// cancellation and keep the partial response.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("stream scanner error: %v", err)
		return err
	}

	callback(StreamEvent{
		Done:         true,
		Full:         full.String(),
		PromptTokens: promptTokens,
		GenTokens:    genTokens,
	})
	return nil
}
