// Package llm talks to hosted language models. GeminiClient and
// OpenAIClient expose the same two calls: a schema-constrained JSON
// generation that is validated locally before it is returned, and a plain
// text generation.
package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrEmptyResponse means the provider answered without any content.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrRateLimited means the provider rejected the call for quota reasons.
	ErrRateLimited = errors.New("llm: rate limited")
)

const defaultTimeout = 60 * time.Second

// JSONRequest asks for a JSON document matching Schema.
type JSONRequest struct {
	System string
	User   string
	Schema map[string]any
}

// Client is implemented by GeminiClient and OpenAIClient.
type Client interface {
	GenerateJSON(ctx context.Context, req JSONRequest) ([]byte, error)
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// stripCodeFence removes a ```json ... ``` wrapper some models add even in
// JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
