package llm

import (
	"context"
	"fmt"
)

// Client is the language-model capability the agent loop depends on.
type Client interface {
	// Chat sends one request and returns the model's reply, which is
	// either final text or a list of tool calls.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// APIError is returned when the provider answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API error %d: %s", e.StatusCode, e.Body)
}
