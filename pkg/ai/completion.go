package ai

import (
	"context"
	"encoding/json"
	"errors"
)

// Message is one turn sent to or returned by a chat completion model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion call. Zero values defer to the provider.
type Options struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// JSON returns the options as a compact JSON document for bookkeeping.
func (o Options) JSON() json.RawMessage {
	data, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return data
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// CompletionClient produces the next assistant message for a conversation.
// All providers (OpenAI-compatible, Ollama, Gemini) implement this interface.
type CompletionClient interface {
	Complete(ctx context.Context, messages []Message, opts Options) (Message, error)
}

// ModelNamer is implemented by clients that are bound to a single model.
type ModelNamer interface {
	Model() string
}

// ErrEmptyResponse is returned when the provider answered without content.
var ErrEmptyResponse = errors.New("empty completion response")

// ModelName returns the model a client is bound to, or "" if unknown.
func ModelName(c CompletionClient) string {
	if n, ok := c.(ModelNamer); ok {
		return n.Model()
	}
	return ""
}
