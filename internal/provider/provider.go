// Package provider abstracts the external model services the pipeline
// depends on: a completion model that distills events and an embedding
// model that makes observations searchable. Both are always called
// behind a rate limiter owned by the caller.
package provider

import (
	"context"
)

// Message is one turn of accumulated conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer sends conversation history to a language model and returns
// its raw free-text reply. The reply is decoded elsewhere; completers
// never interpret it.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)

	// Name returns the provider identifier (e.g. "openai", "stub").
	Name() string
}

// Embedder converts UTF-8 text into a fixed-length vector. Callers are
// responsible for truncating/prefixing the text first.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	Name() string
}
