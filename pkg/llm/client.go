// Package llm provides the language-model and text-embedding clients. Both
// upstream services are external RPCs; the caller owns the timeout.
package llm

import "context"

// Client produces a completion for a fully rendered prompt.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Embedder turns text into a vector for the semantic index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
