package provider

import (
	"context"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Provider is the abstraction over LLM APIs.
type Provider interface {
	Chat(ctx context.Context, req protocol.ChatRequest) (*protocol.ChatResponse, error)
	Name() string
}

// Embedder turns texts into embedding vectors, one per input in order.
type Embedder interface {
	Embed(ctx context.Context, req protocol.EmbeddingRequest) ([][]float64, error)
}
