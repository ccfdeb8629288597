package interfaces

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/memeval/pkg/model"
)

// GenerateOptions controls one completion call
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int

	// Schema requests structured JSON output when the backend supports it.
	// Backends without JSON mode ignore it and rely on the prompt.
	Schema *jsonschema.Schema
}

// Generator is the language-model completion service. Implementations
// perform a single attempt; retry and backoff belong to the caller.
type Generator interface {
	Complete(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	ModelName() string
}

// Embedder computes a fixed-length embedding vector for text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever searches pre-embedded document chunks. scope narrows the search
// to one document and may be empty to search the whole corpus.
type Retriever interface {
	Retrieve(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error)
}

// Exporter publishes a finished run to an external sink
type Exporter interface {
	Name() string
	Export(ctx context.Context, result *model.RunResult) error
}
