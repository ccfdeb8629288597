package retry

import (
	"context"

	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
)

// generator wraps an interfaces.Generator with a retry policy
type generator struct {
	inner  interfaces.Generator
	policy Policy
}

// WrapGenerator returns a Generator that retries transient failures of g
func WrapGenerator(g interfaces.Generator, p Policy) interfaces.Generator {
	return &generator{inner: g, policy: p}
}

func (g *generator) ModelName() string { return g.inner.ModelName() }

func (g *generator) Complete(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error) {
	return Do(ctx, g.policy, "generate", func(ctx context.Context) (string, error) {
		return g.inner.Complete(ctx, prompt, opts)
	})
}

type embedder struct {
	inner  interfaces.Embedder
	policy Policy
}

// WrapEmbedder returns an Embedder that retries transient failures of e
func WrapEmbedder(e interfaces.Embedder, p Policy) interfaces.Embedder {
	return &embedder{inner: e, policy: p}
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return Do(ctx, e.policy, "embed", func(ctx context.Context) ([]float32, error) {
		return e.inner.Embed(ctx, text)
	})
}

type retriever struct {
	inner  interfaces.Retriever
	policy Policy
}

// WrapRetriever returns a Retriever that retries transient failures of r
func WrapRetriever(r interfaces.Retriever, p Policy) interfaces.Retriever {
	return &retriever{inner: r, policy: p}
}

func (r *retriever) Retrieve(ctx context.Context, query, scope string, topK int) ([]model.ContextPassage, error) {
	return Do(ctx, r.policy, "retrieve", func(ctx context.Context) ([]model.ContextPassage, error) {
		return r.inner.Retrieve(ctx, query, scope, topK)
	})
}
