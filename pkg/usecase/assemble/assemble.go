package assemble

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

// Assembler turns a question into a single context string by querying the
// document retriever
type Assembler struct {
	retriever interfaces.Retriever
	topK      int
	maxChars  int
}

type Option func(*Assembler)

func WithTopK(k int) Option {
	return func(a *Assembler) { a.topK = k }
}

// WithMaxContextChars bounds the assembled context. Zero disables the bound.
func WithMaxContextChars(n int) Option {
	return func(a *Assembler) { a.maxChars = n }
}

// New creates an Assembler. A nil retriever yields empty context for every
// question.
func New(retriever interfaces.Retriever, opts ...Option) *Assembler {
	a := &Assembler{
		retriever: retriever,
		topK:      5,
		maxChars:  24000,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble retrieves passages for question within scope and formats them
// with provenance headers
func (a *Assembler) Assemble(ctx context.Context, question, scope string) (string, []model.ContextPassage, error) {
	if a.retriever == nil {
		return "", nil, nil
	}

	passages, err := a.retriever.Retrieve(ctx, question, scope, a.topK)
	if err != nil {
		return "", nil, goerr.Wrap(err, "failed to retrieve context", goerr.V("scope", scope))
	}

	text := Format(passages, a.maxChars)
	logging.From(ctx).Debug("context assembled",
		"scope", scope,
		"passages", len(passages),
		"chars", len(text),
	)
	return text, passages, nil
}

// Format renders passages in rank order. When maxChars is positive the
// output is cut to at most maxChars bytes on a rune boundary.
func Format(passages []model.ContextPassage, maxChars int) string {
	blocks := make([]string, 0, len(passages))
	for i, p := range passages {
		source := p.SourceLocator
		if source == "" {
			source = "unknown"
		}
		blocks = append(blocks, fmt.Sprintf("[Passage %d | source: %s | score: %.3f]\n%s",
			i+1, source, p.RelevanceScore, strings.TrimSpace(p.Text)))
	}
	return truncate(strings.Join(blocks, "\n\n"), maxChars)
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
