package assemble

import (
	"bytes"
	"cmp"
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"github.com/m-mizutani/memeval/pkg/utils/vector"
)

//go:embed prompt/synthesize.md
var synthesizePromptRaw string

var synthesizePromptTmpl = template.Must(template.New("synthesize").Funcs(template.FuncMap{
	"add": func(a, b int) int { return a + b },
}).Parse(synthesizePromptRaw))

// RankedTrial is a trial log entry scored against a query
type RankedTrial struct {
	model.TrialLogEntry
	Index      int
	Similarity float64
}

// RankTrialLog returns the k entries most similar to query. Equal
// similarities are ordered by recency, newest first.
func RankTrialLog(query []float32, log []model.TrialLogEntry, k int) []RankedTrial {
	ranked := make([]RankedTrial, len(log))
	for i, entry := range log {
		ranked[i] = RankedTrial{
			TrialLogEntry: entry,
			Index:         i,
			Similarity:    vector.Cosine(query, entry.Embedding),
		}
	}

	slices.SortFunc(ranked, func(a, b RankedTrial) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(b.Index, a.Index)
	})

	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// Synthesis is the per-question memory produced from the trial log
type Synthesis struct {
	Snippet string
	// Embedding of the question, reused when the trial is appended to the log
	Embedding []float32
	Warnings  []string
}

// Synthesizer builds a query-specific memory snippet for the
// retrieval-synthesis strategy
type Synthesizer struct {
	generator   interfaces.Generator
	embedder    interfaces.Embedder
	topK        int
	maxChars    int
	temperature float64
	maxTokens   int
}

type SynthesizerOption func(*Synthesizer)

func WithSynthesisTopK(k int) SynthesizerOption {
	return func(s *Synthesizer) { s.topK = k }
}

func WithSnippetChars(n int) SynthesizerOption {
	return func(s *Synthesizer) { s.maxChars = n }
}

func WithSynthesisTemperature(v float64) SynthesizerOption {
	return func(s *Synthesizer) { s.temperature = v }
}

func WithSynthesisMaxTokens(n int) SynthesizerOption {
	return func(s *Synthesizer) { s.maxTokens = n }
}

func NewSynthesizer(generator interfaces.Generator, embedder interfaces.Embedder, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		generator: generator,
		embedder:  embedder,
		topK:      3,
		maxChars:  2000,
		maxTokens: 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize embeds question, picks the most similar past trials from mem and
// asks the generator to distill them. It never fails the trial: when the
// embedding is unavailable the most recent trials are used, and when the
// generator fails the raw pairs are returned as the snippet. Both cases are
// reported as warnings.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, mem model.MemorySnapshot) *Synthesis {
	result := &Synthesis{}

	embedding, err := s.embedder.Embed(ctx, question)
	if err != nil {
		logging.From(ctx).Warn("failed to embed question", "error", err)
		result.Warnings = append(result.Warnings, "embedding failed: "+err.Error())
	} else {
		result.Embedding = embedding
	}

	if len(mem.TrialLog) == 0 {
		return result
	}

	var trials []RankedTrial
	if result.Embedding != nil {
		trials = RankTrialLog(result.Embedding, mem.TrialLog, s.topK)
	} else {
		trials = recentTrials(mem.TrialLog, s.topK)
	}

	snippet, err := s.distill(ctx, question, trials)
	if err != nil {
		logging.From(ctx).Warn("failed to synthesize memory, using raw trials", "error", err)
		result.Warnings = append(result.Warnings, "synthesis failed: "+err.Error())
		snippet = rawTrials(trials)
	}
	result.Snippet = snippet
	return result
}

func (s *Synthesizer) distill(ctx context.Context, question string, trials []RankedTrial) (string, error) {
	var buf bytes.Buffer
	if err := synthesizePromptTmpl.Execute(&buf, map[string]any{
		"Question": question,
		"Trials":   trials,
		"MaxChars": s.maxChars,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute synthesize prompt template")
	}

	resp, err := s.generator.Complete(ctx, buf.String(), interfaces.GenerateOptions{
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate memory snippet")
	}

	snippet := strings.TrimSpace(resp)
	if snippet == "" {
		return "", goerr.New("empty memory snippet")
	}
	return truncate(snippet, s.maxChars), nil
}

func recentTrials(log []model.TrialLogEntry, k int) []RankedTrial {
	var trials []RankedTrial
	for i := len(log) - 1; i >= 0 && len(trials) < k; i-- {
		trials = append(trials, RankedTrial{TrialLogEntry: log[i], Index: i})
	}
	return trials
}

func rawTrials(trials []RankedTrial) string {
	var b strings.Builder
	for i, t := range trials {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", t.Question, t.Answer)
	}
	return b.String()
}
