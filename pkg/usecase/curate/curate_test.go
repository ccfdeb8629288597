package curate_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/usecase/curate"
)

type mockGenerator struct {
	complete func(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error)
}

func (m *mockGenerator) Complete(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error) {
	return m.complete(ctx, prompt, opts)
}

func (m *mockGenerator) ModelName() string { return "mock" }

type mockEmbedder struct {
	embed func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embed(ctx, text)
}

func isCompression(prompt string) bool {
	return strings.HasPrefix(prompt, "The cheatsheet below has grown too long")
}

func TestCumulativeCurate(t *testing.T) {
	var prompt string
	gen := &mockGenerator{
		complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
			prompt = p
			return "Here you go.\n<memory>\n- Revenue is in the income statement.\n- Check units.\n</memory>", nil
		},
	}

	mem := model.NewMemory(model.StrategyCumulative).Next("- Revenue is in the income statement.")
	next, err := curate.NewCumulative(gen).Curate(context.Background(), mem, curate.Trial{
		Question: "What was revenue?",
		Answer:   "42",
		Context:  "[Passage 1 | source: a | score: 0.900]\nRevenue was 42 thousand.",
		Score:    0,
		Correct:  false,
	})
	gt.NoError(t, err)
	gt.Equal(t, next.Version, 2)
	gt.Equal(t, next.Content, "- Revenue is in the income statement.\n- Check units.")
	gt.Equal(t, mem.Version, 1)

	gt.S(t, prompt).Contains("- Revenue is in the income statement.")
	gt.S(t, prompt).Contains("What was revenue?")
	gt.S(t, prompt).Contains("graded incorrect")
	gt.S(t, prompt).Contains("Revenue was 42 thousand.")
}

func TestCumulativeCurateFailureKeepsContent(t *testing.T) {
	mem := model.NewMemory(model.StrategyCumulative).Next("keep me")

	testCases := []struct {
		name string
		resp string
		err  error
	}{
		{"generator error", "", errors.New("unavailable")},
		{"empty response", "   ", nil},
		{"empty tags", "<memory>  </memory>", nil},
		{"unterminated tag", "<memory>half of the", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &mockGenerator{
				complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
					return tc.resp, tc.err
				},
			}
			next, err := curate.NewCumulative(gen).Curate(context.Background(), mem, curate.Trial{Question: "q"})
			gt.Error(t, err)
			gt.Equal(t, next.Content, "keep me")
			gt.Equal(t, next.Version, 2)
		})
	}

	t.Run("empty is ErrEmptyCuration", func(t *testing.T) {
		gen := &mockGenerator{
			complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
				return "", nil
			},
		}
		_, err := curate.NewCumulative(gen).Curate(context.Background(), mem, curate.Trial{Question: "q"})
		gt.True(t, errors.Is(err, curate.ErrEmptyCuration))
	})
}

func TestCumulativeCurateWithoutTags(t *testing.T) {
	gen := &mockGenerator{
		complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
			return "  - entry  ", nil
		},
	}
	next, err := curate.NewCumulative(gen).Curate(context.Background(), model.NewMemory(model.StrategyCumulative), curate.Trial{})
	gt.NoError(t, err)
	gt.Equal(t, next.Content, "- entry")
}

func TestCumulativeCompression(t *testing.T) {
	long := strings.Repeat("- a long entry about revenue\n\n", 20)

	t.Run("compressed by model", func(t *testing.T) {
		var compressPrompt string
		gen := &mockGenerator{
			complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
				if isCompression(p) {
					compressPrompt = p
					return "<memory>- revenue entries merged</memory>", nil
				}
				return "<memory>" + long + "</memory>", nil
			},
		}
		c := curate.NewCumulative(gen, curate.WithCapChars(200), curate.WithCompressRatio(0.5))
		next, err := c.Curate(context.Background(), model.NewMemory(model.StrategyCumulative), curate.Trial{Question: "q"})
		gt.NoError(t, err)
		gt.Equal(t, next.Content, "- revenue entries merged")
		gt.Equal(t, next.Version, 1)
		gt.S(t, compressPrompt).Contains("at most 100 characters")
	})

	t.Run("truncated when compression fails", func(t *testing.T) {
		gen := &mockGenerator{
			complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
				if isCompression(p) {
					return "", errors.New("unavailable")
				}
				return "<memory>" + long + "</memory>", nil
			},
		}
		c := curate.NewCumulative(gen, curate.WithCapChars(200))
		next, err := c.Curate(context.Background(), model.NewMemory(model.StrategyCumulative), curate.Trial{Question: "q"})
		gt.NoError(t, err)
		gt.True(t, len(next.Content) <= 200)
		gt.True(t, strings.HasSuffix(next.Content, "revenue"))
		gt.Equal(t, next.Version, 1)
	})

	t.Run("no cap", func(t *testing.T) {
		calls := 0
		gen := &mockGenerator{
			complete: func(ctx context.Context, p string, opts interfaces.GenerateOptions) (string, error) {
				calls++
				return "<memory>" + long + "</memory>", nil
			},
		}
		c := curate.NewCumulative(gen, curate.WithCapChars(0))
		next, err := c.Curate(context.Background(), model.NewMemory(model.StrategyCumulative), curate.Trial{Question: "q"})
		gt.NoError(t, err)
		gt.Equal(t, calls, 1)
		gt.Equal(t, next.Content, strings.TrimSpace(long))
	})
}

func TestTruncateAtParagraph(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{"short", "abc", 10, "abc"},
		{"paragraph", "first para\n\nsecond para", 15, "first para"},
		{"line", "line one\nline two", 12, "line one"},
		{"hard cut", "abcdefghij", 4, "abcd"},
		{"rune boundary", "ééé", 3, "é"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, curate.TruncateAtParagraph(tc.input, tc.limit), tc.expected)
		})
	}
}

func TestRetrievalSynthesisCurate(t *testing.T) {
	embedCalls := 0
	emb := &mockEmbedder{
		embed: func(ctx context.Context, text string) ([]float32, error) {
			embedCalls++
			return []float32{0, 1}, nil
		},
	}
	c := curate.NewRetrievalSynthesis(emb)
	mem := model.NewMemory(model.StrategyRetrievalSynthesis)

	next, err := c.Curate(context.Background(), mem, curate.Trial{Question: "q1", Answer: "a1", Embedding: []float32{1, 0}})
	gt.NoError(t, err)
	gt.Equal(t, embedCalls, 0)
	gt.Equal(t, next.Version, 1)
	gt.A(t, next.TrialLog).Length(1)
	gt.Equal(t, next.TrialLog[0], model.TrialLogEntry{Question: "q1", Answer: "a1", Embedding: []float32{1, 0}})
	gt.Equal(t, next.Content, "")

	next2, err := c.Curate(context.Background(), next, curate.Trial{Question: "q2", Answer: "a2"})
	gt.NoError(t, err)
	gt.Equal(t, embedCalls, 1)
	gt.A(t, next2.TrialLog).Length(2)
	gt.Equal(t, next2.TrialLog[1].Embedding, []float32{0, 1})
	gt.A(t, next.TrialLog).Length(1)
}

func TestRetrievalSynthesisCurateEmbedFailure(t *testing.T) {
	emb := &mockEmbedder{
		embed: func(ctx context.Context, text string) ([]float32, error) { return nil, errors.New("quota") },
	}
	mem := model.NewMemory(model.StrategyRetrievalSynthesis)
	next, err := curate.NewRetrievalSynthesis(emb).Curate(context.Background(), mem, curate.Trial{Question: "q"})
	gt.Error(t, err)
	gt.Equal(t, next.Version, 1)
	gt.A(t, next.TrialLog).Length(0)
}

func TestNew(t *testing.T) {
	gen := &mockGenerator{}
	emb := &mockEmbedder{}
	p := model.DefaultProfile()

	c, err := curate.New(model.StrategyCumulative, gen, nil, p)
	gt.NoError(t, err)
	_, ok := c.(*curate.Cumulative)
	gt.True(t, ok)

	c, err = curate.New(model.StrategyRetrievalSynthesis, nil, emb, p)
	gt.NoError(t, err)
	_, ok = c.(*curate.RetrievalSynthesis)
	gt.True(t, ok)

	_, err = curate.New(model.StrategyRetrievalSynthesis, gen, nil, p)
	gt.Error(t, err)

	_, err = curate.New("other", gen, emb, p)
	gt.Error(t, err)
}
