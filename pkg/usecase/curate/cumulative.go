package curate

import (
	"bytes"
	"context"
	_ "embed"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

//go:embed prompt/curate.md
var curatePromptRaw string

//go:embed prompt/compress.md
var compressPromptRaw string

var (
	curatePromptTmpl   = template.Must(template.New("curate").Parse(curatePromptRaw))
	compressPromptTmpl = template.Must(template.New("compress").Parse(compressPromptRaw))

	memoryTagPattern = regexp.MustCompile(`(?s)<memory>(.*?)</memory>`)
)

const maxCurationContextChars = 8000

// Cumulative folds every trial into one growing cheatsheet
type Cumulative struct {
	llm           interfaces.Generator
	capChars      int
	compressRatio float64
	temperature   float64
	maxTokens     int
}

type CumulativeOption func(*Cumulative)

// WithCapChars bounds the cheatsheet size. Zero disables the bound.
func WithCapChars(n int) CumulativeOption {
	return func(c *Cumulative) { c.capChars = n }
}

// WithCompressRatio sets the compression target as a fraction of the cap
func WithCompressRatio(v float64) CumulativeOption {
	return func(c *Cumulative) { c.compressRatio = v }
}

func WithTemperature(v float64) CumulativeOption {
	return func(c *Cumulative) { c.temperature = v }
}

func WithMaxTokens(n int) CumulativeOption {
	return func(c *Cumulative) { c.maxTokens = n }
}

func NewCumulative(llm interfaces.Generator, opts ...CumulativeOption) *Cumulative {
	c := &Cumulative{
		llm:           llm,
		capChars:      20000,
		compressRatio: 0.7,
		maxTokens:     4096,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cumulative) Curate(ctx context.Context, mem model.MemorySnapshot, trial Trial) (model.MemorySnapshot, error) {
	var buf bytes.Buffer
	if err := curatePromptTmpl.Execute(&buf, map[string]any{
		"Memory":    mem.Content,
		"Question":  trial.Question,
		"Answer":    trial.Answer,
		"Reasoning": trial.Reasoning,
		"Context":   truncateRunes(trial.Context, maxCurationContextChars),
		"Correct":   trial.Correct,
		"Score":     trial.Score,
	}); err != nil {
		return mem.Bump(), goerr.Wrap(err, "failed to execute curate prompt template")
	}

	resp, err := c.llm.Complete(ctx, buf.String(), interfaces.GenerateOptions{
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return mem.Bump(), goerr.Wrap(err, "failed to curate memory")
	}

	content := extractMemory(resp)
	if content == "" {
		return mem.Bump(), goerr.Wrap(ErrEmptyCuration, "curator produced no memory", goerr.V("response_length", len(resp)))
	}

	if c.capChars > 0 && len(content) > c.capChars {
		content = c.shrink(ctx, content)
	}

	return mem.Next(content), nil
}

// shrink brings content under the cap: first by asking the model to
// compress it, then by cutting at a paragraph boundary if that is not enough
func (c *Cumulative) shrink(ctx context.Context, content string) string {
	logger := logging.From(ctx)
	target := int(float64(c.capChars) * c.compressRatio)

	compressed, err := c.compress(ctx, content, target)
	if err != nil {
		logger.Warn("failed to compress memory", "error", err, "size", len(content), "cap", c.capChars)
	} else {
		logger.Info("memory compressed", "before", len(content), "after", len(compressed), "cap", c.capChars)
		content = compressed
	}

	if len(content) > c.capChars {
		truncated := TruncateAtParagraph(content, c.capChars)
		logger.Warn("memory truncated", "before", len(content), "after", len(truncated), "cap", c.capChars)
		content = truncated
	}
	return content
}

func (c *Cumulative) compress(ctx context.Context, content string, target int) (string, error) {
	var buf bytes.Buffer
	if err := compressPromptTmpl.Execute(&buf, map[string]any{
		"Memory":      content,
		"TargetChars": target,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute compress prompt template")
	}

	resp, err := c.llm.Complete(ctx, buf.String(), interfaces.GenerateOptions{
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate compressed memory")
	}

	compressed := extractMemory(resp)
	if compressed == "" {
		return "", goerr.Wrap(ErrEmptyCuration, "compression produced no memory")
	}
	return compressed, nil
}

// extractMemory returns the text inside the last <memory> tag pair, or the
// whole response when the model omitted the tags
func extractMemory(resp string) string {
	matches := memoryTagPattern.FindAllStringSubmatch(resp, -1)
	if len(matches) > 0 {
		return strings.TrimSpace(matches[len(matches)-1][1])
	}
	if strings.Contains(resp, "<memory>") {
		// opened but never closed: the response was cut off
		return ""
	}
	return strings.TrimSpace(resp)
}

// TruncateAtParagraph cuts s to at most limit bytes, preferring the last
// blank line, then the last line break, under the limit
func TruncateAtParagraph(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	head := truncateRunes(s, limit)
	if i := strings.LastIndex(head, "\n\n"); i > 0 {
		return strings.TrimRight(head[:i], "\n")
	}
	if i := strings.LastIndex(head, "\n"); i > 0 {
		return head[:i]
	}
	return head
}

func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
