package answer

import (
	"bytes"
	"context"
	_ "embed"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/sandbox"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
)

//go:embed prompt/reasoning.md
var reasoningPromptRaw string

//go:embed prompt/extraction.md
var extractionPromptRaw string

var (
	reasoningPromptTmpl  = template.Must(template.New("reasoning").Parse(reasoningPromptRaw))
	extractionPromptTmpl = template.Must(template.New("extraction").Funcs(template.FuncMap{
		"add": func(a, b int) int { return a + b },
	}).Parse(extractionPromptRaw))
)

var ErrEmptyReasoning = goerr.New("empty reasoning output")

// CodeRunner executes code blocks proposed by the model and returns their
// output as text
type CodeRunner interface {
	Run(ctx context.Context, blocks []sandbox.Block) string
}

// Input is everything one answer generation needs. Memory is read only.
type Input struct {
	Question   string
	Context    string
	Memory     string
	AnswerType model.AnswerType
}

// Result is the outcome of the reasoning and extraction stages
type Result struct {
	Reasoning string
	// Answer is the typed value: float64 for numbers, []string for lists,
	// string otherwise
	Answer      any
	AnswerText  string
	CodeOutputs []string
}

type Generator struct {
	llm            interfaces.Generator
	reasoningTemp  float64
	extractionTemp float64
	maxTokens      int
	runner         CodeRunner
	maxCodeRounds  int
}

type Option func(*Generator)

func WithReasoningTemperature(v float64) Option {
	return func(g *Generator) { g.reasoningTemp = v }
}

func WithExtractionTemperature(v float64) Option {
	return func(g *Generator) { g.extractionTemp = v }
}

func WithMaxTokens(n int) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// WithCodeExecution enables the code execution loop. The extraction stage
// may run at most rounds code blocks before it must answer.
func WithCodeExecution(runner CodeRunner, rounds int) Option {
	return func(g *Generator) {
		g.runner = runner
		g.maxCodeRounds = rounds
	}
}

func New(llm interfaces.Generator, opts ...Option) *Generator {
	g := &Generator{
		llm:       llm,
		maxTokens: 2048,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate runs reasoning then extraction. Errors from the language model
// are returned; unusable extraction output becomes the fail sentinel.
func (g *Generator) Generate(ctx context.Context, in Input) (*Result, error) {
	reasoning, err := g.reason(ctx, in)
	if err != nil {
		return nil, err
	}

	result := &Result{Reasoning: reasoning}
	if err := g.extract(ctx, in, result); err != nil {
		return nil, err
	}

	logging.From(ctx).Debug("answer generated",
		"answer", result.AnswerText,
		"code_rounds", len(result.CodeOutputs),
	)
	return result, nil
}

func (g *Generator) reason(ctx context.Context, in Input) (string, error) {
	var buf bytes.Buffer
	if err := reasoningPromptTmpl.Execute(&buf, map[string]any{
		"Question": in.Question,
		"Context":  in.Context,
		"Memory":   in.Memory,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute reasoning prompt template")
	}

	resp, err := g.llm.Complete(ctx, buf.String(), interfaces.GenerateOptions{
		Temperature: g.reasoningTemp,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate reasoning")
	}
	if resp == "" {
		return "", goerr.Wrap(ErrEmptyReasoning, "reasoning stage returned nothing")
	}
	return resp, nil
}

func (g *Generator) extract(ctx context.Context, in Input, result *Result) error {
	codeEnabled := g.runner != nil && g.maxCodeRounds > 0

	for round := 0; ; round++ {
		canRunCode := codeEnabled && round < g.maxCodeRounds

		var buf bytes.Buffer
		if err := extractionPromptTmpl.Execute(&buf, map[string]any{
			"Question":    in.Question,
			"Reasoning":   result.Reasoning,
			"FormatHint":  formatHint(in.AnswerType),
			"CodeEnabled": canRunCode,
			"CodeOutputs": result.CodeOutputs,
		}); err != nil {
			return goerr.Wrap(err, "failed to execute extraction prompt template")
		}

		opts := interfaces.GenerateOptions{
			Temperature: g.extractionTemp,
			MaxTokens:   g.maxTokens,
		}
		// JSON mode would forbid code blocks, so the schema is only sent when
		// the model must answer directly
		if !canRunCode {
			opts.Schema = extractionSchema(in.AnswerType)
		}

		resp, err := g.llm.Complete(ctx, buf.String(), opts)
		if err != nil {
			return goerr.Wrap(err, "failed to extract answer", goerr.V("round", round))
		}

		if canRunCode {
			if blocks := sandbox.ExtractBlocks(resp); len(blocks) > 0 {
				output := g.runner.Run(ctx, blocks)
				result.CodeOutputs = append(result.CodeOutputs, output)
				logging.From(ctx).Debug("code executed", "round", round+1, "output", output)
				continue
			}
		}

		result.Answer, result.AnswerText = Parse(resp, in.AnswerType)
		return nil
	}
}

func formatHint(t model.AnswerType) string {
	switch t {
	case model.AnswerTypeInt:
		return "An integer. Digits only, no thousands separators, no units."
	case model.AnswerTypeFloat:
		return "A number. Digits and decimal point only, no units. Keep the precision given in the document."
	case model.AnswerTypeList:
		return `A JSON array of short strings, for example ["a", "b"].`
	default:
		// null is not revealed to the model; it answers as if a string were expected
		return "A short phrase or sentence."
	}
}

func extractionSchema(t model.AnswerType) *jsonschema.Schema {
	answer := &jsonschema.Schema{Type: "string", Description: formatHint(t)}
	if t == model.AnswerTypeList {
		answer = &jsonschema.Schema{
			Type:        "array",
			Description: formatHint(t),
			Items:       &jsonschema.Schema{Type: "string"},
		}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"answer": answer},
		Required:   []string{"answer"},
	}
}
