package dataset

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.dataset.allow"

// Policy filters examples with Rego rules. A rule set in package "dataset"
// decides per example through "allow"; an undefined result excludes it.
type Policy struct {
	query *rego.PreparedEvalQuery
}

// LoadPolicy loads every .rego file in dir. An empty dir or a dir without
// policy files yields a nil Policy that accepts everything.
func LoadPolicy(ctx context.Context, dir string) (*Policy, error) {
	if dir == "" {
		return nil, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query(policyQuery))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy", goerr.V("query", policyQuery))
	}

	return &Policy{query: &prepared}, nil
}

// Allow evaluates the policy for one example
func (p *Policy) Allow(ctx context.Context, ex model.Example) (bool, error) {
	if p == nil {
		return true, nil
	}

	input := map[string]any{
		"id":             string(ex.ID),
		"question":       ex.Question,
		"document_scope": ex.DocumentScope,
		"gold_answer":    ex.GoldAnswer,
		"answer_type":    string(ex.AnswerType),
		"evidence_refs":  toAnySlice(ex.EvidenceRefs),
	}

	rs, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, goerr.Wrap(err, "failed to evaluate policy", goerr.V("example_id", ex.ID))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, goerr.New("policy result is not boolean", goerr.V("example_id", ex.ID), goerr.V("value", rs[0].Expressions[0].Value))
	}
	return allowed, nil
}

// Filter keeps the examples the policy allows, preserving order
func (p *Policy) Filter(ctx context.Context, examples []model.Example) ([]model.Example, error) {
	if p == nil {
		return examples, nil
	}

	out := make([]model.Example, 0, len(examples))
	for _, ex := range examples {
		ok, err := p.Allow(ctx, ex)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ex)
		}
	}

	logging.From(ctx).Info("dataset policy applied", "before", len(examples), "after", len(out))
	return out, nil
}

func toAnySlice(items []string) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
