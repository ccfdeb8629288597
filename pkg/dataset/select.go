package dataset

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
)

type Split string

const (
	SplitAll          Split = "all"
	SplitSingle       Split = "single"
	SplitMulti        Split = "multi"
	SplitUnanswerable Split = "unanswerable"
)

// ParseSplit validates a split name. The empty string means all.
func ParseSplit(s string) (Split, error) {
	switch Split(s) {
	case "", SplitAll:
		return SplitAll, nil
	case SplitSingle, SplitMulti, SplitUnanswerable:
		return Split(s), nil
	default:
		return "", goerr.Wrap(ErrInvalidSplit, "unknown split", goerr.V("split", s))
	}
}

func (s Split) match(ex model.Example) bool {
	switch s {
	case SplitSingle:
		return ex.AnswerType != model.AnswerTypeNull && len(ex.EvidenceRefs) == 1
	case SplitMulti:
		return ex.AnswerType != model.AnswerTypeNull && len(ex.EvidenceRefs) > 1
	case SplitUnanswerable:
		return ex.AnswerType == model.AnswerTypeNull
	default:
		return true
	}
}

// Select returns the examples in the split, in dataset order
func (d *Dataset) Select(split Split) []model.Example {
	out := make([]model.Example, 0, len(d.Examples))
	for _, ex := range d.Examples {
		if split.match(ex) {
			out = append(out, ex)
		}
	}
	return out
}

// Limit truncates examples to the first n. Non-positive n keeps all.
func Limit(examples []model.Example, n int) []model.Example {
	if n > 0 && len(examples) > n {
		return examples[:n]
	}
	return examples
}
