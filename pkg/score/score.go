package score

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/m-mizutani/memeval/pkg/model"
)

// Engine grades predicted answers against gold answers. It is a pure value
// and safe for concurrent use.
type Engine struct {
	threshold         float64
	floatTolerance    float64
	listItemThreshold float64
}

type Option func(*Engine)

// WithThreshold sets the minimum score counted as correct
func WithThreshold(v float64) Option {
	return func(e *Engine) { e.threshold = v }
}

// WithFloatTolerance sets the relative tolerance for Int and Float answers
func WithFloatTolerance(v float64) Option {
	return func(e *Engine) { e.floatTolerance = v }
}

// WithListItemThreshold sets the similarity needed for two list items to match
func WithListItemThreshold(v float64) Option {
	return func(e *Engine) { e.listItemThreshold = v }
}

// New creates an Engine with 0.5 threshold, 1% tolerance and 0.8 list item threshold
func New(opts ...Option) *Engine {
	e := &Engine{
		threshold:         0.5,
		floatTolerance:    0.01,
		listItemThreshold: 0.8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromProfile creates an Engine from the score section of a run profile
func NewFromProfile(p model.ScoreProfile) *Engine {
	return New(
		WithThreshold(p.Threshold),
		WithFloatTolerance(p.FloatTolerance),
		WithListItemThreshold(p.ListItemThreshold),
	)
}

// Grade returns a similarity in [0,1] and whether it reaches the threshold.
// Malformed or mismatched inputs score 0 instead of failing.
func (e *Engine) Grade(predicted, gold any, answerType model.AnswerType) (score float64, correct bool) {
	defer func() {
		if r := recover(); r != nil {
			score, correct = 0, false
		}
	}()

	score = clip(e.grade(predicted, gold, answerType))
	return score, score >= e.threshold
}

func (e *Engine) grade(predicted, gold any, answerType model.AnswerType) float64 {
	pred := toText(predicted)

	if answerType == model.AnswerTypeNull {
		if isNotAnswerable(pred) {
			return 1
		}
		return 0
	}

	goldText := toText(gold)

	// A sentinel on an answerable question never earns partial credit
	if isSentinel(pred) && !isSentinel(goldText) {
		return 0
	}

	switch answerType {
	case model.AnswerTypeInt, model.AnswerTypeFloat:
		return e.gradeNumber(pred, goldText)
	case model.AnswerTypeList:
		return e.gradeList(toList(predicted), toList(gold))
	default:
		if pred == "" && goldText != "" {
			return 0
		}
		return Similarity(pred, goldText)
	}
}

func (e *Engine) gradeNumber(pred, gold string) float64 {
	g, gPct, ok := ParseNumber(gold)
	if !ok {
		// Unparseable gold falls back to exact normalized comparison
		if Normalize(pred) != "" && Normalize(pred) == Normalize(gold) {
			return 1
		}
		return 0
	}

	p, pPct, ok := ParseNumber(pred)
	if !ok {
		return 0
	}

	candidates := []float64{p}
	if pPct || gPct {
		candidates = append(candidates, p/100, p*100)
	}
	for _, c := range candidates {
		if withinTolerance(c, g, e.floatTolerance) {
			return 1
		}
	}
	return 0
}

func withinTolerance(p, g, tol float64) bool {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return false
	}
	if g == 0 {
		return math.Abs(p) <= tol
	}
	return math.Abs(p-g)/math.Abs(g) <= tol+1e-12
}

func isNotAnswerable(s string) bool {
	n := strings.TrimRight(Normalize(s), ".")
	return n == strings.ToLower(model.NotAnswerable)
}

func isSentinel(s string) bool {
	n := strings.TrimRight(Normalize(s), ".")
	return n == strings.ToLower(model.NotAnswerable) || n == strings.ToLower(model.FailToAnswer)
}

func clip(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// toText renders any answer value as text
func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case []string:
		return strings.Join(x, ", ")
	case []any:
		items := make([]string, 0, len(x))
		for _, item := range x {
			items = append(items, toText(item))
		}
		return strings.Join(items, ", ")
	default:
		return fmt.Sprint(x)
	}
}

// toList converts any answer value to list items
func toList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return cleanItems(x)
	case []any:
		items := make([]string, 0, len(x))
		for _, item := range x {
			items = append(items, toText(item))
		}
		return cleanItems(items)
	case string:
		return ParseList(x)
	default:
		return ParseList(toText(x))
	}
}
