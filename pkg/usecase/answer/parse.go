package answer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/sandbox"
	"github.com/m-mizutani/memeval/pkg/score"
)

var (
	jsonFencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	answerLine       = regexp.MustCompile(`(?im)^\s*(?:final\s+)?answer\s*:\s*(.+)$`)
)

// Parse turns raw extraction output into a typed answer and its text form.
// JSON {"answer": ...} is preferred; plain text is accepted as a fallback.
func Parse(raw string, t model.AnswerType) (any, string) {
	value, ok := decodeAnswer(raw)
	if !ok {
		text := strings.TrimSpace(raw)
		if len(sandbox.ExtractBlocks(text)) > 0 {
			// Code the model was not allowed to run cannot be an answer
			return model.FailToAnswer, model.FailToAnswer
		}
		if m := answerLine.FindAllStringSubmatch(text, -1); len(m) > 0 {
			text = m[len(m)-1][1]
		}
		value = text
	}

	v := normalize(value, t)
	return v, render(v)
}

func decodeAnswer(raw string) (any, bool) {
	text := strings.TrimSpace(raw)
	candidates := []string{text}
	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}

	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err != nil {
			continue
		}
		if v, ok := obj["answer"]; ok {
			return v, true
		}
	}
	return nil, false
}

func normalize(v any, t model.AnswerType) any {
	if v == nil {
		return model.NotAnswerable
	}

	if s, ok := v.(string); ok {
		s = strings.Trim(strings.TrimSpace(s), `"'`)
		if sentinel, ok := asSentinel(s); ok {
			return sentinel
		}
		if s == "" {
			return model.FailToAnswer
		}
		v = s
	}

	switch t {
	case model.AnswerTypeInt, model.AnswerTypeFloat:
		switch x := v.(type) {
		case float64:
			return x
		case string:
			if n, pct, ok := score.ParseNumber(x); ok && !pct {
				return n
			}
			return x
		}
		return fmt.Sprint(v)

	case model.AnswerTypeList:
		var items []string
		switch x := v.(type) {
		case []any:
			for _, item := range x {
				if item != nil {
					items = append(items, strings.TrimSpace(fmt.Sprint(item)))
				}
			}
		case string:
			items = score.ParseList(x)
		default:
			items = []string{fmt.Sprint(x)}
		}
		if len(items) == 1 {
			if sentinel, ok := asSentinel(items[0]); ok {
				return sentinel
			}
		}
		if len(items) == 0 {
			return model.FailToAnswer
		}
		return items

	default:
		switch x := v.(type) {
		case string:
			return x
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			raw, err := json.Marshal(x)
			if err != nil {
				return fmt.Sprint(x)
			}
			return string(raw)
		}
	}
}

func asSentinel(s string) (string, bool) {
	n := strings.ToLower(strings.TrimRight(strings.TrimSpace(s), "."))
	switch n {
	case strings.ToLower(model.NotAnswerable):
		return model.NotAnswerable, true
	case strings.ToLower(model.FailToAnswer):
		return model.FailToAnswer, true
	}
	return "", false
}

func render(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		raw, err := json.Marshal(x)
		if err != nil {
			return strings.Join(x, ", ")
		}
		return string(raw)
	default:
		return fmt.Sprint(x)
	}
}
