package model

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidAnswerType = goerr.New("invalid answer type")
)

// Sentinel answers produced by the extraction stage. NotAnswerable means the
// context lacks the information; FailToAnswer means the content could not be
// read or parsed at all.
const (
	NotAnswerable = "Not answerable"
	FailToAnswer  = "Fail to answer"
)

type ExampleID string

type AnswerType string

const (
	AnswerTypeInt   AnswerType = "Int"
	AnswerTypeFloat AnswerType = "Float"
	AnswerTypeStr   AnswerType = "Str"
	AnswerTypeList  AnswerType = "List"
	AnswerTypeNull  AnswerType = "null"
)

// AnswerTypes lists every answer type in a stable order for reporting
var AnswerTypes = []AnswerType{
	AnswerTypeInt,
	AnswerTypeFloat,
	AnswerTypeStr,
	AnswerTypeList,
	AnswerTypeNull,
}

// ParseAnswerType converts a dataset answer format label to AnswerType.
// "None", "null" and the empty string all map to AnswerTypeNull.
func ParseAnswerType(s string) (AnswerType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return AnswerTypeInt, nil
	case "float":
		return AnswerTypeFloat, nil
	case "str", "string":
		return AnswerTypeStr, nil
	case "list":
		return AnswerTypeList, nil
	case "", "none", "null":
		return AnswerTypeNull, nil
	default:
		return "", goerr.Wrap(ErrInvalidAnswerType, "unknown answer format", goerr.V("format", s))
	}
}

// Example is one QA trial unit. It is loaded once per run and never mutated.
type Example struct {
	ID            ExampleID  `json:"id"`
	Question      string     `json:"question"`
	DocumentScope string     `json:"document_scope,omitempty"`
	GoldAnswer    string     `json:"gold_answer"`
	AnswerType    AnswerType `json:"answer_type"`
	EvidenceRefs  []string   `json:"evidence_refs,omitempty"`
}

// ContextPassage is one retrieved unit of a document
type ContextPassage struct {
	Text           string  `json:"text"`
	SourceLocator  string  `json:"source_locator"`
	RelevanceScore float64 `json:"relevance_score"`
}
