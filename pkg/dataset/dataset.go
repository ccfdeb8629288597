package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/model"
	"github.com/m-mizutani/memeval/pkg/score"
)

var (
	ErrInvalidRecord = goerr.New("invalid dataset record")
	ErrInvalidSplit  = goerr.New("invalid split")
	ErrEmptyDataset  = goerr.New("dataset has no records")
)

// Dataset is an ordered, read-only list of examples
type Dataset struct {
	Name     string
	Examples []model.Example
}

var recordSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"id":             {Types: []string{"string", "integer"}},
		"question":       {Type: "string"},
		"doc_id":         {Types: []string{"string", "null"}},
		"document_scope": {Types: []string{"string", "null"}},
		"answer":         {Types: []string{"string", "number", "array", "null"}},
		"gold_answer":    {Types: []string{"string", "number", "array", "null"}},
		"answer_format":  {Types: []string{"string", "null"}},
		"answer_type":    {Types: []string{"string", "null"}},
		"evidence_pages": {Types: []string{"string", "integer", "array", "null"}},
		"evidence_refs":  {Types: []string{"string", "integer", "array", "null"}},
	},
	Required: []string{"question"},
	AnyOf: []*jsonschema.Schema{
		{Required: []string{"answer"}},
		{Required: []string{"gold_answer"}},
	},
}

var resolvedSchema = func() *jsonschema.Resolved {
	rs, err := recordSchema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("dataset record schema: %v", err))
	}
	return rs
}()

// Load reads a JSON array or JSON Lines file of example records
func Load(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read dataset", goerr.V("path", path))
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	records, err := decodeRecords(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode dataset", goerr.V("path", path))
	}
	if len(records) == 0 {
		return nil, goerr.Wrap(ErrEmptyDataset, "no records", goerr.V("path", path))
	}

	ds := &Dataset{
		Name:     name,
		Examples: make([]model.Example, 0, len(records)),
	}
	for i, rec := range records {
		ex, err := toExample(name, i, rec)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid record", goerr.V("path", path), goerr.V("index", i))
		}
		ds.Examples = append(ds.Examples, ex)
	}

	return ds, nil
}

func decodeRecords(raw []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var records []map[string]any
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, goerr.Wrap(err, "failed to parse JSON array")
		}
		return records, nil
	}

	var records []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, goerr.Wrap(err, "failed to parse JSON line", goerr.V("line", line))
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to scan JSON lines")
	}
	return records, nil
}

func toExample(name string, index int, rec map[string]any) (model.Example, error) {
	if err := resolvedSchema.Validate(rec); err != nil {
		return model.Example{}, goerr.Wrap(ErrInvalidRecord, err.Error())
	}

	answerType, err := model.ParseAnswerType(pickString(rec, "answer_type", "answer_format"))
	if err != nil {
		return model.Example{}, goerr.Wrap(ErrInvalidRecord, "bad answer type", goerr.V("cause", err.Error()))
	}

	id := pickString(rec, "id")
	if id == "" {
		id = fmt.Sprintf("%s-%d", name, index)
	}

	return model.Example{
		ID:            model.ExampleID(id),
		Question:      pickString(rec, "question"),
		DocumentScope: pickString(rec, "document_scope", "doc_id"),
		GoldAnswer:    pickString(rec, "gold_answer", "answer"),
		AnswerType:    answerType,
		EvidenceRefs:  pickList(rec, "evidence_refs", "evidence_pages"),
	}, nil
}

// pickString returns the first present key as text
func pickString(rec map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := rec[key]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case string:
			return x
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			data, err := json.Marshal(x)
			if err != nil {
				return fmt.Sprint(x)
			}
			return string(data)
		}
	}
	return ""
}

func pickList(rec map[string]any, keys ...string) []string {
	for _, key := range keys {
		v, ok := rec[key]
		if !ok || v == nil {
			continue
		}
		switch x := v.(type) {
		case []any:
			out := make([]string, 0, len(x))
			for _, item := range x {
				out = append(out, pickString(map[string]any{"v": item}, "v"))
			}
			return out
		case string:
			return score.ParseList(x)
		default:
			return []string{pickString(rec, key)}
		}
	}
	return nil
}
