package adapter_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memeval/pkg/adapter"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/retry"
	"google.golang.org/genai"
)

func TestGeminiComplete(t *testing.T) {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewGemini(ctx, projectID, "us-central1")
	gt.NoError(t, err)

	resp, err := client.Complete(ctx, "Hello, what is the capital of France?", interfaces.GenerateOptions{MaxTokens: 256})
	gt.NoError(t, err)
	gt.S(t, resp).Contains("Paris")

	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"answer": {Type: "string"},
		},
		Required: []string{"answer"},
	}
	resp, err = client.Complete(ctx, "Answer in JSON: what is the capital of France?", interfaces.GenerateOptions{Schema: schema})
	gt.NoError(t, err)
	gt.S(t, resp).Contains(`"answer"`)
}

func TestGeminiEmbed(t *testing.T) {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	ctx := context.Background()
	client, err := adapter.NewGemini(ctx, projectID, "us-central1", adapter.WithEmbeddingDimensionality(256))
	gt.NoError(t, err)

	vec, err := client.Embed(ctx, "scope 1 emissions")
	gt.NoError(t, err)
	gt.A(t, vec).Length(256)
}

func TestConvertJSONSchemaToGenai(t *testing.T) {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"answer": {Types: []string{"string", "null"}, Description: "final answer"},
			"items":  {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			"count":  {Type: "integer"},
			"kind":   {Type: "string", Enum: []any{"a", "b"}},
		},
		Required: []string{"answer"},
	}

	converted, err := adapter.ConvertJSONSchemaToGenaiForTest(schema)
	gt.NoError(t, err)
	gt.Equal(t, converted.Type, genai.TypeObject)
	gt.Equal(t, converted.Required, []string{"answer"})

	answer := converted.Properties["answer"]
	gt.Equal(t, answer.Type, genai.TypeString)
	gt.True(t, answer.Nullable != nil && *answer.Nullable)
	gt.Equal(t, answer.Description, "final answer")

	gt.Equal(t, converted.Properties["items"].Items.Type, genai.TypeString)
	gt.Equal(t, converted.Properties["count"].Type, genai.TypeInteger)
	gt.Equal(t, converted.Properties["kind"].Enum, []string{"a", "b"})

	_, err = adapter.ConvertJSONSchemaToGenaiForTest(&jsonschema.Schema{Type: "date"})
	gt.Error(t, err)
}

func TestClassifyGeminiError(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limit", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, true},
		{"server error", genai.APIError{Code: 503, Status: "UNAVAILABLE"}, true},
		{"bad request", genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}, false},
		{"other", errors.New("boom"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, retry.IsTransient(adapter.ClassifyGeminiErrorForTest(tc.err)), tc.transient)
		})
	}
}
