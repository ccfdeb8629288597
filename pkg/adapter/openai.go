package adapter

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/retry"
	"github.com/m-mizutani/memeval/pkg/utils/vector"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI implements interfaces.Generator and interfaces.Embedder with the
// OpenAI API or any server exposing a compatible one
type OpenAI struct {
	client         openai.Client
	model          string
	embeddingModel string
}

type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL        string
	embeddingModel string
}

// WithOpenAIBaseURL points the client at an OpenAI compatible server
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.embeddingModel = model }
}

func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	cfg := &openAIConfig{
		embeddingModel: "text-embedding-3-small",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAI{
		client:         openai.NewClient(clientOpts...),
		model:          model,
		embeddingModel: cfg.embeddingModel,
	}
}

func (o *OpenAI) ModelName() string { return o.model }

func (o *OpenAI) Complete(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error) {
	req := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Schema != nil {
		raw, err := json.Marshal(opts.Schema)
		if err != nil {
			return "", goerr.Wrap(err, "failed to marshal response schema")
		}
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err != nil {
			return "", goerr.Wrap(err, "failed to decode response schema")
		}
		req.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "answer",
					Schema: schema,
				},
			},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(goerr.Wrap(err, "failed to create chat completion", goerr.V("model", o.model)))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", retry.MarkTransient(goerr.Wrap(ErrEmptyResponse, "no choices in completion", goerr.V("model", o.model)))
	}

	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: o.embeddingModel,
	})
	if err != nil {
		return nil, classifyOpenAIError(goerr.Wrap(err, "failed to create embedding", goerr.V("model", o.embeddingModel)))
	}
	if len(resp.Data) == 0 {
		return nil, goerr.Wrap(ErrEmptyResponse, "no embedding returned", goerr.V("model", o.embeddingModel))
	}

	return vector.Float32(resp.Data[0].Embedding), nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && retry.IsTransientStatus(apiErr.StatusCode) {
		return retry.MarkTransient(err)
	}
	return err
}
