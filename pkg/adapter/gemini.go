package adapter

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/retry"
	"google.golang.org/genai"
)

var (
	ErrEmptyResponse = goerr.New("empty model response")
)

// Gemini implements interfaces.Generator and interfaces.Embedder over the
// genai SDK
type Gemini struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	dimensionality  int32
}

type GeminiOption func(*Gemini)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimensionality truncates embeddings to n dimensions
func WithEmbeddingDimensionality(n int) GeminiOption {
	return func(g *Gemini) {
		g.dimensionality = int32(n)
	}
}

// NewGemini creates a Vertex AI backed client
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*Gemini, error) {
	return newGemini(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	}, opts...)
}

// NewGeminiWithAPIKey creates a Gemini API backed client
func NewGeminiWithAPIKey(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	return newGemini(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}, opts...)
}

func newGemini(ctx context.Context, cfg *genai.ClientConfig, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &Gemini{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *Gemini) ModelName() string { return g.generativeModel }

func (g *Gemini) Complete(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Schema != nil {
		schema, err := convertJSONSchemaToGenai(opts.Schema)
		if err != nil {
			return "", goerr.Wrap(err, "failed to convert response schema")
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, genai.Text(prompt), config)
	if err != nil {
		return "", classifyGeminiError(goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel)))
	}

	text := resp.Text()
	if text == "" {
		// Blocked or truncated candidates come back empty; another attempt often succeeds
		return "", retry.MarkTransient(goerr.Wrap(ErrEmptyResponse, "no text in candidates", goerr.V("model", g.generativeModel)))
	}

	return text, nil
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	config := &genai.EmbedContentConfig{}
	if g.dimensionality > 0 {
		config.OutputDimensionality = genai.Ptr(g.dimensionality)
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, classifyGeminiError(goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel)))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.Wrap(ErrEmptyResponse, "no embedding returned", goerr.V("model", g.embeddingModel))
	}

	return resp.Embeddings[0].Values, nil
}

// classifyGeminiError marks rate limit and server errors as transient
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && retry.IsTransientStatus(apiErr.Code) {
		return retry.MarkTransient(err)
	}
	return err
}
