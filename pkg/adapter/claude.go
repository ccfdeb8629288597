package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memeval/pkg/interfaces"
	"github.com/m-mizutani/memeval/pkg/retry"
)

const defaultClaudeMaxTokens = 4096

// Claude implements interfaces.Generator with the Anthropic Messages API.
// It has no JSON mode; structured answers rely on the prompt alone.
type Claude struct {
	client *anthropic.Client
	model  string
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey, model string) *Claude {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &Claude{
		client: &client,
		model:  model,
	}
}

func (c *Claude) ModelName() string { return c.model }

func (c *Claude) Complete(ctx context.Context, prompt string, opts interfaces.GenerateOptions) (string, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		err = goerr.Wrap(err, "failed to create message", goerr.V("model", c.model))
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && retry.IsTransientStatus(apiErr.StatusCode) {
			return "", retry.MarkTransient(err)
		}
		return "", err
	}

	var text strings.Builder
	for _, content := range message.Content {
		switch block := content.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(block.Text)
		}
	}

	if text.Len() == 0 {
		return "", retry.MarkTransient(goerr.Wrap(ErrEmptyResponse, "no text block in message", goerr.V("model", c.model)))
	}
	return text.String(), nil
}
