package summarize

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/sashabaranov/go-openai"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// OpenAIChat is the subset of *openai.Client used for summaries.
type OpenAIChat interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI summarizes through the chat completions API.
type OpenAI struct {
	client OpenAIChat
	model  string
}

// NewOpenAI returns an OpenAI-backed strategy.
func NewOpenAI(client OpenAIChat, model string) *OpenAI {
	return &OpenAI{client: client, model: model}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt(text, targetTokens),
		}},
		MaxTokens: targetTokens,
	})
	if err != nil {
		return "", goerr.Wrap(models.Classify(models.ErrSummarizationFailed, err),
			"openai chat completion failed", goerr.V("model", o.model))
	}
	if len(resp.Choices) == 0 {
		return "", goerr.Wrap(models.ErrSummarizationFailed, "no choices from openai", goerr.V("model", o.model))
	}
	return resp.Choices[0].Message.Content, nil
}
