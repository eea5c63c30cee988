package summarize

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// AnthropicMessages is the subset of the Messages service used for summaries.
type AnthropicMessages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic summarizes through the Messages API.
type Anthropic struct {
	client AnthropicMessages
	model  string
}

// NewAnthropic returns an Anthropic-backed strategy. Pass &client.Messages.
func NewAnthropic(client AnthropicMessages, model string) *Anthropic {
	return &Anthropic{client: client, model: model}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	msg, err := a.client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(targetTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt(text, targetTokens))),
		},
	})
	if err != nil {
		return "", goerr.Wrap(models.Classify(models.ErrSummarizationFailed, err),
			"anthropic message failed", goerr.V("model", a.model))
	}

	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String(), nil
}
