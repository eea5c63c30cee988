package summarize

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ollama/ollama/api"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// OllamaGenerator is the subset of *api.Client used for summaries.
type OllamaGenerator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

// Ollama summarizes through a local Ollama model.
type Ollama struct {
	client OllamaGenerator
	model  string
}

// NewOllama returns an Ollama-backed strategy.
func NewOllama(client OllamaGenerator, model string) *Ollama {
	return &Ollama{client: client, model: model}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt(text, targetTokens),
		Stream: &stream,
		Options: map[string]any{
			"num_predict": targetTokens,
			"temperature": 0,
		},
	}

	var out strings.Builder
	err := o.client.Generate(ctx, req, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	})
	if err != nil {
		return "", goerr.Wrap(models.Classify(models.ErrSummarizationFailed, err),
			"ollama generate failed", goerr.V("model", o.model))
	}
	return out.String(), nil
}
