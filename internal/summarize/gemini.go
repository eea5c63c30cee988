package summarize

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// GeminiModels is the subset of *genai.Models used for summaries.
type GeminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini summarizes through the Gemini API.
type Gemini struct {
	client GeminiModels
	model  string
}

// NewGemini returns a Gemini-backed strategy. Pass client.Models.
func NewGemini(client GeminiModels, model string) *Gemini {
	return &Gemini{client: client, model: model}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0)),
	}
	resp, err := g.client.GenerateContent(ctx, g.model, genai.Text(prompt(text, targetTokens)), config)
	if err != nil {
		return "", goerr.Wrap(models.Classify(models.ErrSummarizationFailed, err),
			"gemini generate failed", goerr.V("model", g.model))
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", goerr.Wrap(models.ErrSummarizationFailed, "empty gemini response", goerr.V("model", g.model))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}
