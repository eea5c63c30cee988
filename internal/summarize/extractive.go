package summarize

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
	"github.com/HamiltonHausTech/ai-context-manager/internal/tokens"
)

var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "this": true, "with": true,
	"from": true, "have": true, "were": true, "will": true, "would": true,
	"there": true, "their": true, "which": true, "about": true, "into": true,
	"been": true, "they": true, "them": true, "then": true, "than": true,
	"when": true, "what": true, "also": true, "just": true, "only": true,
}

// Extractive keeps the highest scoring sentences, in their original order,
// that fit the target. It is deterministic and makes no network calls.
type Extractive struct {
	est tokens.Estimator
}

// NewExtractive returns the extractive strategy.
func NewExtractive(est tokens.Estimator) *Extractive {
	if est == nil {
		est = tokens.NewCharEstimator(0)
	}
	return &Extractive{est: est}
}

func (e *Extractive) Name() string { return "extractive" }

type sentence struct {
	index int
	text  string
	score float64
}

func (e *Extractive) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		return "", goerr.Wrap(models.ErrSummarizationFailed, "not enough sentences to extract")
	}

	freq := make(map[string]int)
	for _, s := range sentences {
		for _, w := range words(s.text) {
			freq[w]++
		}
	}
	for i := range sentences {
		ws := words(sentences[i].text)
		var sum float64
		for _, w := range ws {
			sum += float64(freq[w])
		}
		if len(ws) > 0 {
			sum /= float64(len(ws))
		}
		sentences[i].score = sum + 1/float64(1+sentences[i].index)
	}

	ranked := make([]sentence, len(sentences))
	copy(ranked, sentences)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].index < ranked[j].index
	})

	var chosen []sentence
	for _, s := range ranked {
		candidate := append(append([]sentence(nil), chosen...), s)
		if e.est.Estimate(join(candidate)) <= targetTokens {
			chosen = candidate
		}
	}
	if len(chosen) == 0 {
		return "", goerr.Wrap(models.ErrSummarizationFailed, "no sentence fits target",
			goerr.V("target", targetTokens))
	}
	return join(chosen), nil
}

func join(ss []sentence) string {
	sorted := make([]sentence, len(ss))
	copy(sorted, ss)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = s.text
	}
	return strings.Join(parts, " ")
}

func splitSentences(text string) []sentence {
	var out []sentence
	var cur strings.Builder
	runes := []rune(text)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, sentence{index: len(out), text: s})
		}
		cur.Reset()
	}
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			flush()
		}
	}
	flush()
	return out
}

func words(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) > 3 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}
