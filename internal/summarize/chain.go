// Package summarize shrinks text to a token target through an ordered chain
// of strategies that always ends in deterministic truncation.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/logging"
	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
	"github.com/HamiltonHausTech/ai-context-manager/internal/tokens"
)

// Strategy names that are not provider backed.
const (
	StrategyNone     = "none"
	StrategyTruncate = "truncate"
)

// DefaultTimeout bounds a single strategy call.
const DefaultTimeout = 20 * time.Second

// Strategy compresses text toward a token target. Implementations must not
// mutate shared state between calls.
type Strategy interface {
	Name() string
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

// Outcome of a single strategy attempt.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeOversize Outcome = "oversize"
)

// Attempt records one strategy call made by Compress.
type Attempt struct {
	Strategy string        `json:"strategy"`
	Outcome  Outcome       `json:"outcome"`
	Tokens   int           `json:"tokens,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the compressed text and how it was produced.
type Result struct {
	Text           string    `json:"text"`
	Strategy       string    `json:"strategy"`
	Tokens         int       `json:"tokens"`
	OriginalTokens int       `json:"original_tokens"`
	Attempts       []Attempt `json:"attempts,omitempty"`
}

// Ratio is Tokens / OriginalTokens, 1 for empty input.
func (r Result) Ratio() float64 {
	if r.OriginalTokens == 0 {
		return 1
	}
	return float64(r.Tokens) / float64(r.OriginalTokens)
}

type counters struct {
	successes atomic.Int64
	failures  atomic.Int64
	oversize  atomic.Int64
}

// Chain tries strategies in a fixed order and falls back to truncation.
// The strategy list is fixed at construction.
type Chain struct {
	strategies []Strategy
	estimator  tokens.Estimator
	timeout    time.Duration
	ellipsis   string
	logger     *slog.Logger

	stats     []*counters
	fallbacks atomic.Int64
	calls     atomic.Int64
}

// Option customizes a Chain.
type Option func(*Chain)

// WithTimeout sets the per-strategy timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEllipsis sets the truncation marker.
func WithEllipsis(s string) Option {
	return func(c *Chain) {
		if s != "" {
			c.ellipsis = s
		}
	}
}

// WithLogger sets the logger used for strategy failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChain builds a chain over an ordered strategy list. Nil entries are
// ignored. A nil estimator uses the default character estimator.
func NewChain(est tokens.Estimator, strategies []Strategy, opts ...Option) *Chain {
	if est == nil {
		est = tokens.NewCharEstimator(0)
	}
	c := &Chain{
		estimator: est,
		timeout:   DefaultTimeout,
		ellipsis:  DefaultEllipsis,
		logger:    logging.Default(),
	}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		c.strategies = append(c.strategies, s)
		c.stats = append(c.stats, &counters{})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Names returns the configured strategy order, truncation last.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.strategies)+1)
	for _, s := range c.strategies {
		names = append(names, s.Name())
	}
	return append(names, StrategyTruncate)
}

// Compress returns text estimated at no more than targetTokens. Strategy
// failures are absorbed; the only error is the parent context's.
func (c *Chain) Compress(ctx context.Context, text string, targetTokens int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, goerr.Wrap(err, "compression cancelled")
	}
	c.calls.Add(1)

	original := c.estimator.Estimate(text)
	if original <= targetTokens {
		return Result{Text: text, Strategy: StrategyNone, Tokens: original, OriginalTokens: original}, nil
	}

	var attempts []Attempt
	if targetTokens >= 1 {
		for i, s := range c.strategies {
			attempt, out := c.try(ctx, s, text, targetTokens)
			if err := ctx.Err(); err != nil {
				return Result{}, goerr.Wrap(err, "compression cancelled", goerr.V("strategy", s.Name()))
			}
			attempts = append(attempts, attempt)

			switch attempt.Outcome {
			case OutcomeOK:
				c.stats[i].successes.Add(1)
				return Result{
					Text:           out,
					Strategy:       s.Name(),
					Tokens:         attempt.Tokens,
					OriginalTokens: original,
					Attempts:       attempts,
				}, nil
			case OutcomeOversize:
				c.stats[i].oversize.Add(1)
				c.logger.Debug("summary exceeded target",
					"strategy", s.Name(), "tokens", attempt.Tokens, "target", targetTokens)
			default:
				c.stats[i].failures.Add(1)
				c.logger.Warn("summarizer strategy failed",
					"strategy", s.Name(), "error", attempt.Error, "duration", attempt.Duration)
			}
		}
	}

	c.fallbacks.Add(1)
	r := c.Fallback(text, targetTokens)
	r.Attempts = attempts
	return r, nil
}

// Fallback truncates deterministically without consulting any strategy.
func (c *Chain) Fallback(text string, targetTokens int) Result {
	out := Truncate(c.estimator, text, targetTokens, c.ellipsis)
	return Result{
		Text:           out,
		Strategy:       StrategyTruncate,
		Tokens:         c.estimator.Estimate(out),
		OriginalTokens: c.estimator.Estimate(text),
	}
}

func (c *Chain) try(ctx context.Context, s Strategy, text string, target int) (Attempt, string) {
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	out, err := s.Summarize(sctx, text, target)
	attempt := Attempt{Strategy: s.Name(), Duration: time.Since(start)}

	if err == nil {
		out = strings.TrimSpace(out)
		if out == "" {
			err = goerr.Wrap(models.ErrSummarizationFailed, "empty summary")
		}
	}
	if err != nil {
		attempt.Outcome = OutcomeError
		attempt.Error = err.Error()
		return attempt, ""
	}

	attempt.Tokens = c.estimator.Estimate(out)
	if attempt.Tokens > target {
		attempt.Outcome = OutcomeOversize
		return attempt, ""
	}
	attempt.Outcome = OutcomeOK
	return attempt, out
}

// StrategyStatus reports counters for one strategy.
type StrategyStatus struct {
	Name      string `json:"name"`
	Position  int    `json:"position"`
	Successes int64  `json:"successes"`
	Failures  int64  `json:"failures"`
	Oversize  int64  `json:"oversize"`
}

// Status is a snapshot of chain configuration and counters.
type Status struct {
	Strategies   []StrategyStatus `json:"strategies"`
	Fallback     string           `json:"fallback"`
	FallbackUses int64            `json:"fallback_uses"`
	Calls        int64            `json:"calls"`
	Timeout      string           `json:"timeout"`
}

// Status returns the configured order and per-strategy counters.
func (c *Chain) Status() Status {
	st := Status{
		Strategies:   make([]StrategyStatus, 0, len(c.strategies)),
		Fallback:     StrategyTruncate,
		FallbackUses: c.fallbacks.Load(),
		Calls:        c.calls.Load(),
		Timeout:      c.timeout.String(),
	}
	for i, s := range c.strategies {
		st.Strategies = append(st.Strategies, StrategyStatus{
			Name:      s.Name(),
			Position:  i + 1,
			Successes: c.stats[i].successes.Load(),
			Failures:  c.stats[i].failures.Load(),
			Oversize:  c.stats[i].oversize.Load(),
		})
	}
	return st
}

// prompt builds the instruction shared by the provider strategies.
func prompt(text string, targetTokens int) string {
	words := max(targetTokens*3/4, 1)
	return fmt.Sprintf("Summarize the following text in at most %d words. "+
		"Keep names, numbers, decisions and open issues. "+
		"Reply with the summary only, no preamble.\n\n%s", words, text)
}
