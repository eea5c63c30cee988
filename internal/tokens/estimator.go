// Package tokens estimates how many tokens a downstream model will charge
// for a piece of text.
//
// Estimates are conservative: BPE tokenizers average 3.5-4.5 characters per
// token for English prose and code, so the default ratio of 4.0 with
// rounding up overestimates slightly. Overestimating makes the assembler
// compress a little early, which is the safe direction.
package tokens

import (
	"math"
	"sync"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// DefaultCharactersPerToken is the ratio used when none is configured.
const DefaultCharactersPerToken = 4.0

// Estimator maps text to an estimated token count.
type Estimator interface {
	Estimate(text string) int
}

// CharEstimator estimates tokens from the rune count of the text.
type CharEstimator struct {
	charactersPerToken float64
}

// NewCharEstimator returns a CharEstimator. Ratios <= 0 fall back to the default.
func NewCharEstimator(charactersPerToken float64) *CharEstimator {
	if charactersPerToken <= 0 || math.IsNaN(charactersPerToken) || math.IsInf(charactersPerToken, 0) {
		charactersPerToken = DefaultCharactersPerToken
	}
	return &CharEstimator{charactersPerToken: charactersPerToken}
}

// Estimate returns ceil(runes / ratio). Empty text costs zero tokens.
func (e *CharEstimator) Estimate(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return int(math.Ceil(float64(runes) / e.charactersPerToken))
}

// CharactersPerToken exposes the configured ratio.
func (e *CharEstimator) CharactersPerToken() float64 {
	return e.charactersPerToken
}

// Cached memoizes an Estimator by BLAKE3 content hash. Safe for concurrent use.
//
// The memo holds at most limit entries; when full it is reset rather than
// evicted entry by entry, since recomputing an estimate is cheap and the
// cache only exists to avoid rehashing large components many times per
// assembly.
type Cached struct {
	inner Estimator
	limit int

	mu      sync.Mutex
	entries map[[32]byte]int
}

// NewCached wraps inner. limit <= 0 disables memoization.
func NewCached(inner Estimator, limit int) *Cached {
	return &Cached{
		inner:   inner,
		limit:   limit,
		entries: make(map[[32]byte]int),
	}
}

// Estimate returns the memoized estimate for text.
func (c *Cached) Estimate(text string) int {
	if c.limit <= 0 || text == "" {
		return c.inner.Estimate(text)
	}

	key := blake3.Sum256([]byte(text))

	c.mu.Lock()
	if n, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return n
	}
	c.mu.Unlock()

	n := c.inner.Estimate(text)

	c.mu.Lock()
	if len(c.entries) >= c.limit {
		c.entries = make(map[[32]byte]int, c.limit)
	}
	c.entries[key] = n
	c.mu.Unlock()

	return n
}

// Len reports the number of memoized entries.
func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
