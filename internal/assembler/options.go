package assembler

import (
	"math"
	"time"
)

// Weights blend the ranking signals. They are normalized to sum to 1.
type Weights struct {
	Similarity    float64
	Feedback      float64
	BaseRelevance float64
	Recency       float64
}

func (w Weights) sum() float64 {
	return w.Similarity + w.Feedback + w.BaseRelevance + w.Recency
}

func (w Weights) valid() bool {
	for _, v := range []float64{w.Similarity, w.Feedback, w.BaseRelevance, w.Recency} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return w.sum() > 0
}

func (w Weights) normalized() Weights {
	total := w.sum()
	return Weights{
		Similarity:    w.Similarity / total,
		Feedback:      w.Feedback / total,
		BaseRelevance: w.BaseRelevance / total,
		Recency:       w.Recency / total,
	}
}

// Options configures context assembly.
type Options struct {
	// K is the retrieval breadth.
	K int
	// RecentLimit bounds the direct fetch of recently created components.
	RecentLimit int
	Weights     Weights
	// RecencyDecayRate is λ per hour applied to the age of updated_at.
	RecencyDecayRate float64
	// MinUsefulTokens is the smallest remaining budget worth compressing into.
	MinUsefulTokens int
	// MinBudget is the smallest accepted token budget.
	MinBudget int

	StoreTimeout     time.Duration
	RetrieverTimeout time.Duration
	EmbedTimeout     time.Duration

	Clock func() time.Time
}

// DefaultOptions returns the documented starting point. The numbers are
// policy, not a tuned optimum.
func DefaultOptions() Options {
	return Options{
		K:           50,
		RecentLimit: 20,
		Weights: Weights{
			Similarity:    0.40,
			Feedback:      0.15,
			BaseRelevance: 0.35,
			Recency:       0.10,
		},
		RecencyDecayRate: 0.01,
		MinUsefulTokens:  32,
		MinBudget:        1,
		StoreTimeout:     5 * time.Second,
		RetrieverTimeout: 5 * time.Second,
		EmbedTimeout:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.K <= 0 {
		o.K = defaults.K
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = defaults.RecentLimit
	}
	if !o.Weights.valid() {
		o.Weights = defaults.Weights
	}
	o.Weights = o.Weights.normalized()
	if o.RecencyDecayRate < 0 || math.IsNaN(o.RecencyDecayRate) {
		o.RecencyDecayRate = defaults.RecencyDecayRate
	}
	if o.MinUsefulTokens < 1 {
		o.MinUsefulTokens = defaults.MinUsefulTokens
	}
	if o.MinBudget < 1 {
		o.MinBudget = defaults.MinBudget
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaults.StoreTimeout
	}
	if o.RetrieverTimeout <= 0 {
		o.RetrieverTimeout = defaults.RetrieverTimeout
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = defaults.EmbedTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
