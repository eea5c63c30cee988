// Package feedback records usefulness feedback for components and derives a
// time-decayed score from the full event history.
//
// The ledger never keeps a running total. Every score is recomputed from the
// append-only event log, so concurrent Record calls for the same component
// never conflict and the order in which they land does not matter.
package feedback

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// EventLog is the append-only persistence the ledger needs.
type EventLog interface {
	AppendFeedback(ctx context.Context, ev models.FeedbackEvent) error
	ListFeedback(ctx context.Context, componentIDs []string) (map[string][]models.FeedbackEvent, error)
	ListAgentFeedback(ctx context.Context, agentID string) ([]models.FeedbackEvent, error)
}

// Options configure the decay law.
type Options struct {
	// DecayRate is λ per hour.
	DecayRate float64
	// MaxDelta bounds |delta| of a single event.
	MaxDelta float64
	ScoreMin float64
	ScoreMax float64
	// Clock supplies the timestamp for events recorded without one.
	Clock func() time.Time
}

// DefaultOptions returns a half-life of roughly one week.
func DefaultOptions() Options {
	return Options{
		DecayRate: 0.004,
		MaxDelta:  1,
		ScoreMin:  -1,
		ScoreMax:  1,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DecayRate < 0 || math.IsNaN(o.DecayRate) {
		o.DecayRate = def.DecayRate
	}
	if o.MaxDelta <= 0 {
		o.MaxDelta = def.MaxDelta
	}
	if o.ScoreMin >= o.ScoreMax {
		o.ScoreMin, o.ScoreMax = def.ScoreMin, def.ScoreMax
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Ledger records feedback and computes current scores.
type Ledger struct {
	log  EventLog
	opts Options
}

// NewLedger builds a ledger over the given event log.
func NewLedger(log EventLog, opts Options) *Ledger {
	return &Ledger{log: log, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (l *Ledger) Options() Options { return l.opts }

// Record appends a feedback event. A zero timestamp means now.
func (l *Ledger) Record(ctx context.Context, componentID, agentID string, delta float64, ts time.Time) (models.FeedbackEvent, error) {
	if componentID == "" {
		return models.FeedbackEvent{}, goerr.Wrap(models.ErrInvalidRequest, "component_id is required")
	}
	if err := l.checkDelta(delta); err != nil {
		return models.FeedbackEvent{}, err
	}
	if ts.IsZero() {
		ts = l.opts.Clock()
	}

	ev := models.FeedbackEvent{
		ID:          uuid.New().String(),
		ComponentID: componentID,
		AgentID:     agentID,
		Delta:       delta,
		Timestamp:   ts.UTC(),
	}
	if err := l.log.AppendFeedback(ctx, ev); err != nil {
		return models.FeedbackEvent{}, goerr.Wrap(err, "failed to append feedback", goerr.V("component_id", componentID))
	}
	return ev, nil
}

func (l *Ledger) checkDelta(delta float64) error {
	if math.IsNaN(delta) || math.IsInf(delta, 0) || math.Abs(delta) > l.opts.MaxDelta {
		return goerr.Wrap(models.ErrInvalidDelta, "delta outside allowed bound",
			goerr.V("delta", delta), goerr.V("max_delta", l.opts.MaxDelta))
	}
	return nil
}

// CurrentScore returns the decayed score of one component as of asOf.
func (l *Ledger) CurrentScore(ctx context.Context, componentID string, asOf time.Time) (float64, error) {
	scores, err := l.Scores(ctx, []string{componentID}, asOf)
	if err != nil {
		return 0, err
	}
	return scores[componentID], nil
}

// Scores computes scores for many components with a single log read.
// Components without events are present with score 0.
func (l *Ledger) Scores(ctx context.Context, componentIDs []string, asOf time.Time) (map[string]float64, error) {
	out := make(map[string]float64, len(componentIDs))
	if len(componentIDs) == 0 {
		return out, nil
	}
	events, err := l.log.ListFeedback(ctx, componentIDs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list feedback", goerr.V("components", len(componentIDs)))
	}
	for _, id := range componentIDs {
		out[id] = Score(events[id], asOf, l.opts)
	}
	return out, nil
}

// Summary reports the feedback history of every component of an agent,
// ordered by current score descending then component id.
func (l *Ledger) Summary(ctx context.Context, agentID string, asOf time.Time) ([]models.FeedbackSummary, error) {
	if agentID == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	events, err := l.log.ListAgentFeedback(ctx, agentID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list agent feedback", goerr.V("agent_id", agentID))
	}

	byComponent := make(map[string][]models.FeedbackEvent)
	for _, ev := range events {
		byComponent[ev.ComponentID] = append(byComponent[ev.ComponentID], ev)
	}

	summaries := make([]models.FeedbackSummary, 0, len(byComponent))
	for id, evs := range byComponent {
		s := models.FeedbackSummary{ComponentID: id, Score: Score(evs, asOf, l.opts)}
		for _, ev := range evs {
			if ev.Timestamp.After(asOf) {
				continue
			}
			s.Events++
			s.NetDelta += ev.Delta
			if ev.Timestamp.After(s.LastFeedback) {
				s.LastFeedback = ev.Timestamp
			}
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Score != summaries[j].Score {
			return summaries[i].Score > summaries[j].Score
		}
		return summaries[i].ComponentID < summaries[j].ComponentID
	})
	return summaries, nil
}

// Score is the pure decay law: the sum of delta·exp(−λ·hours(asOf−ts)) over
// events not after asOf, clamped to [ScoreMin, ScoreMax]. No events yield 0.
func Score(events []models.FeedbackEvent, asOf time.Time, opts Options) float64 {
	opts = opts.withDefaults()
	terms := make([]float64, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.After(asOf) {
			continue
		}
		hours := asOf.Sub(ev.Timestamp).Hours()
		terms = append(terms, ev.Delta*math.Exp(-opts.DecayRate*hours))
	}
	// fixed summation order keeps the result independent of log order
	sort.Float64s(terms)
	var sum float64
	for _, t := range terms {
		sum += t
	}
	return clamp(sum, opts.ScoreMin, opts.ScoreMax)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
