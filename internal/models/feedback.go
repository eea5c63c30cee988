package models

import "time"

// FeedbackEvent records that a component was useful (positive delta) or not
type FeedbackEvent struct {
	ID          string    `json:"id"`
	ComponentID string    `json:"component_id"`
	AgentID     string    `json:"agent_id"`
	Delta       float64   `json:"delta"`
	Timestamp   time.Time `json:"timestamp"`
}

// FeedbackSummary aggregates the feedback history of a single component
type FeedbackSummary struct {
	ComponentID  string    `json:"component_id"`
	Events       int       `json:"events"`
	NetDelta     float64   `json:"net_delta"`
	LastFeedback time.Time `json:"last_feedback"`
	Score        float64   `json:"score"`
}
