package models

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is fatal to the current call
	ErrStoreUnavailable = errors.New("component store unavailable")
	// ErrRetrieverUnavailable degrades assembly to direct-fetch candidates
	ErrRetrieverUnavailable = errors.New("vector retriever unavailable")
	// ErrEmbeddingUnavailable degrades assembly like ErrRetrieverUnavailable
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	// ErrSummarizationFailed is absorbed by the summarizer chain
	ErrSummarizationFailed = errors.New("summarization failed")
	ErrInvalidDelta        = errors.New("feedback delta out of bounds")
	ErrDuplicateComponent  = errors.New("conflicting component already registered")
	ErrBudgetTooSmall      = errors.New("token budget too small")
	ErrNotFound            = errors.New("component not found")
	ErrInvalidComponent    = errors.New("invalid component")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDimensionMismatch   = errors.New("embedding dimension mismatch")
)

// Classify marks cause as belonging to the sentinel class so errors.Is matches both
func Classify(class, cause error) error {
	if cause == nil {
		return class
	}
	if errors.Is(cause, class) {
		return cause
	}
	return fmt.Errorf("%w: %w", class, cause)
}
