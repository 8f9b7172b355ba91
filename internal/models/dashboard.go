package models

import (
	"errors"
	"fmt"
	"math"
)

// percentageTolerance absorbs the backend rounding bias_percentage to two decimals.
const percentageTolerance = 0.01

// DashboardRow is the per-model aggregate shown in the bar chart and table.
type DashboardRow struct {
	Model           string  `json:"model"`
	TotalResponses  int     `json:"total_responses"`
	BiasedResponses int     `json:"biased_responses"`
	BiasPercentage  float64 `json:"bias_percentage"`
}

// DerivedPercentage computes the bias percentage from the counts.
func (r *DashboardRow) DerivedPercentage() float64 {
	if r.TotalResponses <= 0 {
		return 0
	}
	return 100 * float64(r.BiasedResponses) / float64(r.TotalResponses)
}

// Consistent reports whether the backend-supplied percentage matches the
// counts. The backend value stays authoritative either way.
func (r *DashboardRow) Consistent() bool {
	return math.Abs(r.BiasPercentage-r.DerivedPercentage()) <= percentageTolerance
}

// Validate checks the count invariants.
func (r *DashboardRow) Validate() error {
	if r.Model == "" {
		return errors.New("model must not be empty")
	}
	if r.TotalResponses < 0 {
		return errors.New("total responses must not be negative")
	}
	if r.BiasedResponses < 0 || r.BiasedResponses > r.TotalResponses {
		return fmt.Errorf("biased responses %d must be between 0 and total %d", r.BiasedResponses, r.TotalResponses)
	}
	if r.BiasPercentage < 0 || r.BiasPercentage > 100 {
		return fmt.Errorf("bias percentage %.2f must be between 0 and 100", r.BiasPercentage)
	}
	return nil
}

// SentimentDistribution counts responses per sentiment class.
type SentimentDistribution struct {
	Positive int `json:"positive"`
	Neutral  int `json:"neutral"`
	Negative int `json:"negative"`
}

// Total is the number of evaluated responses.
func (d SentimentDistribution) Total() int {
	return d.Positive + d.Neutral + d.Negative
}

// Count returns the count for one class.
func (d SentimentDistribution) Count(s Sentiment) int {
	switch s {
	case SentimentPositive:
		return d.Positive
	case SentimentNeutral:
		return d.Neutral
	case SentimentNegative:
		return d.Negative
	}
	return 0
}

// Validate rejects negative counts.
func (d SentimentDistribution) Validate() error {
	if d.Positive < 0 || d.Neutral < 0 || d.Negative < 0 {
		return errors.New("sentiment counts must not be negative")
	}
	return nil
}
