package models

import (
	"errors"
	"fmt"
)

// Source tags where a dataset came from so degraded output is detectable.
type Source string

const (
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// ClusterPoint is one keyword or prediction placed in 2-D space.
type ClusterPoint struct {
	Word      string    `json:"word"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Size      float64   `json:"size"`
	Category  string    `json:"category"`
	Sentiment Sentiment `json:"sentiment"`
	BiasFlags []string  `json:"bias_flags"`
	Model     string    `json:"model"`
}

// Validate checks the point invariants.
func (p *ClusterPoint) Validate() error {
	if p.Word == "" {
		return errors.New("word must not be empty")
	}
	if p.Size <= 0 {
		return fmt.Errorf("size %.3f must be positive", p.Size)
	}
	if !p.Sentiment.Valid() {
		return fmt.Errorf("sentiment %q is not one of positive, neutral, negative", p.Sentiment)
	}
	return nil
}
