// Package models defines the domain entities for biaswatch: per-model analysis
// results, aggregate dashboard rows, cluster points and pushed alert events.
// Entities that come from the backend carry Validate methods so every layer
// can assert the same invariants.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentiment is the closed set of sentiment classes reported by the backend.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Sentiments lists the classes in display order.
var Sentiments = []Sentiment{SentimentPositive, SentimentNeutral, SentimentNegative}

// ParseSentiment maps a raw label onto the enum. Case and surrounding
// whitespace are ignored; anything else is rejected.
func ParseSentiment(raw string) (Sentiment, error) {
	switch Sentiment(strings.ToLower(strings.TrimSpace(raw))) {
	case SentimentPositive:
		return SentimentPositive, nil
	case SentimentNeutral:
		return SentimentNeutral, nil
	case SentimentNegative:
		return SentimentNegative, nil
	}
	return "", fmt.Errorf("unknown sentiment %q", raw)
}

// Valid reports whether s is one of the three enum values.
func (s Sentiment) Valid() bool {
	return s == SentimentPositive || s == SentimentNeutral || s == SentimentNegative
}

// AnalysisResult is one model's response to one prompt.
type AnalysisResult struct {
	Model          string    `json:"model"`
	Type           string    `json:"type"`
	TopPredictions []string  `json:"top_predictions"`
	BiasFlags      []string  `json:"bias_flags"`
	Sentiment      Sentiment `json:"sentiment"`
}

// Validate checks the result invariants.
func (r *AnalysisResult) Validate() error {
	if r.Model == "" {
		return errors.New("model must not be empty")
	}
	if !r.Sentiment.Valid() {
		return fmt.Errorf("sentiment %q is not one of positive, neutral, negative", r.Sentiment)
	}
	return nil
}

// Biased reports whether any flag marks the result as biased. The backend
// emits both positive ("Gender bias likely: ...") and negative ("Gender bias
// not detected") flags, so presence of a flag alone is not enough.
func (r *AnalysisResult) Biased() bool {
	return HasBiasFlag(r.BiasFlags)
}

// HasBiasFlag applies the backend's rule for counting a response as biased.
func HasBiasFlag(flags []string) bool {
	for _, f := range flags {
		lf := strings.ToLower(f)
		if strings.Contains(lf, "bias likely") || strings.Contains(lf, "toxicity") {
			return true
		}
	}
	return false
}

// AlertEvent is one pushed alert. Seq and ReceivedAt are stamped on arrival
// by the consumer; the wire payload carries only the message.
type AlertEvent struct {
	Alert      string    `json:"alert"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
}
