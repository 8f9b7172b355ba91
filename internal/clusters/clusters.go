// Package clusters projects raw prediction/keyword cluster entries from the
// bias service into 2-D scatter points grouped by sentiment.
//
// Projection never fails. When the cluster feed is unreachable, malformed or
// empty, Project returns the fixed fallback dataset tagged SourceFallback so
// the scatter stays renderable and callers can still tell it is synthetic.
package clusters

import (
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/normalize"
)

// sizePerOccurrence scales frequency into marker size.
const sizePerOccurrence = 10.0

// Projection is the output of one projection pass.
type Projection struct {
	Points  []models.ClusterPoint `json:"points"`
	Source  models.Source         `json:"source"`
	Dropped int                   `json:"dropped"` // entries skipped as malformed
	Reason  string                `json:"reason,omitempty"`
}

// Series is the three-way sentiment partition used by the scatter chart.
type Series struct {
	Positive []models.ClusterPoint `json:"positive"`
	Neutral  []models.ClusterPoint `json:"neutral"`
	Negative []models.ClusterPoint `json:"negative"`
}

// Fallback returns the demonstration dataset: one point per sentiment class.
//
//	doctor   (6, 1)   size 10  Gender  positive
//	engineer (8, 0)   size 10  Gender  neutral
//	criminal (8, -1)  size 10  Race    negative
func Fallback() []models.ClusterPoint {
	return []models.ClusterPoint{
		{Word: "doctor", X: 6, Y: 1, Size: sizePerOccurrence, Category: "Gender", Sentiment: models.SentimentPositive, BiasFlags: []string{}, Model: "fallback"},
		{Word: "engineer", X: 8, Y: 0, Size: sizePerOccurrence, Category: "Gender", Sentiment: models.SentimentNeutral, BiasFlags: []string{}, Model: "fallback"},
		{Word: "criminal", X: 8, Y: -1, Size: sizePerOccurrence, Category: "Race", Sentiment: models.SentimentNegative, BiasFlags: []string{"Race bias likely"}, Model: "fallback"},
	}
}

func fallback(reason string, dropped int) Projection {
	return Projection{Points: Fallback(), Source: models.SourceFallback, Dropped: dropped, Reason: reason}
}

// Project converts a /predictions-clusters body. A non-nil fetchErr selects
// the fallback directly.
func Project(body []byte, fetchErr error) Projection {
	if fetchErr != nil {
		return fallback("fetch failed: "+fetchErr.Error(), 0)
	}
	if !gjson.ValidBytes(body) {
		return fallback("cluster feed is not valid JSON", 0)
	}
	clusters := gjson.GetBytes(body, "clusters")
	if !clusters.IsArray() {
		return fallback("cluster feed has no clusters array", 0)
	}

	entries := clusters.Array()
	points := make([]models.ClusterPoint, 0, len(entries))
	dropped := 0
	for _, e := range entries {
		p, ok := point(e)
		if !ok {
			dropped++
			continue
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return fallback("cluster feed contained no usable points", dropped)
	}
	return Projection{Points: points, Source: models.SourceLive, Dropped: dropped}
}

func point(e gjson.Result) (models.ClusterPoint, bool) {
	if !e.IsObject() {
		return models.ClusterPoint{}, false
	}
	word := normalize.Text(normalize.Field(e, "word", "prediction", "keyword").String())
	sentiment, err := models.ParseSentiment(e.Get("sentiment").String())
	if word == "" || err != nil {
		return models.ClusterPoint{}, false
	}

	p := models.ClusterPoint{
		Word:      word,
		X:         float64(utf8.RuneCountInString(word)),
		Y:         intensity(e, sentiment),
		Size:      sizePerOccurrence,
		Category:  normalize.Text(e.Get("category").String()),
		Sentiment: sentiment,
		BiasFlags: normalize.Set(normalize.Strings(normalize.Field(e, "bias_flags", "biasFlags"))),
		Model:     normalize.Text(e.Get("model").String()),
	}
	if x := e.Get("x"); x.Type == gjson.Number {
		p.X = x.Float()
	}
	if s := e.Get("size"); s.Type == gjson.Number {
		p.Size = s.Float()
	} else if f := normalize.Field(e, "frequency", "count"); f.Type == gjson.Number {
		p.Size = sizePerOccurrence * f.Float()
	}
	if p.Category == "" {
		p.Category = "Uncategorized"
	}
	if err := p.Validate(); err != nil {
		return models.ClusterPoint{}, false
	}
	return p, true
}

// intensity prefers an explicit y or polarity score and otherwise maps the
// class onto -1, 0, 1.
func intensity(e gjson.Result, s models.Sentiment) float64 {
	if y := normalize.Field(e, "y", "polarity", "sentiment_score"); y.Type == gjson.Number {
		return y.Float()
	}
	switch s {
	case models.SentimentPositive:
		return 1
	case models.SentimentNegative:
		return -1
	}
	return 0
}

// Partition splits points into the three sentiment series, keeping the
// original order within each series.
func Partition(points []models.ClusterPoint) Series {
	s := Series{
		Positive: []models.ClusterPoint{},
		Neutral:  []models.ClusterPoint{},
		Negative: []models.ClusterPoint{},
	}
	for _, p := range points {
		switch p.Sentiment {
		case models.SentimentPositive:
			s.Positive = append(s.Positive, p)
		case models.SentimentNeutral:
			s.Neutral = append(s.Neutral, p)
		case models.SentimentNegative:
			s.Negative = append(s.Negative, p)
		}
	}
	return s
}
