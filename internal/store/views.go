package store

import (
	"time"

	"github.com/rewired-gh/biaswatch/internal/clusters"
	"github.com/rewired-gh/biaswatch/internal/models"
)

// BarPoint is one bar of the per-model bias chart.
type BarPoint struct {
	Model          string  `json:"model"`
	BiasPercentage float64 `json:"bias_percentage"`
}

// PieSlice is one slice of the sentiment pie.
type PieSlice struct {
	Sentiment  models.Sentiment `json:"sentiment"`
	Count      int              `json:"count"`
	Percentage float64          `json:"percentage"`
}

// View is a consistent, chart-ready copy of the store taken under one lock.
type View struct {
	SnapshotSeq    uint64                       `json:"snapshot_seq"`
	SnapshotAt     time.Time                    `json:"snapshot_at"`
	Rows           []models.DashboardRow        `json:"rows"`
	Distribution   models.SentimentDistribution `json:"sentiment_distribution"`
	TotalResponses int                          `json:"total_responses"`
	Bar            []BarPoint                   `json:"bar"`
	Pie            []PieSlice                   `json:"pie"`

	ClustersSeq uint64              `json:"clusters_seq"`
	ClustersAt  time.Time           `json:"clusters_at"`
	Clusters    clusters.Projection `json:"clusters"`
	Scatter     clusters.Series     `json:"scatter"`
}

// View returns the current state reshaped for bar, pie and scatter charts.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]models.DashboardRow, len(s.rows))
	copy(rows, s.rows)
	p := s.projection
	p.Points = copyPoints(p.Points)

	total := 0
	for _, r := range rows {
		total += r.TotalResponses
	}

	return View{
		SnapshotSeq:    s.rowsSeq,
		SnapshotAt:     s.rowsAt,
		Rows:           rows,
		Distribution:   s.distribution,
		TotalResponses: total,
		Bar:            BarSeries(rows),
		Pie:            PieSlices(s.distribution),
		ClustersSeq:    s.clustersSeq,
		ClustersAt:     s.clustersAt,
		Clusters:       p,
		Scatter:        clusters.Partition(p.Points),
	}
}

// BarSeries maps rows onto bars in row order. The backend percentage is
// authoritative and is used as-is.
func BarSeries(rows []models.DashboardRow) []BarPoint {
	bars := make([]BarPoint, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, BarPoint{Model: r.Model, BiasPercentage: r.BiasPercentage})
	}
	return bars
}

// PieSlices returns positive, neutral, negative slices in that order.
// Percentages are 0 when the distribution is empty.
func PieSlices(d models.SentimentDistribution) []PieSlice {
	total := d.Total()
	slices := make([]PieSlice, 0, len(models.Sentiments))
	for _, s := range models.Sentiments {
		slice := PieSlice{Sentiment: s, Count: d.Count(s)}
		if total > 0 {
			slice.Percentage = 100 * float64(slice.Count) / float64(total)
		}
		slices = append(slices, slice)
	}
	return slices
}
