package biasapi

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/normalize"
)

// DashboardPayload is a decoded /dashboard snapshot
type DashboardPayload struct {
	Rows         []models.DashboardRow
	Distribution models.SentimentDistribution
	TotalLogs    int
}

// FetchDashboard retrieves the full aggregate snapshot
func (c *Client) FetchDashboard(ctx context.Context) (DashboardPayload, error) {
	body, err := c.get(ctx, "dashboard", "/dashboard")
	if err != nil {
		return DashboardPayload{}, err
	}
	return DecodeDashboard(body)
}

// DecodeDashboard parses a /dashboard body. Row keys may be snake_case (the
// service's native form) or camelCase. A missing sentiment_distribution is
// read as all zeros; older service builds do not send it.
func DecodeDashboard(body []byte) (DashboardPayload, error) {
	if !gjson.ValidBytes(body) {
		return DashboardPayload{}, models.Malformedf("dashboard response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	dashboard := doc.Get("dashboard")
	if !dashboard.IsArray() {
		return DashboardPayload{}, models.Malformedf("dashboard response has no dashboard array")
	}

	items := dashboard.Array()
	payload := DashboardPayload{Rows: make([]models.DashboardRow, 0, len(items))}
	for i, item := range items {
		row := models.DashboardRow{
			Model:           normalize.Text(item.Get("model").String()),
			TotalResponses:  int(normalize.Field(item, "total_responses", "totalResponses").Int()),
			BiasedResponses: int(normalize.Field(item, "biased_responses", "biasedResponses").Int()),
			BiasPercentage:  normalize.Field(item, "bias_percentage", "biasPercentage").Float(),
		}
		if err := row.Validate(); err != nil {
			return DashboardPayload{}, models.Malformedf("dashboard row %d: %v", i, err)
		}
		payload.Rows = append(payload.Rows, row)
	}

	if dist := doc.Get("sentiment_distribution"); dist.IsObject() {
		payload.Distribution = models.SentimentDistribution{
			Positive: int(dist.Get("positive").Int()),
			Neutral:  int(dist.Get("neutral").Int()),
			Negative: int(dist.Get("negative").Int()),
		}
		if err := payload.Distribution.Validate(); err != nil {
			return DashboardPayload{}, models.Malformedf("sentiment distribution: %v", err)
		}
	}
	payload.TotalLogs = int(doc.Get("total_logs").Int())
	if payload.TotalLogs == 0 {
		payload.TotalLogs = payload.Distribution.Total()
	}
	return payload, nil
}
