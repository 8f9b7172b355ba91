// Package normalize turns raw per-model analysis payloads from the bias
// service into models.AnalysisResult values.
//
// The backend's result objects are free-form: key casing varies between
// snake_case and camelCase and optional fields may be absent or null. The
// normalizer is the single place those shapes are checked; everything
// downstream can rely on the AnalysisResult invariants.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"

	"github.com/rewired-gh/biaswatch/internal/models"
)

// Response extracts and normalizes the results array of an /analyze body.
func Response(body []byte) ([]models.AnalysisResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, models.Malformedf("analyze response is not valid JSON")
	}
	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil, models.Malformedf("analyze response has no results array")
	}
	raw := make([]json.RawMessage, 0, len(results.Array()))
	for _, r := range results.Array() {
		raw = append(raw, json.RawMessage(r.Raw))
	}
	return Results(raw)
}

// Results normalizes each raw result, preserving order. The first malformed
// entry fails the whole batch so callers never publish a partial set.
func Results(raw []json.RawMessage) ([]models.AnalysisResult, error) {
	out := make([]models.AnalysisResult, 0, len(raw))
	for i, r := range raw {
		res, err := Result(r)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// Result normalizes a single raw result object.
func Result(raw json.RawMessage) (models.AnalysisResult, error) {
	if !gjson.ValidBytes(raw) {
		return models.AnalysisResult{}, models.Malformedf("not valid JSON")
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return models.AnalysisResult{}, models.Malformedf("expected object, got %s", obj.Type)
	}

	model := Text(obj.Get("model").String())
	if model == "" {
		return models.AnalysisResult{}, models.Malformedf("missing model")
	}

	sentimentField := Field(obj, "sentiment")
	if !sentimentField.Exists() || sentimentField.Type == gjson.Null {
		return models.AnalysisResult{}, models.Malformedf("model %s: missing sentiment", model)
	}
	sentiment, err := models.ParseSentiment(sentimentField.String())
	if err != nil {
		return models.AnalysisResult{}, models.Malformedf("model %s: %v", model, err)
	}

	res := models.AnalysisResult{
		Model:          model,
		Type:           Text(obj.Get("type").String()),
		TopPredictions: Strings(Field(obj, "top_predictions", "topPredictions")),
		BiasFlags:      Set(Strings(Field(obj, "bias_flags", "biasFlags"))),
		Sentiment:      sentiment,
	}
	if err := res.Validate(); err != nil {
		return models.AnalysisResult{}, models.Malformedf("model %s: %v", model, err)
	}
	return res, nil
}

// Field returns the first of keys present on obj, or an empty Result when
// none is. It lets callers accept both snake_case and camelCase payloads.
func Field(obj gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := obj.Get(gjson.Escape(k)); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// Strings reads a JSON array of scalars. Missing, null and non-array values
// yield an empty, non-nil slice.
func Strings(v gjson.Result) []string {
	if !v.IsArray() {
		return []string{}
	}
	items := v.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type == gjson.Null {
			continue
		}
		out = append(out, Text(item.String()))
	}
	return out
}

// Set drops empty and duplicate entries, keeping first occurrences in order.
func Set(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Text applies NFKC and trims surrounding whitespace.
func Text(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}
