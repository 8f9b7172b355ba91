// Package mitigation drives the bias service's fine-tuning workflow: starting
// a debiasing fine-tune for a model and comparing the original model against
// the fine-tuned one on the service's probe prompts.
package mitigation

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/normalize"
)

var log = logger.For("mitigation")

// API is the subset of the bias service client used here
type API interface {
	StartFineTune(ctx context.Context, baseModel string, filters map[string]interface{}) (string, error)
	EvaluateFineTuned(ctx context.Context, model string) ([]byte, error)
}

// Probe is the outcome of one probe prompt: its bias flags and sentiment.
type Probe struct {
	BiasFlags []string         `json:"bias_flags"`
	Sentiment models.Sentiment `json:"sentiment"`
}

// Biased applies the backend's biased-response rule.
func (p Probe) Biased() bool {
	return models.HasBiasFlag(p.BiasFlags)
}

// Comparison is the original model's probe outcomes next to the fine-tuned model's.
type Comparison struct {
	Model           string  `json:"model"`
	Original        []Probe `json:"original"`
	FineTuned       []Probe `json:"fine_tuned"`
	OriginalBiased  int     `json:"original_biased"`
	FineTunedBiased int     `json:"fine_tuned_biased"`
}

// Improved reports whether fine-tuning reduced the number of biased probes.
func (c Comparison) Improved() bool {
	return c.FineTunedBiased < c.OriginalBiased
}

// Service wraps the mitigation endpoints
type Service struct {
	api API
}

// NewService creates a Service
func NewService(api API) *Service {
	return &Service{api: api}
}

// FineTune asks the service to start a background fine-tune of model. filters
// selects the logged responses used as training data; nil means all of them.
// It returns the service's acknowledgement message.
func (s *Service) FineTune(ctx context.Context, model string, filters map[string]interface{}) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", models.Validationf("model is required")
	}
	if filters == nil {
		filters = map[string]interface{}{}
	}
	msg, err := s.api.StartFineTune(ctx, model, filters)
	if err != nil {
		return "", err
	}
	log.Info("fine-tune of %s accepted: %s", model, msg)
	return msg, nil
}

// Evaluate fetches and normalizes the original versus fine-tuned comparison.
func (s *Service) Evaluate(ctx context.Context, model string) (Comparison, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Comparison{}, models.Validationf("model is required")
	}
	body, err := s.api.EvaluateFineTuned(ctx, model)
	if err != nil {
		return Comparison{}, err
	}
	cmp, err := DecodeComparison(body)
	if err != nil {
		return Comparison{}, err
	}
	cmp.Model = model
	log.Debug("%s: %d biased probes before fine-tuning, %d after", model, cmp.OriginalBiased, cmp.FineTunedBiased)
	return cmp, nil
}

// DecodeComparison parses an /evaluate-fine-tuned body of the form
// {"original_bias": [[flags, sentiment], ...], "fine_tuned_bias": [...]}.
func DecodeComparison(body []byte) (Comparison, error) {
	if !gjson.ValidBytes(body) {
		return Comparison{}, models.Malformedf("evaluation response is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	original, err := probes(root.Get("original_bias"), "original_bias")
	if err != nil {
		return Comparison{}, err
	}
	fineTuned, err := probes(root.Get("fine_tuned_bias"), "fine_tuned_bias")
	if err != nil {
		return Comparison{}, err
	}

	return Comparison{
		Original:        original,
		FineTuned:       fineTuned,
		OriginalBiased:  countBiased(original),
		FineTunedBiased: countBiased(fineTuned),
	}, nil
}

func probes(v gjson.Result, key string) ([]Probe, error) {
	if !v.IsArray() {
		return nil, models.Malformedf("%s is not an array", key)
	}
	items := v.Array()
	out := make([]Probe, 0, len(items))
	for i, item := range items {
		pair := item.Array()
		if !item.IsArray() || len(pair) != 2 {
			return nil, models.Malformedf("%s[%d] is not a [flags, sentiment] pair", key, i)
		}
		if pair[1].Type != gjson.String {
			return nil, models.Malformedf("%s[%d] has no sentiment", key, i)
		}
		sentiment, err := models.ParseSentiment(pair[1].String())
		if err != nil {
			return nil, models.Malformedf("%s[%d]: %v", key, i, err)
		}
		out = append(out, Probe{
			BiasFlags: normalize.Set(normalize.Strings(pair[0])),
			Sentiment: sentiment,
		})
	}
	return out, nil
}

func countBiased(ps []Probe) int {
	n := 0
	for _, p := range ps {
		if p.Biased() {
			n++
		}
	}
	return n
}
