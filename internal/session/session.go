// Package session owns user-initiated analysis submissions.
//
// A Controller admits one submission at a time. Bad input is rejected before
// any network call, a second submission while one is in flight is rejected
// rather than queued, and a failed submission leaves the previously published
// results untouched.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/normalize"
)

var log = logger.For("session")

// Analyzer issues one analysis request and returns the raw response body.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string, modelNames []string) ([]byte, error)
}

// Outcome is the published result of the most recent successful submission
type Outcome struct {
	Prompt      string                  `json:"prompt"`
	Models      []string                `json:"models"`
	Results     []models.AnalysisResult `json:"results"`
	CompletedAt time.Time               `json:"completed_at"`
}

// Controller serializes submissions against one Analyzer
type Controller struct {
	api Analyzer
	now func() time.Time

	mu         sync.Mutex
	busy       bool
	generation uint64
	last       *Outcome
	listeners  []func(Outcome)
}

// New creates a Controller
func New(api Analyzer) *Controller {
	return &Controller{api: api, now: time.Now}
}

// OnPublish registers fn to run after each published outcome. Listeners run
// on the submitting goroutine after the controller lock is released.
func (c *Controller) OnPublish(fn func(Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Busy reports whether a submission is in flight
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Results returns a copy of the last published outcome.
func (c *Controller) Results() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return c.last.clone(), true
}

// Invalidate discards whatever an in-flight submission would publish. The
// submitter still receives its results; busy clears when it returns.
func (c *Controller) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// Submit validates the input, sends one analysis request and publishes the
// normalized results.
//
// Errors: models.ErrValidation for an empty prompt or model list,
// models.ErrBusy while another submission is in flight,
// models.ErrRequestFailed for upstream failures and models.ErrMalformedResult
// for a response that does not normalize.
func (c *Controller) Submit(ctx context.Context, prompt string, modelIDs []string) ([]models.AnalysisResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, models.Validationf("prompt is empty")
	}
	ids := make([]string, 0, len(modelIDs))
	for _, id := range modelIDs {
		ids = append(ids, normalize.Text(id))
	}
	ids = normalize.Set(ids)
	if len(ids) == 0 {
		return nil, models.Validationf("no models selected")
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, models.ErrBusy
	}
	c.busy = true
	gen := c.generation
	c.mu.Unlock()

	results, err := c.analyze(ctx, prompt, ids)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.mu.Unlock()
		log.Warn("submission for %v failed: %v", ids, err)
		return nil, err
	}
	if gen != c.generation {
		c.mu.Unlock()
		log.Debug("discarding superseded results for %v", ids)
		return results, nil
	}
	out := Outcome{Prompt: prompt, Models: ids, Results: results, CompletedAt: c.now()}
	c.last = &out
	listeners := make([]func(Outcome), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	log.Info("published %d results", len(results))
	for _, fn := range listeners {
		fn(out.clone())
	}
	return results, nil
}

func (c *Controller) analyze(ctx context.Context, prompt string, ids []string) ([]models.AnalysisResult, error) {
	body, err := c.api.Analyze(ctx, prompt, ids)
	if err != nil {
		if !errors.Is(err, models.ErrRequestFailed) {
			err = &models.RequestError{Op: "analyze", Message: err.Error()}
		}
		return nil, err
	}
	return normalize.Response(body)
}

func (o Outcome) clone() Outcome {
	cp := o
	cp.Models = append([]string(nil), o.Models...)
	cp.Results = make([]models.AnalysisResult, len(o.Results))
	for i, r := range o.Results {
		r.TopPredictions = append([]string(nil), r.TopPredictions...)
		r.BiasFlags = append([]string(nil), r.BiasFlags...)
		cp.Results[i] = r
	}
	return cp
}
