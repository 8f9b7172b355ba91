// Package biasapi is the HTTP client for the external bias-analysis service.
// It covers every endpoint the dashboard consumes: model listing, prompt
// analysis, the aggregate dashboard snapshot, prediction clusters,
// fine-tuning and the PDF report.
//
// Idempotent GETs are retried on transport errors and 5xx responses with a
// linear backoff. POSTs are one-shot. Every failure is returned as a
// *models.RequestError, which matches models.ErrRequestFailed.
package biasapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/models"
)

var log = logger.For("biasapi")

// maxErrorBody caps how much of a failed response is read for its message.
const maxErrorBody = 4 << 10

// Client provides access to the bias service API
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
}

// ClientConfig holds HTTP client tuning parameters
type ClientConfig struct {
	MaxRetries      int
	RetryDelayBase  time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// NewClient creates a new bias service client
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase < 0 {
		cfg.RetryDelayBase = 0
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
	}
}

// FetchModels lists the model ids the service can analyze
func (c *Client) FetchModels(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "models", "/models")
	if err != nil {
		return nil, err
	}

	var response struct {
		Models []string `json:"models"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, models.Malformedf("models response: %v", err)
	}
	if response.Models == nil {
		return nil, models.Malformedf("models response has no models array")
	}
	return response.Models, nil
}

// AnalyzeRequest is the body of POST /analyze
type AnalyzeRequest struct {
	Prompt     string   `json:"prompt"`
	ModelNames []string `json:"model_names"`
}

// Analyze submits a prompt to the selected models and returns the raw
// response body for the normalizer. It is never retried.
func (c *Client) Analyze(ctx context.Context, prompt string, modelNames []string) ([]byte, error) {
	payload, err := json.Marshal(AnalyzeRequest{Prompt: prompt, ModelNames: modelNames})
	if err != nil {
		return nil, fmt.Errorf("failed to encode analyze request: %w", err)
	}
	return c.post(ctx, "analyze", "/analyze", payload)
}

// FetchClusters returns the raw /predictions-clusters body for the projector
func (c *Client) FetchClusters(ctx context.Context) ([]byte, error) {
	return c.get(ctx, "clusters", "/predictions-clusters")
}

// FineTuneRequest is the body of POST /fine-tune
type FineTuneRequest struct {
	BaseModel string                 `json:"base_model"`
	Filters   map[string]interface{} `json:"filters"`
}

// StartFineTune asks the service to fine-tune baseModel in the background.
// It returns the service's acknowledgement message.
func (c *Client) StartFineTune(ctx context.Context, baseModel string, filters map[string]interface{}) (string, error) {
	if filters == nil {
		filters = map[string]interface{}{}
	}
	payload, err := json.Marshal(FineTuneRequest{BaseModel: baseModel, Filters: filters})
	if err != nil {
		return "", fmt.Errorf("failed to encode fine-tune request: %w", err)
	}
	body, err := c.post(ctx, "fine-tune", "/fine-tune", payload)
	if err != nil {
		return "", err
	}
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = "fine-tuning accepted"
	}
	return msg, nil
}

// EvaluateFineTuned returns the raw original vs fine-tuned comparison body
func (c *Client) EvaluateFineTuned(ctx context.Context, model string) ([]byte, error) {
	return c.get(ctx, "evaluate", "/evaluate-fine-tuned/"+url.PathEscape(model))
}

// DownloadReport streams the PDF report into w and returns the bytes written
func (c *Client) DownloadReport(ctx context.Context, w io.Writer) (int64, error) {
	resp, err := c.doRequest(ctx, "report", http.MethodGet, "/report", nil, true)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &models.RequestError{Op: "report", Message: "stream interrupted: " + err.Error()}
	}
	return n, nil
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	resp, err := c.doRequest(ctx, op, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(op, resp)
}

func (c *Client) post(ctx context.Context, op, path string, payload []byte) ([]byte, error) {
	resp, err := c.doRequest(ctx, op, http.MethodPost, path, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(op, resp)
}

func readBody(op string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.RequestError{Op: op, StatusCode: resp.StatusCode, Message: "failed to read body: " + err.Error()}
	}
	return body, nil
}

// doRequest performs the HTTP request and returns only 2xx responses.
// When retry is set, transport errors and 5xx are retried.
func (c *Client) doRequest(ctx context.Context, op, method, path string, payload []byte, retry bool) (*http.Response, error) {
	attempts := 1
	if retry {
		attempts = c.maxRetries
	}

	var lastErr *models.RequestError
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.retryDelayBase * time.Duration(i)
			log.Debug("retrying %s %s in %v (attempt %d/%d): %v", method, path, delay, i+1, attempts, lastErr)
			select {
			case <-ctx.Done():
				return nil, &models.RequestError{Op: op, Message: ctx.Err().Error()}
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, &models.RequestError{Op: op, Message: err.Error()}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &models.RequestError{Op: op, Message: err.Error()}
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastErr = &models.RequestError{Op: op, StatusCode: resp.StatusCode, Message: upstreamMessage(resp)}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// upstreamMessage prefers FastAPI's "detail" field, then the raw body, then
// the status text.
func upstreamMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if gjson.ValidBytes(raw) {
		if d := gjson.GetBytes(raw, "detail"); d.Exists() {
			if d.Type == gjson.String {
				return d.String()
			}
			return d.Raw
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
