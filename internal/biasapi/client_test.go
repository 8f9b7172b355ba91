package biasapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rewired-gh/biaswatch/internal/models"
)

func newTestClient(url string) *Client {
	return NewClient(url, 5*time.Second, ClientConfig{MaxRetries: 3, RetryDelayBase: time.Millisecond})
}

func TestFetchModels(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Expected path /models, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":["bert-base-uncased","roberta-base","gpt2"]}`))
	}))
	defer mockServer.Close()

	got, err := newTestClient(mockServer.URL).FetchModels(context.Background())
	if err != nil {
		t.Fatalf("FetchModels failed: %v", err)
	}
	if len(got) != 3 || got[2] != "gpt2" {
		t.Errorf("unexpected models %v", got)
	}
}

func TestAnalyzeSendsRequestOnce(t *testing.T) {
	var calls atomic.Int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Prompt != "The nurse is a [MASK]." || len(req.ModelNames) != 1 || req.ModelNames[0] != "bert-base-uncased" {
			t.Errorf("unexpected request body %+v", req)
		}
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"detail":"pipeline crashed"}`))
	}))
	defer mockServer.Close()

	_, err := newTestClient(mockServer.URL).Analyze(context.Background(), "The nurse is a [MASK].", []string{"bert-base-uncased"})
	if !errors.Is(err, models.ErrRequestFailed) {
		t.Fatalf("expected ErrRequestFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected POST to be sent once, got %d", calls.Load())
	}
	var reqErr *models.RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusBadGateway || reqErr.Message != "pipeline crashed" {
		t.Errorf("expected upstream detail in error, got %#v", err)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"clusters":[]}`))
	}))
	defer mockServer.Close()

	body, err := newTestClient(mockServer.URL).FetchClusters(context.Background())
	if err != nil {
		t.Fatalf("FetchClusters failed: %v", err)
	}
	if string(body) != `{"clusters":[]}` {
		t.Errorf("unexpected body %s", body)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "Not Found", http.StatusNotFound)
	}))
	defer mockServer.Close()

	_, err := newTestClient(mockServer.URL).FetchClusters(context.Background())
	var reqErr *models.RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound || reqErr.Message != "Not Found" {
		t.Fatalf("expected 404 RequestError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no retry on 404, got %d attempts", calls.Load())
	}
}

func TestTransportFailure(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := mockServer.URL
	mockServer.Close()

	_, err := newTestClient(url).FetchModels(context.Background())
	var reqErr *models.RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != 0 {
		t.Fatalf("expected transport RequestError, got %v", err)
	}
}

func TestFetchDashboard(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"dashboard":[{"model":"gpt2","totalResponses":10,"biasedResponses":3,"biasPercentage":30}],"sentiment_distribution":{"positive":4,"neutral":4,"negative":2}}`))
	}))
	defer mockServer.Close()

	payload, err := newTestClient(mockServer.URL).FetchDashboard(context.Background())
	if err != nil {
		t.Fatalf("FetchDashboard failed: %v", err)
	}
	if len(payload.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(payload.Rows))
	}
	row := payload.Rows[0]
	if row.Model != "gpt2" || row.TotalResponses != 10 || row.BiasedResponses != 3 || row.BiasPercentage != 30 {
		t.Errorf("unexpected row %+v", row)
	}
	if payload.Distribution != (models.SentimentDistribution{Positive: 4, Neutral: 4, Negative: 2}) {
		t.Errorf("unexpected distribution %+v", payload.Distribution)
	}
	if payload.TotalLogs != 10 {
		t.Errorf("expected total logs derived from distribution, got %d", payload.TotalLogs)
	}
}

func TestDecodeDashboard(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		rows    int
	}{
		{name: "snake case", body: `{"dashboard":[{"model":"bert","total_responses":4,"biased_responses":1,"bias_percentage":25.0}],"total_logs":4}`, rows: 1},
		{name: "no distribution", body: `{"dashboard":[]}`, rows: 0},
		{name: "biased above total", body: `{"dashboard":[{"model":"bert","total_responses":1,"biased_responses":2,"bias_percentage":100}]}`, wantErr: true},
		{name: "missing model", body: `{"dashboard":[{"total_responses":1}]}`, wantErr: true},
		{name: "missing array", body: `{"detail":"db down"}`, wantErr: true},
		{name: "negative sentiment count", body: `{"dashboard":[],"sentiment_distribution":{"positive":-1}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := DecodeDashboard([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeDashboard() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, models.ErrMalformedResult) {
					t.Errorf("expected ErrMalformedResult, got %v", err)
				}
				return
			}
			if len(payload.Rows) != tt.rows {
				t.Errorf("expected %d rows, got %d", tt.rows, len(payload.Rows))
			}
		})
	}
}

func TestStartFineTune(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req FineTuneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.BaseModel != "bert-base-uncased" || req.Filters == nil {
			t.Errorf("unexpected request %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"message":"Fine-tuning started in background!"}`))
	}))
	defer mockServer.Close()

	msg, err := newTestClient(mockServer.URL).StartFineTune(context.Background(), "bert-base-uncased", nil)
	if err != nil {
		t.Fatalf("StartFineTune failed: %v", err)
	}
	if msg != "Fine-tuning started in background!" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestEvaluateFineTunedEscapesModel(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/evaluate-fine-tuned/org%2Fmodel" {
			t.Errorf("unexpected path %s", r.URL.EscapedPath())
		}
		w.Write([]byte(`{"original_bias":[],"fine_tuned_bias":[]}`))
	}))
	defer mockServer.Close()

	if _, err := newTestClient(mockServer.URL).EvaluateFineTuned(context.Background(), "org/model"); err != nil {
		t.Fatalf("EvaluateFineTuned failed: %v", err)
	}
}

func TestDownloadReport(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake report")
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	}))
	defer mockServer.Close()

	var buf bytes.Buffer
	n, err := newTestClient(mockServer.URL).DownloadReport(context.Background(), &buf)
	if err != nil {
		t.Fatalf("DownloadReport failed: %v", err)
	}
	if n != int64(len(pdf)) || !bytes.Equal(buf.Bytes(), pdf) {
		t.Errorf("unexpected report bytes %q", buf.Bytes())
	}
}
