package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/biaswatch/internal/alerts"
	"github.com/rewired-gh/biaswatch/internal/history"
	"github.com/rewired-gh/biaswatch/internal/mitigation"
	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/poller"
	"github.com/rewired-gh/biaswatch/internal/session"
	"github.com/rewired-gh/biaswatch/internal/store"
)

type fakeAlerts struct {
	state  alerts.State
	latest *models.AlertEvent
}

func (f *fakeAlerts) State() alerts.State { return f.state }

func (f *fakeAlerts) Latest() (models.AlertEvent, bool) {
	if f.latest == nil {
		return models.AlertEvent{}, false
	}
	return *f.latest, true
}

type fakeBackend struct {
	models    []string
	modelsErr error
	report    []byte
	reportErr error

	analyzeBody []byte
	analyzeErr  error
	gate        chan struct{}
	entered     chan struct{}

	mu        sync.Mutex
	evalBody  []byte
	evalModel string
}

func (f *fakeBackend) FetchModels(ctx context.Context) ([]string, error) {
	return f.models, f.modelsErr
}

func (f *fakeBackend) DownloadReport(ctx context.Context, w io.Writer) (int64, error) {
	if f.reportErr != nil {
		return 0, f.reportErr
	}
	n, err := w.Write(f.report)
	return int64(n), err
}

func (f *fakeBackend) Analyze(ctx context.Context, prompt string, modelNames []string) ([]byte, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.analyzeBody, f.analyzeErr
}

func (f *fakeBackend) StartFineTune(ctx context.Context, baseModel string, filters map[string]interface{}) (string, error) {
	return "Fine-tuning started in background!", nil
}

func (f *fakeBackend) EvaluateFineTuned(ctx context.Context, model string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalModel = model
	return f.evalBody, nil
}

type fakeHealth struct{ h poller.Health }

func (f fakeHealth) Health() poller.Health { return f.h }

type fixture struct {
	srv     *httptest.Server
	backend *fakeBackend
	store   *store.Store
	session *session.Controller
	journal *history.Journal
	alerts  *fakeAlerts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	journal, err := history.Open(":memory:", 100)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	f := &fixture{
		backend: &fakeBackend{models: []string{"gpt2", "bert-base-uncased"}},
		store:   store.New(),
		journal: journal,
		alerts:  &fakeAlerts{state: alerts.Connected},
	}
	f.session = session.New(f.backend)

	h := NewHandler(Deps{
		Store:      f.store,
		Session:    f.session,
		Mitigation: mitigation.NewService(f.backend),
		Alerts:     f.alerts,
		Backend:    f.backend,
		Journal:    journal,
		Polling:    fakeHealth{poller.Health{ConsecutiveFailures: 1, LastError: "dashboard: status 500"}},
	})
	f.srv = httptest.NewServer(NewRouter(h, []string{"http://localhost:3000"}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}
}

func TestGetState(t *testing.T) {
	f := newFixture(t)
	f.store.ApplySnapshot(f.store.NextSeq(),
		[]models.DashboardRow{{Model: "gpt2", TotalResponses: 10, BiasedResponses: 3, BiasPercentage: 30}},
		models.SentimentDistribution{Positive: 4, Neutral: 4, Negative: 2})
	f.alerts.latest = &models.AlertEvent{Alert: "Biased output detected in gpt2", Seq: 1, ReceivedAt: time.Now()}

	resp, body := f.do(t, http.MethodGet, "/api/state", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var got struct {
		View struct {
			Rows []models.DashboardRow `json:"rows"`
			Pie  []store.PieSlice      `json:"pie"`
		} `json:"view"`
		Alert       *models.AlertEvent `json:"alert"`
		AlertStream string             `json:"alert_stream"`
		SessionBusy bool               `json:"session_busy"`
		Polling     *poller.Health     `json:"polling"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.View.Rows) != 1 || got.View.Rows[0].BiasPercentage != 30 {
		t.Errorf("rows = %+v", got.View.Rows)
	}
	if len(got.View.Pie) != 3 || got.View.Pie[0].Count != 4 {
		t.Errorf("pie = %+v", got.View.Pie)
	}
	if got.Alert == nil || got.Alert.Alert != "Biased output detected in gpt2" {
		t.Errorf("alert = %+v", got.Alert)
	}
	if got.AlertStream != "connected" {
		t.Errorf("alert_stream = %q", got.AlertStream)
	}
	if got.Polling == nil || got.Polling.ConsecutiveFailures != 1 {
		t.Errorf("polling = %+v", got.Polling)
	}
}

func TestGetModels(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/models", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct{ Models []string }
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Models) != 2 {
		t.Errorf("models = %v", got.Models)
	}

	f.backend.modelsErr = &models.RequestError{Op: "models", Message: "connection refused"}
	resp, body = f.do(t, http.MethodGet, "/api/models", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"detail"`)) {
		t.Errorf("error body = %s", body)
	}
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t)
	f.backend.analyzeBody = []byte(`{"results":[{"model":"gpt2","type":"generative","top_predictions":["x"],"bias_flags":[],"sentiment":"neutral"}]}`)

	resp, body := f.do(t, http.MethodPost, "/api/analyze", `{"prompt":"The nurse said","model_names":["gpt2"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got struct{ Results []models.AnalysisResult }
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Results) != 1 || got.Results[0].Sentiment != models.SentimentNeutral {
		t.Errorf("results = %+v", got.Results)
	}

	resp, body = f.do(t, http.MethodGet, "/api/results", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("The nurse said")) {
		t.Errorf("results = %d %s", resp.StatusCode, body)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		analyzeErr error
		analyze    string
		wantStatus int
	}{
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "empty prompt", body: `{"prompt":"","model_names":["gpt2"]}`, wantStatus: http.StatusBadRequest},
		{name: "no models", body: `{"prompt":"x","model_names":[]}`, wantStatus: http.StatusBadRequest},
		{
			name:       "upstream failure",
			body:       `{"prompt":"x","model_names":["gpt2"]}`,
			analyzeErr: &models.RequestError{Op: "analyze", StatusCode: 500, Message: "boom"},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "malformed result",
			body:       `{"prompt":"x","model_names":["gpt2"]}`,
			analyze:    `{"results":[{"model":"gpt2"}]}`,
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.backend.analyzeErr = tt.analyzeErr
			f.backend.analyzeBody = []byte(tt.analyze)
			resp, body := f.do(t, http.MethodPost, "/api/analyze", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, body)
			}
		})
	}
}

func TestAnalyzeBusy(t *testing.T) {
	f := newFixture(t)
	f.backend.analyzeBody = []byte(`{"results":[]}`)
	f.backend.gate = make(chan struct{})
	f.backend.entered = make(chan struct{}, 1)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(f.srv.URL+"/api/analyze", "application/json", strings.NewReader(`{"prompt":"first","model_names":["gpt2"]}`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-f.backend.entered

	resp, _ := f.do(t, http.MethodPost, "/api/analyze", `{"prompt":"second","model_names":["gpt2"]}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	close(f.backend.gate)
	if status := <-done; status != http.StatusOK {
		t.Errorf("first submission status = %d", status)
	}
}

func TestAlertHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := f.journal.RecordAlert(ctx, models.AlertEvent{Alert: "a", Seq: uint64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	resp, body := f.do(t, http.MethodGet, "/api/alerts/history?limit=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct{ Alerts []history.AlertRecord }
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Alerts) != 2 || got.Alerts[0].Seq != 3 {
		t.Errorf("alerts = %+v", got.Alerts)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/alerts/history?limit=zero", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/snapshots/history", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("snapshots status = %d", resp.StatusCode)
	}
}

func TestFineTuneAndEvaluate(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/fine-tune", `{"base_model":"bert-base-uncased","filters":{}}`)
	if resp.StatusCode != http.StatusAccepted || !bytes.Contains(body, []byte("Fine-tuning started")) {
		t.Errorf("fine-tune = %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/fine-tune", `{"base_model":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty model status = %d", resp.StatusCode)
	}

	f.backend.evalBody = []byte(`{"original_bias":[[["Gender bias likely"],"neutral"]],"fine_tuned_bias":[[[],"neutral"]]}`)
	resp, body = f.do(t, http.MethodGet, "/api/evaluate/google/bert_uncased", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate = %d %s", resp.StatusCode, body)
	}
	f.backend.mu.Lock()
	evaluated := f.backend.evalModel
	f.backend.mu.Unlock()
	if evaluated != "google/bert_uncased" {
		t.Errorf("evaluated model = %q", evaluated)
	}
	var cmp mitigation.Comparison
	if err := json.Unmarshal(body, &cmp); err != nil {
		t.Fatal(err)
	}
	if cmp.OriginalBiased != 1 || cmp.FineTunedBiased != 0 {
		t.Errorf("comparison = %+v", cmp)
	}
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	f.backend.report = []byte("%PDF-1.4 fake")

	resp, body := f.do(t, http.MethodGet, "/api/report", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Errorf("report = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if string(body) != "%PDF-1.4 fake" {
		t.Errorf("body = %q", body)
	}

	f.backend.reportErr = &models.RequestError{Op: "report", StatusCode: 500, Message: "boom"}
	resp, _ = f.do(t, http.MethodGet, "/api/report", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("failed report status = %d", resp.StatusCode)
	}
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	seq := f.store.NextSeq()

	resp, _ := f.do(t, http.MethodPost, "/api/invalidate", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if f.store.ApplySnapshot(seq, nil, models.SentimentDistribution{}) {
		t.Error("fetch issued before invalidation was applied")
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/state", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.Validationf("x"), http.StatusBadRequest},
		{models.ErrBusy, http.StatusConflict},
		{&models.RequestError{Op: "x"}, http.StatusBadGateway},
		{models.Malformedf("x"), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
