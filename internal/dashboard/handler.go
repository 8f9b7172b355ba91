// Package dashboard serves the session state to a presentation layer over a
// small local JSON API.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rewired-gh/biaswatch/internal/alerts"
	"github.com/rewired-gh/biaswatch/internal/history"
	"github.com/rewired-gh/biaswatch/internal/logger"
	"github.com/rewired-gh/biaswatch/internal/mitigation"
	"github.com/rewired-gh/biaswatch/internal/models"
	"github.com/rewired-gh/biaswatch/internal/poller"
	"github.com/rewired-gh/biaswatch/internal/session"
	"github.com/rewired-gh/biaswatch/internal/store"
)

var log = logger.For("dashboard")

const defaultHistoryLimit = 50

// AlertSource exposes the alert consumer's state and latest alert
type AlertSource interface {
	State() alerts.State
	Latest() (models.AlertEvent, bool)
}

// Backend is the part of the bias service proxied directly
type Backend interface {
	FetchModels(ctx context.Context) ([]string, error)
	DownloadReport(ctx context.Context, w io.Writer) (int64, error)
}

// Journal reads the session history
type Journal interface {
	Recent(ctx context.Context, limit int) ([]history.AlertRecord, error)
	Snapshots(ctx context.Context, limit int) ([]history.SnapshotRecord, error)
}

// HealthSource reports dashboard polling health
type HealthSource interface {
	Health() poller.Health
}

// Deps wires the handler to the rest of the process
type Deps struct {
	Store      *store.Store
	Session    *session.Controller
	Mitigation *mitigation.Service
	Alerts     AlertSource
	Backend    Backend
	Journal    Journal
	Polling    HealthSource
}

// Handler implements the dashboard API
type Handler struct {
	d Deps
}

// NewHandler creates a Handler
func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

// RegisterRoutes mounts every endpoint on r
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Post("/invalidate", h.Invalidate)
		r.Get("/models", h.GetModels)
		r.Post("/analyze", h.Analyze)
		r.Get("/results", h.GetResults)
		r.Get("/alerts/history", h.GetAlertHistory)
		r.Get("/snapshots/history", h.GetSnapshotHistory)
		r.Post("/fine-tune", h.FineTune)
		// Model IDs may contain slashes (org/model)
		r.Get("/evaluate/*", h.Evaluate)
		r.Get("/report", h.GetReport)
	})
}

// HealthCheck answers liveness probes
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

type stateResponse struct {
	View        store.View         `json:"view"`
	Alert       *models.AlertEvent `json:"alert"`
	AlertStream alerts.State       `json:"alert_stream"`
	SessionBusy bool               `json:"session_busy"`
	Polling     *poller.Health     `json:"polling,omitempty"`
}

// GetState returns the chart-ready store view plus live status
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		View:        h.d.Store.View(),
		AlertStream: h.d.Alerts.State(),
		SessionBusy: h.d.Session.Busy(),
	}
	if ev, ok := h.d.Alerts.Latest(); ok {
		resp.Alert = &ev
	}
	if h.d.Polling != nil {
		health := h.d.Polling.Health()
		resp.Polling = &health
	}
	writeJSON(w, http.StatusOK, resp)
}

// Invalidate discards in-flight polls and submissions, as when the viewer
// navigates away. Applied state is kept.
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	h.d.Store.Invalidate()
	h.d.Session.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// GetModels proxies the service's model list
func (h *Handler) GetModels(w http.ResponseWriter, r *http.Request) {
	names, err := h.d.Backend.FetchModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": names})
}

type analyzeRequest struct {
	Prompt     string   `json:"prompt"`
	ModelNames []string `json:"model_names"`
}

// Analyze submits a prompt through the session controller
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Validationf("invalid JSON body: %v", err))
		return
	}
	results, err := h.d.Session.Submit(r.Context(), req.Prompt, req.ModelNames)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.AnalysisResult{"results": results})
}

// GetResults returns the last published submission
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	out, ok := h.d.Session.Results()
	if !ok {
		out.Models = []string{}
		out.Results = []models.AnalysisResult{}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAlertHistory lists journaled alerts, newest first
func (h *Handler) GetAlertHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.d.Journal.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]history.AlertRecord{"alerts": recs})
}

// GetSnapshotHistory lists journaled snapshot summaries, newest first
func (h *Handler) GetSnapshotHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := h.d.Journal.Snapshots(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]history.SnapshotRecord{"snapshots": recs})
}

type fineTuneRequest struct {
	BaseModel string                 `json:"base_model"`
	Filters   map[string]interface{} `json:"filters"`
}

// FineTune starts a background fine-tune
func (h *Handler) FineTune(w http.ResponseWriter, r *http.Request) {
	var req fineTuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.Validationf("invalid JSON body: %v", err))
		return
	}
	msg, err := h.d.Mitigation.FineTune(r.Context(), req.BaseModel, req.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": msg})
}

// Evaluate compares a model with its fine-tuned version
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	model, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, models.Validationf("invalid model: %v", err))
		return
	}
	cmp, err := h.d.Mitigation.Evaluate(r.Context(), strings.Trim(model, "/"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// GetReport streams the service's PDF report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="bias_report.pdf"`)

	n, err := h.d.Backend.DownloadReport(r.Context(), w)
	if err != nil {
		if n == 0 {
			w.Header().Del("Content-Disposition")
			writeError(w, err)
			return
		}
		// Headers are gone; the client sees a truncated body
		log.Error("report stream interrupted after %d bytes: %v", n, err)
	}
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, models.Validationf("limit must be a positive integer")
	}
	return limit, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrRequestFailed), errors.Is(err, models.ErrMalformedResult):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"detail": ...}, the shape the bias service
// itself uses.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response: %v", err)
	}
}
