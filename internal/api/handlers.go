package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faultlinehq/faultline/internal/models"
	"github.com/faultlinehq/faultline/internal/patterns"
	"github.com/faultlinehq/faultline/internal/services"
	"github.com/faultlinehq/faultline/internal/store"
	"github.com/faultlinehq/faultline/internal/utils"
)

// Handlers implements the HTTP endpoints.
type Handlers struct {
	logger   *slog.Logger
	store    store.Store
	detector *patterns.Detector
	analyzer *services.Analyzer
}

// NewHandlers wires the endpoint dependencies.
func NewHandlers(logger *slog.Logger, st store.Store, detector *patterns.Detector, analyzer *services.Analyzer) *Handlers {
	return &Handlers{
		logger:   logger.With("component", "api"),
		store:    st,
		detector: detector,
		analyzer: analyzer,
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListClusters returns clusters, optionally filtered by ?application=.
func (h *Handlers) ListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.store.ListClusters(r.Context(), r.URL.Query().Get("application"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters, "count": len(clusters)})
}

// GetCluster returns one cluster by ID.
func (h *Handlers) GetCluster(w http.ResponseWriter, r *http.Request) {
	cluster, err := h.store.GetCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

// ListClusterEntries returns a cluster's member entries in assignment order.
func (h *Handlers) ListClusterEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListEntriesByCluster(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// ListPatterns returns patterns, optionally filtered by ?application=.
func (h *Handlers) ListPatterns(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.ListPatterns(r.Context(), r.URL.Query().Get("application"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": result, "count": len(result)})
}

// GetPattern returns one pattern by ID.
func (h *Handlers) GetPattern(w http.ResponseWriter, r *http.Request) {
	pattern, err := h.store.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pattern)
}

// GetPatternTrend runs trend analysis for a pattern. ?window= accepts a Go
// duration such as 24h; the detection window is the default.
func (h *Handlers) GetPatternTrend(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := utils.ParseWindow(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		window = parsed
	}

	trend, err := h.detector.AnalyzeTrend(r.Context(), chi.URLParam(r, "id"), window, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

type statusRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assigned_to"`
	Notes      string `json:"notes"`
}

// UpdatePatternStatus applies an operator lifecycle transition.
func (h *Handlers) UpdatePatternStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	next := models.PatternStatus(req.Status)
	switch next {
	case models.StatusActive, models.StatusUnderInvestigation, models.StatusResolved, models.StatusIgnored:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("unknown status "+req.Status))
		return
	}

	updated, err := h.detector.TransitionStatus(r.Context(), chi.URLParam(r, "id"), next, req.AssignedTo, req.Notes, time.Now().UTC())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// GetDigest reports pattern activity since ?since= (RFC3339); defaults to the
// last 24 hours.
func (h *Handlers) GetDigest(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := utils.ParseRFC3339(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		since = parsed
	}

	digest, err := h.analyzer.Digest(r.Context(), since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

// TriggerAnalysis runs a pass for every configured application.
func (h *Handlers) TriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.analyzer.RunAll(r.Context())
	if err != nil {
		h.logger.Error("manual analysis failed", "error", err)
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"passes": summaries})
}

type testAlertRequest struct {
	Channel string `json:"channel"`
}

// TestAlert sends a synthetic alert through a channel.
func (h *Handlers) TestAlert(w http.ResponseWriter, r *http.Request) {
	var req testAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("channel is required"))
		return
	}
	if err := h.analyzer.TestAlert(r.Context(), req.Channel); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SourceHealth probes the telemetry source.
func (h *Handlers) SourceHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.analyzer.Probe(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source": "ok"})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrClusterNotFound),
		errors.Is(err, utils.ErrPatternNotFound),
		errors.Is(err, utils.ErrEntryNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, utils.ErrInvalidTransition),
		errors.Is(err, utils.ErrInsufficientData):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(err.Error()))
	case errors.Is(err, utils.ErrUpstreamTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorBody(err.Error()))
	case errors.Is(err, utils.ErrUpstreamUnavailable):
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
	default:
		h.logger.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
