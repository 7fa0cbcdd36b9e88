// Package gateway serves the query API over the live asset and alert
// stores and the durable history store: asset snapshots, alert queries
// and acknowledgment, derived statistics, dependency health, and
// Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/coldchain/errors"
	"github.com/c360/coldchain/health"
	"github.com/c360/coldchain/history"
	"github.com/c360/coldchain/metric"
	"github.com/c360/coldchain/store"
	"github.com/c360/coldchain/telemetry"
)

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 168
)

// HistoryReader is the durable-history surface the gateway uses: queries
// plus alert acknowledgment, which lives in history because acknowledged
// state is persisted, not part of the live TTL'd alert set.
type HistoryReader interface {
	AssetHistory(ctx context.Context, assetID string, hours, limit int) ([]history.TelemetryEntry, error)
	Alerts(ctx context.Context, q history.AlertQuery) ([]history.AlertEntry, error)
	Acknowledge(ctx context.Context, alertID string) error
	Ping(ctx context.Context) error
}

// Config holds HTTP server settings.
type Config struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server is the query service.
type Server struct {
	cfg     Config
	assets  store.AssetStateStore
	alerts  store.AlertStore
	hist    HistoryReader
	monitor *health.Monitor
	metrics *serverMetrics
	handler http.Handler
	logger  *slog.Logger

	httpServer *http.Server
	running    atomic.Bool
}

type serverMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

func newServerMetrics(registry *metric.Registry) *serverMetrics {
	m := &serverMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldchain",
			Name:      "gateway_requests_total",
			Help:      "Total HTTP requests by handler and status code",
		}, []string{"handler", "code"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coldchain",
			Name:      "gateway_request_seconds",
			Help:      "HTTP request latency by handler",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}
	registry.MustRegister("gateway", m.requestsTotal, m.requestSeconds)
	return m
}

// NewServer builds the query service and its routes. The health monitor is
// shared with the rest of the process so /health reflects consumer state.
func NewServer(
	cfg Config,
	assets store.AssetStateStore,
	alerts store.AlertStore,
	hist HistoryReader,
	monitor *health.Monitor,
	registry *metric.Registry,
	logger *slog.Logger,
) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:     cfg,
		assets:  assets,
		alerts:  alerts,
		hist:    hist,
		monitor: monitor,
		metrics: newServerMetrics(registry),
		logger:  logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /assets", s.instrument("assets", s.handleAssets))
	mux.HandleFunc("GET /assets/{id}", s.instrument("asset", s.handleAsset))
	mux.HandleFunc("GET /assets/{id}/history", s.instrument("asset_history", s.handleAssetHistory))
	mux.HandleFunc("GET /alerts", s.instrument("alerts", s.handleAlerts))
	mux.HandleFunc("GET /alerts/active", s.instrument("active_alerts", s.handleActiveAlerts))
	mux.HandleFunc("POST /alerts/{id}/acknowledge", s.instrument("acknowledge_alert", s.handleAcknowledgeAlert))
	mux.HandleFunc("GET /stats", s.instrument("stats", s.handleStats))
	mux.Handle("GET /metrics", registry.Handler())
	s.handler = mux

	return s
}

// Handler exposes the route table for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving in the background.
func (s *Server) Start(_ context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	s.httpServer = &http.Server{
		Addr:         ":" + strconv.Itoa(s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	server := s.httpServer
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("Query service started", "port", s.cfg.Port)
	return nil
}

// Stop shuts the server down gracefully, letting in-flight requests finish.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.CompareAndSwap(true, false) {
		return errors.ErrNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "gateway", "Stop", "HTTP shutdown")
	}
	return nil
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		handler(rec, r)
		s.metrics.requestsTotal.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
		s.metrics.requestSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}

// statusForError maps error classes to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s.monitor.UpdateFromError("redis", s.assets.Ping(ctx))
	s.monitor.UpdateFromError("postgres", s.hist.Ping(ctx))

	statuses := s.monitor.GetAll()
	deps := make(map[string]bool, len(statuses))
	for name, st := range statuses {
		deps[name] = st.IsHealthy()
	}

	aggregate := s.monitor.AggregateHealth("coldchain")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       aggregate.Status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	records, err := s.assets.ListAll(r.Context())
	if err != nil {
		s.writeError(w, statusForError(err), "failed to list assets")
		return
	}

	stateFilter := r.URL.Query().Get("state")
	typeFilter := r.URL.Query().Get("asset_type")

	filtered := make([]store.AssetRecord, 0, len(records))
	for _, rec := range records {
		if stateFilter != "" && string(rec.State) != stateFilter {
			continue
		}
		if typeFilter != "" && rec.AssetType != typeFilter {
			continue
		}
		filtered = append(filtered, rec)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"assets": filtered,
		"count":  len(filtered),
	})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")

	rec, err := s.assets.Get(r.Context(), assetID)
	if err != nil {
		if errors.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "asset not found: "+assetID)
			return
		}
		s.writeError(w, statusForError(err), "failed to fetch asset")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

// parseHours validates the hours query parameter against the retention
// window. Absent means the default lookback.
func parseHours(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return defaultHistoryHours, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 1 || hours > maxHistoryHours {
		return 0, errors.WrapInvalid(errors.ErrInvalidHoursRange, "gateway", "parseHours", raw)
	}
	return hours, nil
}

func (s *Server) handleAssetHistory(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")

	hours, err := parseHours(r)
	if err != nil {
		s.writeError(w, statusForError(err), errors.ErrInvalidHoursRange.Error())
		return
	}

	entries, err := s.hist.AssetHistory(r.Context(), assetID, hours, history.DefaultTelemetryLimit)
	if err != nil {
		s.writeError(w, statusForError(err), "failed to query history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": assetID,
		"hours":    hours,
		"count":    len(entries),
		"entries":  entries,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("asset_id")

	if raw := r.URL.Query().Get("active_only"); raw != "" {
		activeOnly, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "active_only must be a boolean")
			return
		}
		if activeOnly {
			alerts, err := s.activeAlerts(r.Context(), assetID)
			if err != nil {
				s.writeError(w, statusForError(err), "failed to list active alerts")
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]any{
				"alerts": alerts,
				"count":  len(alerts),
			})
			return
		}
	}

	hours, err := parseHours(r)
	if err != nil {
		s.writeError(w, statusForError(err), errors.ErrInvalidHoursRange.Error())
		return
	}

	query := history.AlertQuery{
		AssetID: assetID,
		Hours:   hours,
		Limit:   history.DefaultAlertLimit,
	}
	if raw := r.URL.Query().Get("acknowledged"); raw != "" {
		acked, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "acknowledged must be a boolean")
			return
		}
		query.Acknowledged = &acked
	}

	entries, err := s.hist.Alerts(r.Context(), query)
	if err != nil {
		s.writeError(w, statusForError(err), "failed to query alert history")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": entries,
		"hours":  hours,
		"count":  len(entries),
	})
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.activeAlerts(r.Context(), "")
	if err != nil {
		s.writeError(w, statusForError(err), "failed to list active alerts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := r.PathValue("id")

	if err := s.hist.Acknowledge(r.Context(), alertID); err != nil {
		if errors.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "alert not found or already acknowledged: "+alertID)
			return
		}
		s.writeError(w, statusForError(err), "failed to acknowledge alert")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alert_id":     alertID,
		"acknowledged": true,
	})
}

func (s *Server) activeAlerts(ctx context.Context, assetID string) ([]store.Alert, error) {
	alerts, err := s.alerts.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if assetID == "" {
		return alerts, nil
	}
	filtered := make([]store.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.AssetID == assetID {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// handleStats derives counts from a full scan rather than the running
// counters, which only accumulate transitions.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := s.assets.ListAll(ctx)
	if err != nil {
		s.writeError(w, statusForError(err), "failed to list assets")
		return
	}

	stateCounts := map[string]int{
		string(telemetry.StateNormal):   0,
		string(telemetry.StateWarning):  0,
		string(telemetry.StateCritical): 0,
	}
	assetTypes := map[string]int{
		telemetry.AssetTypeTruck: 0,
		telemetry.AssetTypeRoom:  0,
	}
	for _, rec := range records {
		stateCounts[string(rec.State)]++
		assetTypes[rec.AssetType]++
	}

	active, err := s.alerts.ListActive(ctx)
	if err != nil {
		s.writeError(w, statusForError(err), "failed to list active alerts")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_assets":  len(records),
		"state_counts":  stateCounts,
		"asset_types":   assetTypes,
		"active_alerts": len(active),
		"updated_at":    time.Now().UTC(),
	})
}
