// Package httpapi serves the hub agent's observability endpoints:
// health, channel state, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/m-mcgowan/usb-device/internal/hubagent"
	"github.com/m-mcgowan/usb-device/internal/metrics"
)

type Handler struct {
	log   zerolog.Logger
	agent *hubagent.Agent
	m     *metrics.Metrics
}

func NewHandler(log zerolog.Logger, agent *hubagent.Agent, m *metrics.Metrics) *Handler {
	return &Handler{log: log, agent: agent, m: m}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(h.accessLog)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/statusz", h.handleStatusz)
	r.Method(http.MethodGet, "/metrics", h.m.Handler())

	return r
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		h.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	port, location := h.agent.HubInfo()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hub_port":     port,
		"hub_location": location,
		"channels":     h.agent.Snapshot(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
