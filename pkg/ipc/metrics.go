package ipc

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/odvcencio/scribe/pkg/telemetry"
)

var (
	metricEditorConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "server",
		Name:      "editor_connections",
		Help:      "Open editor WebSocket connections.",
	})
	metricEventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Subsystem: "server",
		Name:      "event_clients",
		Help:      "Open event stream WebSocket connections.",
	})
	metricEditorMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "server",
		Name:      "editor_messages_total",
		Help:      "Editor channel messages received, by type.",
	}, []string{"type"})
	metricAutosaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Subsystem: "server",
		Name:      "autosave_failures_total",
		Help:      "Document saves from the editor channel that failed.",
	})
)

// handleMetrics serves Prometheus metrics, behind the server token unless
// server.public_metrics is set.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
		return
	}
	telemetry.Handler().ServeHTTP(w, r)
}
