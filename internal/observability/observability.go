// Package observability provides Portal's structured logging setup,
// Prometheus metrics registry, and a health/readiness HTTP endpoint.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewLogger builds Portal's sole structured logger: a JSON handler over
// stderr, matching the teacher's own logging choice rather than
// reaching for a third-party logging library the example pack never uses.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Metrics is Portal's process-wide Prometheus metric set.
type Metrics struct {
	MessagesProcessed *prometheus.CounterVec
	ToolExecutions    prometheus.Counter
	ProcessingErrors  prometheus.Counter
	CircuitState      *prometheus.GaugeVec
	EventBusEvents    prometheus.Counter
	EventBusHandlers  prometheus.Gauge
}

// NewMetrics registers and returns Portal's metric set against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_messages_processed_total",
			Help: "Number of messages processed, labeled by interface.",
		}, []string{"interface"}),
		ToolExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_tool_executions_total",
			Help: "Number of tool executions dispatched by the agent core.",
		}),
		ProcessingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_processing_errors_total",
			Help: "Number of message-processing failures.",
		}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portal_circuit_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=half_open, 2=open).",
		}, []string{"backend"}),
		EventBusEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_event_bus_events_total",
			Help: "Number of events published on the event bus.",
		}),
		EventBusHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portal_event_bus_handlers",
			Help: "Number of currently registered event bus handler subscriptions.",
		}),
	}
	registerer.MustRegister(
		m.MessagesProcessed, m.ToolExecutions, m.ProcessingErrors,
		m.CircuitState, m.EventBusEvents, m.EventBusHandlers,
	)
	return m
}

// CircuitStateValue maps a breaker state string onto the gauge encoding
// documented on Metrics.CircuitState.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// HealthReporter supplies the live data the /healthz handler reports.
type HealthReporter interface {
	Uptime() time.Duration
	CircuitBreakerStates() map[string]string
}

// Server exposes /metrics and /healthz on a dedicated listener,
// separate from any interface-facing HTTP surface.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        *slog.Logger
}

// Start begins serving /metrics and /healthz on addr. An empty addr
// disables the server entirely (returns nil, nil).
func Start(addr string, reporter HealthReporter, log *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthzHandler(reporter))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s := &Server{httpServer: httpServer, listener: listener, log: log}

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("observability server error", "error", err)
		}
	}()
	log.Info("observability server started", "addr", addr)

	return s, nil
}

func healthzHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]any{"status": "ok"}
		if reporter != nil {
			payload["uptime_seconds"] = reporter.Uptime().Seconds()
			payload["circuit_breaker_states"] = reporter.CircuitBreakerStates()
		}
		data, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(data)
	}
}

// Stop gracefully shuts down the observability server within ctx.
func (s *Server) Stop(ctx context.Context) {
	if s == nil || s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("observability server shutdown error", "error", err)
	}
}
