// Package status serves the operator HTTP surface: a process summary, the
// live session table and Prometheus metrics. It is read-only and disabled
// unless a listen address is configured.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/rtprelay/internal/relay"
)

// Provider is what the status server needs from the relay engine.
type Provider interface {
	ActiveSessionCount() int
	SessionsCreated() uint64
	AggregatePacketsForwarded() uint64
	AggregatePacketsDropped() uint64
	AggregateBytesForwarded() uint64
	PortPairsInUse() int
	PortPairCapacity() int
	StartTime() time.Time
	Snapshot() []relay.SessionInfo
}

// Summary is the /status response body.
type Summary struct {
	UptimeSeconds   int64  `json:"uptime_seconds"`
	SessionsActive  int    `json:"sessions_active"`
	SessionsCreated uint64 `json:"sessions_created"`
	PacketsRelayed  uint64 `json:"packets_relayed"`
	PacketsDropped  uint64 `json:"packets_dropped"`
	BytesRelayed    uint64 `json:"bytes_relayed"`
	PortPairsInUse  int    `json:"port_pairs_in_use"`
	PortPairs       int    `json:"port_pair_capacity"`
}

// NewHandler builds the status router. The registry carries the relay
// metrics collector; pass nil to skip the /metrics endpoint.
func NewHandler(p Provider, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	limiter := NewIPRateLimiter(DefaultRateLimitConfig())

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.With("subsystem", "status-http")))
	r.Use(RateLimit(limiter))

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, Summary{
			UptimeSeconds:   int64(time.Since(p.StartTime()).Seconds()),
			SessionsActive:  p.ActiveSessionCount(),
			SessionsCreated: p.SessionsCreated(),
			PacketsRelayed:  p.AggregatePacketsForwarded(),
			PacketsDropped:  p.AggregatePacketsDropped(),
			BytesRelayed:    p.AggregateBytesForwarded(),
			PortPairsInUse:  p.PortPairsInUse(),
			PortPairs:       p.PortPairCapacity(),
		})
	})

	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, p.Snapshot())
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return r
}

// Serve runs the status server until the listener fails or is closed.
func Serve(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("status http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status http server error", "error", err)
		}
	}()
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		})
	}
}
