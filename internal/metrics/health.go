package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is anything whose reachability the liveness checker pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	StoreBackend   string
	StoreReachable bool
	StoreLatencyMs float64
	LastCandleAt   time.Time
	LastCheckAt    time.Time
	StartedAt      time.Time

	activeStreams func() int
}

// NewHealthStatus returns a health status for the given store backend.
// activeStreams may be nil.
func NewHealthStatus(backend string, activeStreams func() int) *HealthStatus {
	return &HealthStatus{
		StoreBackend:  backend,
		StartedAt:     time.Now(),
		activeStreams: activeStreams,
	}
}

func (h *HealthStatus) SetStoreReachable(v bool) {
	h.mu.Lock()
	h.StoreReachable = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleAt = t
	h.mu.Unlock()
}

// CheckStore pings the store and records latency and reachability.
func (h *HealthStatus) CheckStore(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		slog.Warn("store liveness check failed", "backend", h.StoreBackend, "error", err)
	}

	h.mu.Lock()
	h.StoreReachable = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker pings the store immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, p Pinger, interval time.Duration) {
	go func() {
		check := func() {
			checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			h.CheckStore(checkCtx, p)
			cancel()
		}
		check()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

type healthBody struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	StoreBackend   string  `json:"store_backend"`
	StoreReachable bool    `json:"store_reachable"`
	StoreLatencyMs float64 `json:"store_latency_ms"`
	ActiveStreams  int     `json:"active_streams"`
	LastCandleAt   string  `json:"last_candle_at,omitempty"`
	LastCheckAt    string  `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.activeStreams != nil {
		active = h.activeStreams()
	}

	h.mu.RLock()
	body := healthBody{
		Status:         "healthy",
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		StoreBackend:   h.StoreBackend,
		StoreReachable: h.StoreReachable,
		StoreLatencyMs: h.StoreLatencyMs,
		ActiveStreams:  active,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}
	if !h.LastCandleAt.IsZero() {
		body.LastCandleAt = h.LastCandleAt.Format(time.RFC3339)
	}
	h.mu.RUnlock()

	code := http.StatusOK
	if !body.StoreReachable {
		body.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server serving metrics from g.
func NewServer(addr string, health *HealthStatus, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks serving until Shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("metrics server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
