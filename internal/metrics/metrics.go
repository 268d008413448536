package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pricing engine.
type Metrics struct {
	FetchesTotal  *prometheus.CounterVec // labels: provider, outcome
	PricesServed  *prometheus.CounterVec // labels: series, source
	FreshnessHits *prometheus.CounterVec // labels: series
	EvalDur       *prometheus.HistogramVec
	PollSkips     *prometheus.CounterVec // labels: series
	RetryCount    *prometheus.GaugeVec   // labels: series
	HistoryPoints prometheus.Gauge

	// Redis circuit breaker
	BreakerState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips  prometheus.Counter
	BufferedSaves prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_fetches_total",
			Help: "Provider fetch attempts by outcome",
		}, []string{"provider", "outcome"}),
		PricesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_prices_served_total",
			Help: "Prices returned by series and provenance",
		}, []string{"series", "source"}),
		FreshnessHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_freshness_hits_total",
			Help: "Requests answered from a fresh persisted snapshot",
		}, []string{"series"}),
		EvalDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedengine_eval_duration_seconds",
			Help:    "Full evaluation latency per series",
			Buckets: prometheus.DefBuckets,
		}, []string{"series"}),
		PollSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_poll_skips_total",
			Help: "Poll ticks skipped because an evaluation was in flight",
		}, []string{"series"}),
		RetryCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedengine_retry_count",
			Help: "Current exponential backoff level per series (0 = healthy)",
		}, []string{"series"}),
		HistoryPoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_history_points",
			Help: "Points currently retained in the rolling 24h window",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		BufferedSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_redis_buffered_saves_total",
			Help: "Saves buffered locally during circuit breaker open state",
		}),
	}

	prometheus.MustRegister(
		m.FetchesTotal,
		m.PricesServed,
		m.FreshnessHits,
		m.EvalDur,
		m.PollSkips,
		m.RetryCount,
		m.HistoryPoints,
		m.BreakerState,
		m.BreakerTrips,
		m.BufferedSaves,
	)

	return m
}

// HealthStatus represents the engine health.
type HealthStatus struct {
	mu sync.RWMutex

	LiveProviders  int       `json:"live_providers"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	LastGlobalAt   time.Time `json:"last_global_at"`
	LastGlobalSrc  string    `json:"last_global_source"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetLiveProviders(n int) {
	h.mu.Lock()
	h.LiveProviders = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastGlobal(src string, t time.Time) {
	h.mu.Lock()
	h.LastGlobalSrc = src
	h.LastGlobalAt = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// The engine always serves some price, so overall health reflects the
	// backing stores and data provenance, not request availability.
	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK || h.LastGlobalSrc == "simulated" {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	globalAge := ""
	if !h.LastGlobalAt.IsZero() {
		globalAge = time.Since(h.LastGlobalAt).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		LiveProviders   int     `json:"live_providers"`
		LastGlobalSrc   string  `json:"last_global_source"`
		GlobalAge       string  `json:"global_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LiveProviders:   h.LiveProviders,
		LastGlobalSrc:   h.LastGlobalSrc,
		GlobalAge:       globalAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
