package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	SourceConnected bool      `json:"source_connected"`
	LastCandleTime  time.Time `json:"last_candle_time"`
	RedisEnabled    bool      `json:"redis_enabled"`
	RedisConnected  bool      `json:"redis_connected"`
	StoreOK         bool      `json:"store_ok"`
	MarketOpen      bool      `json:"market_open"`

	// Liveness probe results
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	StoreLatencyMs float64   `json:"store_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
		StoreOK:   true,
	}
}

func (h *HealthStatus) SetSourceConnected(v bool) {
	h.mu.Lock()
	h.SourceConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	if t.After(h.LastCandleTime) {
		h.LastCandleTime = t
	}
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketOpen(v bool) {
	h.mu.Lock()
	h.MarketOpen = v
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

// CheckStore pings the journal database and records latency + health.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
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
				if db != nil {
					h.CheckStore(probeCtx, db)
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

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.StoreOK || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StoreOK && h.RedisEnabled && !h.RedisConnected {
		overallStatus = "unhealthy"
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		SourceConnected bool    `json:"source_connected"`
		MarketOpen      bool    `json:"market_open"`
		LastCandleTime  string  `json:"last_candle_time"`
		CandleAge       string  `json:"candle_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		StoreOK         bool    `json:"store_ok"`
		StoreLatencyMs  float64 `json:"store_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		SourceConnected: h.SourceConnected,
		MarketOpen:      h.MarketOpen,
		LastCandleTime:  h.LastCandleTime.Format(time.RFC3339),
		CandleAge:       candleAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		StoreOK:         h.StoreOK,
		StoreLatencyMs:  h.StoreLatencyMs,
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
	log    zerolog.Logger
}

// NewServer creates a metrics and health server. gatherer may be nil to use
// the default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.With().Str("component", "metrics").Logger(),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
