package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck is one dependency probed by /ready
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// MetricsServer serves Prometheus metrics and health probes via HTTP
type MetricsServer struct {
	httpServer      *http.Server
	metrics         *metrics.Metrics
	disk            *diskmanager.DiskManager
	checks          []ReadinessCheck
	shutdownTimeout time.Duration
	logger          *zap.Logger
	stopChan        chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port            int
	Path            string
	ShutdownTimeout time.Duration
}

// NewMetricsServer creates a new metrics server. gatherer is the registry
// the metrics were registered with; disk may be nil.
func NewMetricsServer(
	cfg *MetricsServerConfig,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	disk *diskmanager.DiskManager,
	checks []ReadinessCheck,
	logger *zap.Logger,
) *MetricsServer {
	mux := http.NewServeMux()

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:         m,
		disk:            disk,
		checks:          checks,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
		stopChan:        make(chan struct{}),
	}

	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Handler returns the HTTP handler, for tests and embedding
func (s *MetricsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listener and serves in the background
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("Starting metrics server", zap.String("addr", ln.Addr().String()))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	failures := make(map[string]string)
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}

	body := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.disk != nil {
		body["disk_usage_percent"] = s.disk.GetDiskUsage().UsagePercent
	}

	if len(failures) > 0 {
		s.logger.Warn("Readiness check failed", zap.Any("failures", failures))
		body["status"] = "not_ready"
		body["failures"] = failures
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	var used, available int64
	if s.disk != nil {
		stats := s.disk.GetDiskUsage()
		available = int64(stats.AvailableBytes)
		used = int64(stats.TotalBytes) - available
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(used, available, int64(memStats.Alloc), runtime.NumGoroutine())
}

// DataDirWritable checks that a file can be created in dir
func DataDirWritable(dir string) ReadinessCheck {
	return ReadinessCheck{
		Name: "data_dir",
		Check: func(context.Context) error {
			f, err := os.CreateTemp(dir, ".ready-*")
			if err != nil {
				return err
			}
			name := f.Name()
			f.Close()
			return os.Remove(name)
		},
	}
}

// DiskBelowCircuitBreaker fails while the disk manager refuses writes
func DiskBelowCircuitBreaker(dm *diskmanager.DiskManager) ReadinessCheck {
	return ReadinessCheck{
		Name: "disk",
		Check: func(context.Context) error {
			stats := dm.GetDiskUsage()
			if stats.IsCircuitBroken {
				return fmt.Errorf("disk usage %.2f%% above circuit breaker", stats.UsagePercent)
			}
			return nil
		},
	}
}

// Pinger is anything with a connectivity probe, such as a kv cache client
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reachable fails when p cannot be pinged
func Reachable(name string, p Pinger) ReadinessCheck {
	return ReadinessCheck{
		Name:  name,
		Check: p.Ping,
	}
}
