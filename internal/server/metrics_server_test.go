package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devrev/guildstore/internal/metrics"
	"github.com/devrev/guildstore/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, checks ...ReadinessCheck) (*MetricsServer, *metrics.Metrics) {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	dm, err := diskmanager.NewDiskManager(diskmanager.DefaultConfig(t.TempDir()), zap.NewNop())
	require.NoError(t, err)

	srv := NewMetricsServer(&MetricsServerConfig{Port: 9090, Path: "/metrics"}, reg, m, dm, checks, zap.NewNop())
	return srv, m
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestReady_AllChecksPass(t *testing.T) {
	dir := t.TempDir()
	srv, _ := newTestServer(t,
		DataDirWritable(dir),
		Reachable("kvcache", pingFunc(func(context.Context) error { return nil })),
	)

	rec, body := get(t, srv.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body, "disk_usage_percent")

	leftovers, err := filepath.Glob(filepath.Join(dir, ".ready-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestReady_ReportsFailures(t *testing.T) {
	srv, _ := newTestServer(t,
		DataDirWritable(filepath.Join(t.TempDir(), "missing")),
		Reachable("kvcache", pingFunc(func(context.Context) error { return errors.New("connection refused") })),
	)

	rec, body := get(t, srv.Handler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])

	failures, ok := body["failures"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, failures, "data_dir")
	assert.Equal(t, "connection refused", failures["kvcache"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, m := newTestServer(t)
	m.RecordLoad(metrics.SourceCanonical)
	srv.updateSystemMetrics()

	rec, _ := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `guildstore_documents_loads_total{source="canonical"} 1`)
	assert.Contains(t, rec.Body.String(), "guildstore_system_goroutines_total")
}
