package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/multiregion-dashboard/internal/console/handler"
	"github.com/xela07ax/multiregion-dashboard/internal/console/server"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/engine"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"github.com/xela07ax/multiregion-dashboard/internal/pool/pooltest"
	"github.com/xela07ax/multiregion-dashboard/internal/registry"
	"go.uber.org/zap"
)

func newServer(t *testing.T) *server.ConsoleServer {
	t.Helper()

	reg, err := registry.New([]domain.Region{
		{Code: "us-east", Host: "db.us", Enabled: true},
		{Code: "eu-west", Host: "db.eu", Enabled: true},
	})
	require.NoError(t, err)

	cfg := &infra.Config{
		Pool:  infra.PoolConfig{MinConns: 1, MaxConns: 3, AcquireTimeout: time.Second, ConnectTimeout: time.Second},
		Probe: infra.ProbeConfig{AcquireTimeout: time.Second, QueryTimeout: time.Second, RegionTimeout: 2 * time.Second},
		LoadTest: infra.LoadTestConfig{
			DefaultConcurrency: 2, DefaultIterations: 4, MaxConcurrency: 10, MaxDuration: 2 * time.Second,
			AcquireTimeout: time.Second, QueryTimeout: time.Second, Percentiles: []float64{50},
		},
	}

	pools := pool.NewManager(pool.ConfigFrom(cfg.Pool), pooltest.NewDialer(), zap.NewNop())
	gate := flags.NewDemoGate(flags.Defaults(reg.Codes(), nil))
	promReg := prometheus.NewRegistry()
	core := engine.NewCore(cfg, reg, pools, gate, engine.NewMetrics(promReg), zap.NewNop())
	t.Cleanup(func() { _ = core.Shutdown(context.Background()) })

	return server.NewConsoleServer(zap.NewNop(), promReg, handler.NewRegionHandler(core), handler.NewFlagHandler(core))
}

func request(s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := request(newServer(t), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTraceIDHeader(t *testing.T) {
	s := newServer(t)

	rec := request(s, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "abc-123")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Trace-ID"))
}

func TestRegionRoutesEndToEnd(t *testing.T) {
	s := newServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/test-connection/us-east"},
		{http.MethodPost, "/api/regions/us-east/test"},
	} {
		rec := request(s, tc.method, tc.path, "")
		require.Equal(t, http.StatusOK, rec.Code, tc.path)

		var res domain.HealthResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.Equal(t, domain.OutcomeSuccess, res.Outcome, tc.path)
	}

	rec := request(s, http.MethodPost, "/api/regions/eu-west/load-test", `{"iterations": 6}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var lt domain.LoadTestResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&lt))
	assert.Equal(t, 6, lt.Total)
	assert.Equal(t, 2, lt.Concurrency)

	rec = request(s, http.MethodGet, "/api/regions/mars/test", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = request(s, http.MethodPost, "/api/regions/mars/test", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlagRoutesAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := request(s, http.MethodPost, "/api/flags/enable-health-monitoring/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = request(s, http.MethodGet, "/api/test-connection/us-east", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"disabled"`)
	assert.Contains(t, rec.Body.String(), `"denied_by":"enable-health-monitoring"`)

	rec = request(s, http.MethodGet, "/api/flag-panel", "")
	assert.Contains(t, rec.Body.String(), `"enable-health-monitoring":false`)

	rec = request(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `regiondash_probes_total{outcome="disabled",region="us-east"} 1`)
	assert.Contains(t, rec.Body.String(), `regiondash_flag_enabled{flag="enable-health-monitoring"} 0`)
}

func TestAllResultsRoute(t *testing.T) {
	rec := request(newServer(t), http.MethodPost, "/api/regions/test-all", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results map[string]domain.HealthResult `json:"results"`
		Order   []string                       `json:"order"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Results, 2)
	assert.ElementsMatch(t, []string{"us-east", "eu-west"}, body.Order)
}
