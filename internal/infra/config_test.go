package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	// В каталоге пакета нет config.yaml: работаем на дефолтах
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, int32(1), cfg.Pool.MinConns)
	assert.Equal(t, int32(10), cfg.Pool.MaxConns)
	assert.Equal(t, 10*time.Second, cfg.Pool.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Probe.QueryTimeout)
	assert.Equal(t, 10, cfg.LoadTest.DefaultConcurrency)
	assert.Equal(t, []float64{50, 95, 99}, cfg.LoadTest.Percentiles)
	assert.True(t, cfg.Flags.DemoMode)
	assert.Equal(t, 30, cfg.Flags.RefreshSeconds)
	assert.True(t, cfg.Demo.SimulateUnconfigured)

	require.Len(t, cfg.Regions, 3)
	assert.Equal(t, "us-east", cfg.Regions[0].Code)
	assert.Equal(t, "AIVEN_PG_EU_WEST", cfg.Regions[1].DSNEnv)
	assert.True(t, cfg.Regions[2].Enabled)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("LOGGER_FORMAT", "console")
	t.Setenv("PROBE_QUERY_TIMEOUT", "750ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 750*time.Millisecond, cfg.Probe.QueryTimeout)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("LOAD_TEST_PERCENTILE_METHOD", "nearest")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Port: 8000},
		Regions: []RegionConfig{{Code: "us-east"}},
		Pool:    PoolConfig{MinConns: 1, MaxConns: 10, AcquireTimeout: time.Second, ConnectTimeout: time.Second},
		Probe:   ProbeConfig{AcquireTimeout: time.Second, QueryTimeout: time.Second, RegionTimeout: time.Second},
		LoadTest: LoadTestConfig{
			DefaultConcurrency: 10, MaxConcurrency: 100, MaxDuration: time.Minute,
			AcquireTimeout: time.Second, QueryTimeout: time.Second,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no regions", func(c *Config) { c.Regions = nil }, true},
		{"region without code", func(c *Config) { c.Regions = []RegionConfig{{Host: "db"}} }, true},
		{"bad role", func(c *Config) { c.Regions[0].Role = "LEADER" }, true},
		{"min above max", func(c *Config) { c.Pool.MinConns = 20 }, true},
		{"zero max conns", func(c *Config) { c.Pool.MaxConns = 0 }, true},
		{"zero query timeout", func(c *Config) { c.Probe.QueryTimeout = 0 }, true},
		{"too many retries", func(c *Config) { c.Probe.Retries = 11 }, true},
		{"default concurrency above max", func(c *Config) { c.LoadTest.DefaultConcurrency = 500 }, true},
		{"percentile out of range", func(c *Config) { c.LoadTest.Percentiles = []float64{50, 101} }, true},
		{"negative rate", func(c *Config) { c.LoadTest.RateLimit = -1 }, true},
		{"bad log level", func(c *Config) { c.Logger.Level = "trace" }, true},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, true},
		{"negative refresh", func(c *Config) { c.Flags.RefreshSeconds = -5 }, true},
		{"refresh above an hour", func(c *Config) { c.Flags.RefreshSeconds = 7200 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, ":8000", ServerConfig{Port: 8000}.Addr())
	assert.Equal(t, "127.0.0.1:9000", ServerConfig{Host: "127.0.0.1", Port: 9000}.Addr())
}
