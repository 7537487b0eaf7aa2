package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

type Metrics struct {
	// Latency: время запроса проверки (без ожидания соединения)
	ProbeDuration *prometheus.HistogramVec

	// Traffic: проверки по исходу (success, failure, disabled)
	ProbesTotal *prometheus.CounterVec

	// Errors: классификация отказов по регионам
	ErrorTotal *prometheus.CounterVec

	// Load: операции нагрузочных прогонов
	LoadTestOps  *prometheus.CounterVec
	LoadTestRuns *prometheus.CounterVec

	// Saturation: соединения пула (in_use, idle, total, max)
	PoolConnections *prometheus.GaugeVec

	// Текущее значение флагов (0: выключен, 1: включен)
	FlagState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ProbeDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regiondash_probe_duration_seconds",
			Help:    "Histogram of probe query latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"region"}),

		ProbesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "regiondash_probes_total",
			Help: "Total number of region probes by outcome.",
		}, []string{"region", "outcome"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "regiondash_errors_total",
			Help: "Total number of classified errors.",
		}, []string{"region", "kind"}), // ConnectRefused, AuthFailed, Timeout, PoolExhausted ...

		LoadTestOps: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "regiondash_load_test_operations_total",
			Help: "Load test operations by result.",
		}, []string{"region", "result"}),

		LoadTestRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "regiondash_load_test_runs_total",
			Help: "Load test runs by outcome.",
		}, []string{"region", "outcome"}),

		PoolConnections: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "regiondash_pool_connections",
			Help: "Connections in the region pool by state.",
		}, []string{"region", "state"}),

		FlagState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "regiondash_flag_enabled",
			Help: "Current value of a feature flag (0=off, 1=on).",
		}, []string{"flag"}),
	}
}

func (m *Metrics) observeProbe(res domain.HealthResult) {
	m.ProbesTotal.WithLabelValues(res.Region, string(res.Outcome)).Inc()
	switch res.Outcome {
	case domain.OutcomeSuccess:
		m.ProbeDuration.WithLabelValues(res.Region).Observe(res.LatencyMs / 1000)
	case domain.OutcomeFailure:
		m.ErrorTotal.WithLabelValues(res.Region, string(res.ErrorKind)).Inc()
	}
}

func (m *Metrics) observeLoadTest(res domain.LoadTestResult) {
	m.LoadTestRuns.WithLabelValues(res.Region, string(res.Outcome)).Inc()
	m.LoadTestOps.WithLabelValues(res.Region, "succeeded").Add(float64(res.Succeeded))
	m.LoadTestOps.WithLabelValues(res.Region, "failed").Add(float64(res.Failed))
	for kind, n := range res.ErrorsByKind {
		m.ErrorTotal.WithLabelValues(res.Region, string(kind)).Add(float64(n))
	}
}

func (m *Metrics) observePool(st domain.PoolStats) {
	m.PoolConnections.WithLabelValues(st.Region, "in_use").Set(float64(st.InUse))
	m.PoolConnections.WithLabelValues(st.Region, "idle").Set(float64(st.Idle))
	m.PoolConnections.WithLabelValues(st.Region, "total").Set(float64(st.Total))
	m.PoolConnections.WithLabelValues(st.Region, "max").Set(float64(st.Max))
}

func (m *Metrics) observeFlag(key string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	m.FlagState.WithLabelValues(key).Set(v)
}
