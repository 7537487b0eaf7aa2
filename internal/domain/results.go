package domain

import (
	"math"
	"time"
)

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeDisabled Outcome = "disabled" // Отдельное состояние, не ошибка
)

// ServerInfo — что сервер рассказал о себе во время проверки соединения.
type ServerInfo struct {
	Address    string `json:"server_ip"`
	Port       int32  `json:"server_port"`
	BackendPID int32  `json:"backend_pid"`
	Database   string `json:"database"`
	Version    string `json:"pg_version"`
}

// HealthResult — результат одной проверки региона. Живет только в рамках ответа.
type HealthResult struct {
	Region    string      `json:"region"`
	Outcome   Outcome     `json:"outcome"`
	LatencyMs float64     `json:"latency_ms"`
	AcquireMs float64     `json:"acquire_ms"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	DeniedBy  string      `json:"denied_by,omitempty"` // Ключ флага, запретившего операцию
	Server    *ServerInfo `json:"server,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func (h HealthResult) OK() bool { return h.Outcome == OutcomeSuccess }

// FailedHealth собирает результат-отказ из классифицированной ошибки.
func FailedHealth(region string, err error) HealthResult {
	return HealthResult{
		Region:    region,
		Outcome:   OutcomeFailure,
		ErrorKind: KindOf(err),
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}

func DisabledHealth(region, flagKey string) HealthResult {
	return HealthResult{
		Region:    region,
		Outcome:   OutcomeDisabled,
		DeniedBy:  flagKey,
		Timestamp: time.Now(),
	}
}

type LatencyStats struct {
	MinMs       float64            `json:"min_ms"`
	MaxMs       float64            `json:"max_ms"`
	AvgMs       float64            `json:"avg_ms"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"` // "p95" -> ms
}

type LoadTestResult struct {
	ID           string            `json:"id"`
	Region       string            `json:"region"`
	Outcome      Outcome           `json:"outcome"`
	Concurrency  int               `json:"concurrency"`
	Duration     time.Duration     `json:"duration"`
	Iterations   int               `json:"iterations"`
	Total        int               `json:"total"`
	Succeeded    int               `json:"succeeded"`
	Failed       int               `json:"failed"`
	ErrorsByKind map[ErrorKind]int `json:"errors_by_kind,omitempty"`
	Latency      LatencyStats      `json:"latency"`
	ElapsedMs    float64           `json:"elapsed_ms"`
	Throughput   float64           `json:"throughput_ops"`
	DeniedBy     string            `json:"denied_by,omitempty"`
	Error        string            `json:"error,omitempty"` // Регион не открылся, ни одной операции не было
	Timestamp    time.Time         `json:"timestamp"`
}

// PoolStats — срез состояния пула региона.
type PoolStats struct {
	Region               string `json:"region"`
	Open                 bool   `json:"open"`
	Total                int32  `json:"total"`
	InUse                int32  `json:"in_use"`
	Idle                 int32  `json:"idle"`
	Max                  int32  `json:"max"`
	AcquireCount         int64  `json:"acquire_count"`
	EmptyAcquireCount    int64  `json:"empty_acquire_count"`
	CanceledAcquireCount int64  `json:"canceled_acquire_count"`
}

// DBMetrics — метрики самой базы (pg_stat_*), а не пула.
type DBMetrics struct {
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	ActiveConnections int64   `json:"active_connections"`
	MaxConnections    int64   `json:"max_connections"`
	SizeMB            float64 `json:"db_size_mb"`
}

// HealthReport — ответ эндпоинта health: проверка + пул + метрики базы.
type HealthReport struct {
	Result HealthResult `json:"result"`
	Pool   PoolStats    `json:"pool"`
	DB     *DBMetrics   `json:"db,omitempty"`
}

// Millis переводит длительность в миллисекунды с точностью до сотых.
func Millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}

// RegionStatus — строка таблицы регионов на дашборде.
type RegionStatus struct {
	Region     Region    `json:"region"`
	Enabled    bool      `json:"enabled"`    // Конфиг и флаг вместе
	Configured bool      `json:"configured"` // false: регион обслуживает симулятор
	Pool       PoolStats `json:"pool"`
}
