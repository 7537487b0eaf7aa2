// Package probe — проверка соединения с базой региона: один короткий запрос через пул
// с замером задержки. Prober никогда не отдает ошибку наружу: любой исход становится HealthResult.
package probe

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"go.uber.org/zap"
)

const serverInfoSQL = `
SELECT
	coalesce(inet_server_addr()::text, ''),
	coalesce(inet_server_port(), 0),
	pg_backend_pid(),
	current_database()::text,
	version()`

const (
	cacheHitSQL = `
SELECT coalesce(CASE
	WHEN blks_hit + blks_read = 0 THEN 0
	ELSE round(100.0 * blks_hit / (blks_hit + blks_read), 2)
END, 0)::float8
FROM pg_stat_database
WHERE datname = current_database()`

	connectionsSQL = `
SELECT
	(SELECT count(*) FROM pg_stat_activity),
	(SELECT setting::bigint FROM pg_settings WHERE name = 'max_connections')`

	dbSizeSQL = `SELECT round(pg_database_size(current_database()) / 1024.0 / 1024.0, 2)::float8`
)

// Pools — то, что Prober'у нужно от менеджера пулов.
type Pools interface {
	Open(ctx context.Context, region domain.Region) error
	WithConnection(ctx context.Context, code string, timeout time.Duration, fn func(ctx context.Context, conn pool.Conn) error) error
}

type Config struct {
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
	Retries        int
	RetryDelay     time.Duration
}

func ConfigFrom(c infra.ProbeConfig) Config {
	return Config{
		AcquireTimeout: c.AcquireTimeout,
		QueryTimeout:   c.QueryTimeout,
		Retries:        c.Retries,
		RetryDelay:     c.RetryDelay,
	}
}

type Prober struct {
	cfg    Config
	pools  Pools
	gate   flags.Gate
	logger *zap.Logger
}

func New(cfg Config, pools Pools, gate flags.Gate, logger *zap.Logger) *Prober {
	return &Prober{cfg: cfg, pools: pools, gate: gate, logger: logger.Named("prober")}
}

// Probe проверяет регион. Порядок: флаги, ленивое открытие пула, запрос.
// Выключенный флагом регион не трогает пул вообще.
func (p *Prober) Probe(ctx context.Context, region domain.Region) domain.HealthResult {
	if key, ok := p.allowed(ctx, region.Code); !ok {
		return domain.DisabledHealth(region.Code, key)
	}

	var res domain.HealthResult
	err := p.withRetries(ctx, func() error {
		r, err := p.once(ctx, region)
		res = r
		return err
	})
	if err != nil {
		err = pool.Classify(region.Code, "probe", err)
		p.logger.Debug("probe failed",
			zap.String("region", region.Code),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err))
		failed := domain.FailedHealth(region.Code, err)
		failed.AcquireMs = res.AcquireMs
		return failed
	}
	return res
}

// Metrics снимает pg_stat-метрики базы. Флаги не проверяет: вызывается после успешного Probe.
func (p *Prober) Metrics(ctx context.Context, region domain.Region) (*domain.DBMetrics, error) {
	if err := p.pools.Open(ctx, region); err != nil {
		return nil, err
	}

	var m domain.DBMetrics
	err := p.pools.WithConnection(ctx, region.Code, p.cfg.AcquireTimeout, func(ctx context.Context, conn pool.Conn) error {
		qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()

		if err := conn.QueryRow(qctx, cacheHitSQL).Scan(&m.CacheHitRatio); err != nil {
			return err
		}
		if err := conn.QueryRow(qctx, connectionsSQL).Scan(&m.ActiveConnections, &m.MaxConnections); err != nil {
			return err
		}
		return conn.QueryRow(qctx, dbSizeSQL).Scan(&m.SizeMB)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Prober) allowed(ctx context.Context, code string) (string, bool) {
	for _, key := range []string{domain.RegionFlagKey(code), domain.FlagHealthMonitoring} {
		if !p.gate.Evaluate(ctx, key, true) {
			return key, false
		}
	}
	return "", true
}

func (p *Prober) once(ctx context.Context, region domain.Region) (domain.HealthResult, error) {
	if err := p.pools.Open(ctx, region); err != nil {
		return domain.HealthResult{}, err
	}

	var (
		info    domain.ServerInfo
		acquire time.Duration
		latency time.Duration
	)
	start := time.Now()
	err := p.pools.WithConnection(ctx, region.Code, p.cfg.AcquireTimeout, func(ctx context.Context, conn pool.Conn) error {
		acquire = time.Since(start)

		qctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
		defer cancel()

		qstart := time.Now()
		err := conn.QueryRow(qctx, serverInfoSQL).Scan(&info.Address, &info.Port, &info.BackendPID, &info.Database, &info.Version)
		latency = time.Since(qstart)
		return err
	})
	if err != nil {
		return domain.HealthResult{AcquireMs: domain.Millis(acquire)}, err
	}

	return domain.HealthResult{
		Region:    region.Code,
		Outcome:   domain.OutcomeSuccess,
		LatencyMs: domain.Millis(latency),
		AcquireMs: domain.Millis(acquire),
		Server:    &info,
		Timestamp: time.Now(),
	}, nil
}

// Повторяем только то, что может пройти само: отказ соединения, таймаут, заполненный пул.
func (p *Prober) withRetries(ctx context.Context, fn func() error) error {
	attempts := uint(1)
	if p.cfg.Retries > 0 {
		attempts += uint(p.cfg.Retries)
	}
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(p.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			switch domain.KindOf(err) {
			case domain.KindConnectRefused, domain.KindTimeout, domain.KindPoolExhausted:
				return ctx.Err() == nil
			}
			return false
		}),
	).Do(fn)
}
