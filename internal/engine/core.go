package engine

/*
Core — фасад ядра дашборда. Через него идут все операции транспорта (HTTP):

- проверка соединения и здоровья региона (Prober);
- нагрузочный прогон (Runner);
- опрос всех регионов сразу (aggregate.CollectAll);
- панель флагов и их переключение.

Core же держит жизненный цикл: Startup открывает пулы включенных регионов,
Shutdown закрывает все. Выключение региона флагом закрывает его пул, включение: открывает заново.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/xela07ax/multiregion-dashboard/internal/aggregate"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"github.com/xela07ax/multiregion-dashboard/internal/loadtest"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"github.com/xela07ax/multiregion-dashboard/internal/probe"
	"github.com/xela07ax/multiregion-dashboard/internal/registry"
	"go.uber.org/zap"
)

// DeniedByConfig — регион выключен в конфиге (enabled: false), флаги не спрашиваем.
const DeniedByConfig = "config"

type Core struct {
	registry *registry.Registry
	pools    *pool.Manager
	gate     flags.Gate
	prober   *probe.Prober
	runner   *loadtest.Runner
	metrics  *Metrics
	logger   *zap.Logger

	regionTimeout  time.Duration
	connectTimeout time.Duration
	loadDefaults   loadtest.Params
	refreshSecs    int

	// Фоновое открытие/закрытие пулов по сигналам флагов
	bg      conc.WaitGroup
	bgMu    sync.Mutex
	closing bool // после Shutdown сигналы флагов пулы не трогают

	// Замок на регион: Open и Close одного пула идут строго по очереди
	lifecycle map[string]*sync.Mutex
}

func NewCore(cfg *infra.Config, reg *registry.Registry, pools *pool.Manager, gate flags.Gate, metrics *Metrics, logger *zap.Logger) *Core {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	logger = logger.Named("core")

	c := &Core{
		registry:       reg,
		pools:          pools,
		gate:           gate,
		prober:         probe.New(probe.ConfigFrom(cfg.Probe), pools, gate, logger),
		runner:         loadtest.New(loadtest.ConfigFrom(cfg.LoadTest), pools, gate, logger),
		metrics:        metrics,
		logger:         logger,
		regionTimeout:  cfg.Probe.RegionTimeout,
		connectTimeout: cfg.Pool.ConnectTimeout,
		loadDefaults: loadtest.Params{
			Concurrency: cfg.LoadTest.DefaultConcurrency,
			Duration:    cfg.LoadTest.DefaultDuration,
			Iterations:  cfg.LoadTest.DefaultIterations,
		},
		refreshSecs: cfg.Flags.RefreshSeconds,
		lifecycle:   make(map[string]*sync.Mutex, reg.Len()),
	}
	if c.refreshSecs <= 0 {
		c.refreshSecs = domain.DefaultRefreshSeconds
	}
	for _, r := range reg.List() {
		c.lifecycle[r.Code] = &sync.Mutex{}
	}
	gate.Subscribe(c.onFlagChange)
	return c
}

// Startup запускает флаги и параллельно открывает пулы включенных регионов.
// Отказ отдельного региона логируется, но старт не прерывает.
func (c *Core) Startup(ctx context.Context) error {
	if err := c.gate.Start(ctx); err != nil {
		c.logger.Warn("feature flags backend unavailable, using fallback values", zap.Error(err))
	}

	panel := c.gate.Snapshot(ctx, nil)
	for key, v := range panel {
		c.metrics.observeFlag(key, v)
	}

	var wg conc.WaitGroup
	for _, region := range c.registry.List() {
		if !region.Enabled || !panel[region.FlagKey()] {
			c.logger.Info("region disabled, pool not opened", zap.String("region", region.Code))
			continue
		}
		wg.Go(func() {
			if err := c.pools.Open(ctx, region); err != nil {
				c.logger.Warn("failed to open region pool",
					zap.String("region", region.Code),
					zap.String("kind", string(domain.KindOf(err))),
					zap.Error(err))
				return
			}
			c.metrics.observePool(c.pools.Stats(region.Code))
		})
	}
	wg.Wait()

	c.logger.Info("core started",
		zap.Int("regions", c.registry.Len()),
		zap.Strings("open", c.pools.OpenRegions()),
		zap.String("flags_mode", c.gate.Mode()))
	return nil
}

// Shutdown останавливает флаги и закрывает все пулы. Уже закрытые пулы не мешают.
// Сигналы флагов, пришедшие после начала остановки, игнорируются.
func (c *Core) Shutdown(ctx context.Context) error {
	c.bgMu.Lock()
	c.closing = true
	c.bgMu.Unlock()

	if err := c.gate.Close(); err != nil {
		c.logger.Warn("failed to stop feature flags", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		c.pools.CloseAll()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("core stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("shutdown timed out waiting for leased connections", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (c *Core) TestConnection(ctx context.Context, code string) (domain.HealthResult, error) {
	region, err := c.registry.Get(code)
	if err != nil {
		return domain.HealthResult{}, err
	}
	return c.probe(ctx, region), nil
}

// Health — проверка соединения плюс состояние пула и метрики базы (если регион отвечает).
func (c *Core) Health(ctx context.Context, code string) (domain.HealthReport, error) {
	region, err := c.registry.Get(code)
	if err != nil {
		return domain.HealthReport{}, err
	}

	report := domain.HealthReport{Result: c.probe(ctx, region)}
	if report.Result.OK() {
		db, err := c.prober.Metrics(ctx, region)
		if err != nil {
			c.logger.Debug("db metrics unavailable", zap.String("region", code), zap.Error(err))
		} else {
			report.DB = db
		}
	}
	report.Pool = c.pools.Stats(code)
	c.metrics.observePool(report.Pool)
	return report, nil
}

// LoadTestDefaults — параметры прогона из конфига для незаданных полей запроса.
func (c *Core) LoadTestDefaults() loadtest.Params { return c.loadDefaults }

func (c *Core) LoadTest(ctx context.Context, code string, p loadtest.Params) (domain.LoadTestResult, error) {
	region, err := c.registry.Get(code)
	if err != nil {
		return domain.LoadTestResult{}, err
	}
	if !region.Enabled {
		if err := p.Validate(loadtest.Config{}); err != nil {
			return domain.LoadTestResult{}, domain.ErrInvalidParameter(code, err)
		}
		return domain.LoadTestResult{
			Region:      code,
			Outcome:     domain.OutcomeDisabled,
			Concurrency: p.Concurrency,
			Duration:    p.Duration,
			Iterations:  p.Iterations,
			DeniedBy:    DeniedByConfig,
			Timestamp:   time.Now(),
		}, nil
	}

	res, err := c.runner.Run(ctx, region, p)
	if err != nil {
		return res, err
	}
	c.metrics.observeLoadTest(res)
	c.metrics.observePool(c.pools.Stats(code))
	return res, nil
}

// AllResults опрашивает все регионы параллельно, каждый со своим таймаутом.
func (c *Core) AllResults(ctx context.Context) map[string]domain.HealthResult {
	return aggregate.CollectAll(ctx, c.registry.List(), c.regionTimeout,
		aggregate.Op[domain.HealthResult](c.probe),
		func(region domain.Region, err error) domain.HealthResult {
			res := domain.FailedHealth(region.Code, err)
			c.metrics.observeProbe(res)
			return res
		})
}

func (c *Core) FlagPanel(ctx context.Context) domain.FlagPanel {
	return domain.FlagPanel{
		Mode:           c.gate.Mode(),
		Flags:          c.gate.Snapshot(ctx, nil),
		RefreshSeconds: c.refreshSecs,
	}
}

func (c *Core) Regions(ctx context.Context) []domain.RegionStatus {
	regions := c.registry.List()
	keys := make([]string, 0, len(regions))
	for _, r := range regions {
		keys = append(keys, r.FlagKey())
	}
	snap := c.gate.Snapshot(ctx, keys)

	out := make([]domain.RegionStatus, 0, len(regions))
	for _, r := range regions {
		st := c.pools.Stats(r.Code)
		c.metrics.observePool(st)
		out = append(out, domain.RegionStatus{
			Region:     r,
			Enabled:    r.Enabled && snap[r.FlagKey()],
			Configured: r.Configured(),
			Pool:       st,
		})
	}
	return out
}

func (c *Core) ToggleFlag(ctx context.Context, key string) (bool, error) {
	v, err := c.gate.Toggle(ctx, key)
	if err != nil {
		return false, err
	}
	c.logger.Info("flag toggled", zap.String("flag", key), zap.Bool("enabled", v))
	return v, nil
}

// SetRegionEnabled включает или выключает регион флагом. Пул реагирует через подписку на флаги.
func (c *Core) SetRegionEnabled(ctx context.Context, code string, enabled bool) error {
	region, err := c.registry.Get(code)
	if err != nil {
		return err
	}
	return c.gate.Set(ctx, region.FlagKey(), enabled)
}

func (c *Core) probe(ctx context.Context, region domain.Region) domain.HealthResult {
	var res domain.HealthResult
	if !region.Enabled {
		res = domain.DisabledHealth(region.Code, DeniedByConfig)
	} else {
		res = c.prober.Probe(ctx, region)
	}
	c.metrics.observeProbe(res)
	return res
}

// onFlagChange приводит пул региона в соответствие с его флагом.
// Работа уходит в фон: Close ждет возврата выданных соединений.
func (c *Core) onFlagChange(key string, enabled bool) {
	c.metrics.observeFlag(key, enabled)

	region, ok := c.regionByFlag(key)
	if !ok || !region.Enabled {
		return
	}

	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closing {
		return
	}
	c.bg.Go(func() { c.reconcile(region) })
}

// reconcile перечитывает флаг под замком региона и открывает или закрывает пул.
// Значение из сигнала не используется: пока ждали замок, флаг мог смениться снова.
func (c *Core) reconcile(region domain.Region) {
	mu := c.lifecycle[region.Code]
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout+time.Second)
	defer cancel()

	if !c.gate.Evaluate(ctx, region.FlagKey(), true) {
		c.pools.Close(region.Code)
		c.metrics.observePool(c.pools.Stats(region.Code))
		return
	}

	if err := c.pools.Open(ctx, region); err != nil {
		c.logger.Warn("failed to reopen region pool", zap.String("region", region.Code), zap.Error(err))
		return
	}
	c.metrics.observePool(c.pools.Stats(region.Code))
}

func (c *Core) regionByFlag(key string) (domain.Region, bool) {
	for _, r := range c.registry.List() {
		if r.FlagKey() == key {
			return r, true
		}
	}
	return domain.Region{}, false
}
