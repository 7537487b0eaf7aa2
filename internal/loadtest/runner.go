// Package loadtest — нагрузочный прогон против пула одного региона.
//
// Воркеры независимы: у каждого своя аренда соединения на каждую операцию и своя выборка
// задержек, общее только число оставшихся итераций. Упавшая или паникующая операция
// учитывается как отказ и не останавливает остальных.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const probeSQL = "SELECT 1"

// Pools — то, что Runner'у нужно от менеджера пулов.
type Pools interface {
	Open(ctx context.Context, region domain.Region) error
	WithConnection(ctx context.Context, code string, timeout time.Duration, fn func(ctx context.Context, conn pool.Conn) error) error
}

// Params — параметры прогона. Iterations: общий бюджет на все воркеры, а не на каждый.
// Если заданы и Duration, и Iterations, прогон останавливается по первому сработавшему.
type Params struct {
	Concurrency int           `json:"concurrency"`
	Duration    time.Duration `json:"duration"`
	Iterations  int           `json:"iterations"`
}

func (p Params) Validate(cfg Config) error {
	// Min пропускает нулевые значения, поэтому ноль ловит Required
	concurrency := []validation.Rule{validation.Required, validation.Min(1)}
	if cfg.MaxConcurrency > 0 {
		concurrency = append(concurrency, validation.Max(cfg.MaxConcurrency))
	}
	duration := []validation.Rule{validation.Min(time.Duration(0))}
	if cfg.MaxDuration > 0 {
		duration = append(duration, validation.Max(cfg.MaxDuration))
	}

	if err := validation.ValidateStruct(&p,
		validation.Field(&p.Concurrency, concurrency...),
		validation.Field(&p.Duration, duration...),
		validation.Field(&p.Iterations, validation.Min(0)),
	); err != nil {
		return err
	}
	if p.Duration == 0 && p.Iterations == 0 {
		return errors.New("either duration or iterations must be positive")
	}
	return nil
}

type Config struct {
	MaxConcurrency   int
	MaxDuration      time.Duration
	AcquireTimeout   time.Duration
	QueryTimeout     time.Duration
	RateLimit        float64
	Percentiles      []float64
	PercentileMethod string
}

func ConfigFrom(c infra.LoadTestConfig) Config {
	return Config{
		MaxConcurrency:   c.MaxConcurrency,
		MaxDuration:      c.MaxDuration,
		AcquireTimeout:   c.AcquireTimeout,
		QueryTimeout:     c.QueryTimeout,
		RateLimit:        c.RateLimit,
		Percentiles:      c.Percentiles,
		PercentileMethod: c.PercentileMethod,
	}
}

type Runner struct {
	cfg    Config
	pools  Pools
	gate   flags.Gate
	logger *zap.Logger
}

func New(cfg Config, pools Pools, gate flags.Gate, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, pools: pools, gate: gate, logger: logger.Named("load-test")}
}

// Run выполняет прогон. Ошибка возвращается только для невалидных параметров (InvalidParameter),
// причем до обращения к флагам и пулу. Сбои окружения попадают в результат.
func (r *Runner) Run(ctx context.Context, region domain.Region, p Params) (domain.LoadTestResult, error) {
	if err := p.Validate(r.cfg); err != nil {
		return domain.LoadTestResult{}, domain.ErrInvalidParameter(region.Code, err)
	}

	res := domain.LoadTestResult{
		ID:          uuid.NewString(),
		Region:      region.Code,
		Concurrency: p.Concurrency,
		Duration:    p.Duration,
		Iterations:  p.Iterations,
		Timestamp:   time.Now(),
	}

	if key, ok := r.allowed(ctx, region.Code); !ok {
		res.Outcome = domain.OutcomeDisabled
		res.DeniedBy = key
		return res, nil
	}

	if err := r.pools.Open(ctx, region); err != nil {
		r.logger.Warn("load test aborted: pool unavailable", zap.String("region", region.Code), zap.Error(err))
		res.Outcome = domain.OutcomeFailure
		res.Error = err.Error()
		res.ErrorsByKind = map[domain.ErrorKind]int{domain.KindOf(err): 1}
		return res, nil
	}

	r.logger.Info("load test started",
		zap.String("id", res.ID),
		zap.String("region", region.Code),
		zap.Int("concurrency", p.Concurrency),
		zap.Duration("duration", p.Duration),
		zap.Int("iterations", p.Iterations))

	start := time.Now()
	samples := r.runWorkers(ctx, region.Code, p, start)
	elapsed := time.Since(start)

	var latencies []float64
	for _, s := range samples {
		res.Succeeded += len(s.latencies)
		res.Failed += s.failed
		latencies = append(latencies, s.latencies...)
		for kind, n := range s.errors {
			if res.ErrorsByKind == nil {
				res.ErrorsByKind = make(map[domain.ErrorKind]int)
			}
			res.ErrorsByKind[kind] += n
		}
	}
	res.Total = res.Succeeded + res.Failed
	res.Latency = summarize(latencies, r.cfg.Percentiles, r.cfg.PercentileMethod)
	res.ElapsedMs = domain.Millis(elapsed)
	if elapsed > 0 {
		res.Throughput = round2(float64(res.Total) / elapsed.Seconds())
	}
	res.Outcome = domain.OutcomeFailure
	if res.Succeeded > 0 {
		res.Outcome = domain.OutcomeSuccess
	}

	r.logger.Info("load test finished",
		zap.String("id", res.ID),
		zap.String("region", region.Code),
		zap.Int("total", res.Total),
		zap.Int("failed", res.Failed),
		zap.Float64("avg_ms", res.Latency.AvgMs))
	return res, nil
}

func (r *Runner) allowed(ctx context.Context, code string) (string, bool) {
	for _, key := range []string{domain.RegionFlagKey(code), domain.FlagLoadTesting} {
		if !r.gate.Evaluate(ctx, key, true) {
			return key, false
		}
	}
	return "", true
}

// sample — выборка одного воркера. Пишет в нее только сам воркер.
type sample struct {
	latencies []float64
	failed    int
	errors    map[domain.ErrorKind]int
}

func (s *sample) fail(kind domain.ErrorKind) {
	if s.errors == nil {
		s.errors = make(map[domain.ErrorKind]int)
	}
	s.failed++
	s.errors[kind]++
}

func (r *Runner) runWorkers(ctx context.Context, code string, p Params, start time.Time) []sample {
	var budget *atomic.Int64
	if p.Iterations > 0 {
		budget = new(atomic.Int64)
		budget.Store(int64(p.Iterations))
	}

	var deadline time.Time
	if p.Duration > 0 {
		deadline = start.Add(p.Duration)
	}

	var limiter *rate.Limiter
	if r.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), 1)
	}

	samples := make([]sample, p.Concurrency)
	var wg conc.WaitGroup
	for i := range samples {
		wg.Go(func() {
			r.work(ctx, code, deadline, budget, limiter, &samples[i])
		})
	}
	wg.Wait()
	return samples
}

// work крутит операции, пока не кончится время, бюджет итераций или контекст вызывающего.
// Операция, начатая до дедлайна, доигрывается, ее контекст принадлежит вызывающему.
func (r *Runner) work(ctx context.Context, code string, deadline time.Time, budget *atomic.Int64, limiter *rate.Limiter, s *sample) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return
		}
		if budget != nil && budget.Add(-1) < 0 {
			return
		}
		if limiter != nil && !r.wait(ctx, limiter, deadline) {
			return
		}

		opStart := time.Now()
		var err error
		if rec := panics.Try(func() { err = r.op(ctx, code) }); rec != nil {
			r.logger.Error("load test operation panicked", zap.String("region", code), zap.Any("panic", rec.Value))
			s.fail(domain.KindUnknown)
			continue
		}
		if err != nil {
			s.fail(domain.KindOf(err))
			continue
		}
		s.latencies = append(s.latencies, float64(time.Since(opStart))/float64(time.Millisecond))
	}
}

func (r *Runner) wait(ctx context.Context, limiter *rate.Limiter, deadline time.Time) bool {
	if deadline.IsZero() {
		return limiter.Wait(ctx) == nil
	}
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return limiter.Wait(wctx) == nil
}

// op — одна операция: аренда соединения + SELECT 1. Задержка включает ожидание соединения.
func (r *Runner) op(ctx context.Context, code string) error {
	return r.pools.WithConnection(ctx, code, r.cfg.AcquireTimeout, func(ctx context.Context, conn pool.Conn) error {
		qctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()

		var one int
		if err := conn.QueryRow(qctx, probeSQL).Scan(&one); err != nil {
			return fmt.Errorf("probe query: %w", err)
		}
		return nil
	})
}
