package flags

/*
LiveGate хранит флаги в Redis (HASH regiondash:flags) и раздает изменения через Pub/Sub.

- Каждое чтение идет через circuit breaker с коротким таймаутом: упавший Redis
  не должен тормозить проверки здоровья.
- Если Redis недоступен или breaker открыт, отдаем последнее увиденное значение флага,
  а если его нет: демо-значение по умолчанию.
- Отсутствующее в хеше поле: это не сбой. Отдаем значение по умолчанию из конфига,
  def вызывающего только для флагов, которых конфиг не знает.
- Любое чтение, увидевшее новое значение, сразу оповещает подписчиков:
  кэш последних значений и подписчики не расходятся.
*/

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"go.uber.org/zap"
)

const defaultEvalTimeout = 500 * time.Millisecond

type LiveGate struct {
	notifier

	rdb         *redis.Client
	cb          *gobreaker.CircuitBreaker
	logger      *zap.Logger
	evalTimeout time.Duration
	defaults    map[string]bool

	mu        sync.RWMutex
	lastKnown map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewLiveGate(cfg infra.FlagsConfig, defaults map[string]bool, rdb *redis.Client, logger *zap.Logger) *LiveGate {
	logger = logger.Named("flags")

	evalTimeout := cfg.EvalTimeout
	if evalTimeout <= 0 {
		evalTimeout = defaultEvalTimeout
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "flags-redis",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// redis.Nil — нормальный ответ "поля нет"
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("flag backend breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	d := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}

	return &LiveGate{
		rdb:         rdb,
		cb:          cb,
		logger:      logger,
		evalTimeout: evalTimeout,
		defaults:    d,
		lastKnown:   make(map[string]bool),
	}
}

func (g *LiveGate) Mode() string { return ModeLive }

func (g *LiveGate) Evaluate(ctx context.Context, key string, def bool) bool {
	v, err := g.fetch(ctx, key)
	switch {
	case err == nil:
		g.observe(key, v)
		return v
	case errors.Is(err, redis.Nil):
		return g.defaultOf(key, def)
	}

	fb := g.fallback(key, def)
	g.logger.Debug("flag backend unavailable, using fallback",
		zap.String("flag", key), zap.Bool("value", fb), zap.Error(err))
	return fb
}

// Snapshot читает хеш одним запросом. Пустой keys означает все известные флаги.
func (g *LiveGate) Snapshot(ctx context.Context, keys []string) map[string]bool {
	if len(keys) == 0 {
		keys = sortedKeys(g.defaults)
	}

	out := make(map[string]bool, len(keys))
	all, err := g.fetchAll(ctx)
	if err != nil {
		g.logger.Debug("flag snapshot degraded to fallback values", zap.Error(err))
		for _, k := range keys {
			out[k] = g.fallback(k, true)
		}
		return out
	}

	for _, k := range keys {
		raw, ok := all[k]
		if !ok {
			out[k] = g.defaultOf(k, true)
			continue
		}
		v := parseFlag(raw)
		g.observe(k, v)
		out[k] = v
	}
	return out
}

func (g *LiveGate) Toggle(ctx context.Context, key string) (bool, error) {
	if _, ok := g.defaults[key]; !ok {
		return false, errUnknownFlag(key)
	}
	next := !g.Evaluate(ctx, key, g.defaults[key])
	if err := g.Set(ctx, key, next); err != nil {
		return false, err
	}
	return next, nil
}

// Set пишет значение в хеш и публикует сигнал для остальных инстансов.
func (g *LiveGate) Set(ctx context.Context, key string, enabled bool) error {
	if _, ok := g.defaults[key]; !ok {
		return errUnknownFlag(key)
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.evalTimeout)
		defer cancel()
		_, err := g.rdb.TxPipelined(cctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(cctx, infra.RedisKeyFlags, key, strconv.FormatBool(enabled))
			pipe.Publish(cctx, infra.RedisChanFlagUpdates, encodeSignal(key, enabled))
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}

	g.observe(key, enabled)
	return nil
}

// Start заполняет хеш значениями по умолчанию и запускает слушателя обновлений.
// Ошибка заполнения не фатальна: слушатель досинхронизирует состояние при переподключении.
func (g *LiveGate) Start(ctx context.Context) error {
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.done = make(chan struct{})

	seedErr := g.seed(ctx)

	go func() {
		defer close(g.done)
		listenResilient(lctx, g.rdb, g.logger, infra.RedisChanFlagUpdates, g.sync, g.applySignal)
	}()

	if seedErr != nil {
		return fmt.Errorf("seed flags: %w", seedErr)
	}
	return nil
}

func (g *LiveGate) Close() error {
	if g.cancel == nil {
		return nil
	}
	g.cancel()
	<-g.done
	return nil
}

func (g *LiveGate) fetch(ctx context.Context, key string) (bool, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.evalTimeout)
		defer cancel()
		return g.rdb.HGet(cctx, infra.RedisKeyFlags, key).Result()
	})
	if err != nil {
		return false, err
	}
	return parseFlag(res.(string)), nil
}

func (g *LiveGate) fetchAll(ctx context.Context) (map[string]string, error) {
	res, err := g.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, g.evalTimeout)
		defer cancel()
		return g.rdb.HGetAll(cctx, infra.RedisKeyFlags).Result()
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// sync — полная пересинхронизация кэша последних значений (после каждого переподключения).
func (g *LiveGate) sync() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*g.evalTimeout)
	defer cancel()

	all, err := g.rdb.HGetAll(ctx, infra.RedisKeyFlags).Result()
	if err != nil {
		return err
	}
	for k, raw := range all {
		g.observe(k, parseFlag(raw))
	}
	return nil
}

func (g *LiveGate) applySignal(key string, enabled bool) {
	if g.observe(key, enabled) {
		g.logger.Info("flag updated", zap.String("flag", key), zap.Bool("enabled", enabled))
	}
}

// observe запоминает значение и при изменении оповещает подписчиков.
func (g *LiveGate) observe(key string, v bool) bool {
	if !g.remember(key, v) {
		return false
	}
	g.notify(key, v)
	return true
}

// remember сохраняет значение и сообщает, изменилось ли оно.
func (g *LiveGate) remember(key string, v bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	old, seen := g.lastKnown[key]
	g.lastKnown[key] = v
	if seen {
		return old != v
	}
	return g.defaultOf(key, true) != v
}

func (g *LiveGate) fallback(key string, def bool) bool {
	g.mu.RLock()
	v, ok := g.lastKnown[key]
	g.mu.RUnlock()
	if ok {
		return v
	}
	return g.defaultOf(key, def)
}

func (g *LiveGate) defaultOf(key string, def bool) bool {
	if v, ok := g.defaults[key]; ok {
		return v
	}
	return def
}

func parseFlag(raw string) bool {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return raw == "on"
	}
	return v
}
