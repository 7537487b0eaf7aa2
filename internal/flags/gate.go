// Package flags — фича-флаги дашборда: регионы и глобальные выключатели проверок.
//
// Два бэкенда: DemoGate держит значения в памяти процесса, LiveGate читает их из Redis
// и переживает его недоступность, откатываясь на последние известные значения.
// Выбор делается один раз при старте в New.
package flags

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"go.uber.org/zap"
)

const (
	ModeDemo = "demo"
	ModeLive = "live"
)

// Subscriber вызывается при изменении значения флага (локальном или пришедшем из Redis).
type Subscriber func(key string, enabled bool)

// Gate — единая точка принятия решений по флагам.
// Evaluate никогда не возвращает ошибку: при сбое бэкенда отдается значение по умолчанию.
type Gate interface {
	Evaluate(ctx context.Context, key string, def bool) bool
	Snapshot(ctx context.Context, keys []string) map[string]bool
	Mode() string
	Toggle(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, enabled bool) error
	Subscribe(fn Subscriber)
	Start(ctx context.Context) error
	Close() error
}

// Defaults — демо-значения: все известные флаги включены, если конфиг не сказал иначе.
func Defaults(regionCodes []string, overrides map[string]bool) map[string]bool {
	out := map[string]bool{
		domain.FlagHealthMonitoring: true,
		domain.FlagLoadTesting:      true,
	}
	for _, code := range regionCodes {
		out[domain.RegionFlagKey(code)] = true
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// New выбирает бэкенд: LiveGate, если Redis настроен и демо-режим выключен, иначе DemoGate.
func New(cfg infra.FlagsConfig, defaults map[string]bool, rdb *redis.Client, logger *zap.Logger) Gate {
	if rdb == nil || cfg.DemoMode {
		logger.Info("feature flags: demo mode", zap.Int("flags", len(defaults)))
		return NewDemoGate(defaults)
	}
	logger.Info("feature flags: live mode (redis)", zap.Int("flags", len(defaults)))
	return NewLiveGate(cfg, defaults, rdb, logger)
}

func errUnknownFlag(key string) error {
	return domain.ErrInvalidParameter("", fmt.Errorf("unknown flag %q", key))
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type notifier struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func (n *notifier) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *notifier) notify(key string, enabled bool) {
	n.mu.RLock()
	subs := make([]Subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(key, enabled)
	}
}
