package flags

import (
	"context"
	"sync"
)

// DemoGate — флаги в памяти процесса. Переключения не переживают рестарт.
type DemoGate struct {
	notifier

	mu     sync.RWMutex
	values map[string]bool
}

func NewDemoGate(defaults map[string]bool) *DemoGate {
	values := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &DemoGate{values: values}
}

// Evaluate — значение известного флага, иначе def.
func (g *DemoGate) Evaluate(_ context.Context, key string, def bool) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if v, ok := g.values[key]; ok {
		return v
	}
	return def
}

// Snapshot для пустого keys отдает все известные флаги. Неизвестные ключи считаются включенными.
func (g *DemoGate) Snapshot(_ context.Context, keys []string) map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(keys) == 0 {
		keys = sortedKeys(g.values)
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		v, ok := g.values[k]
		out[k] = v || !ok
	}
	return out
}

func (g *DemoGate) Mode() string { return ModeDemo }

// Toggle переключает только известные флаги.
func (g *DemoGate) Toggle(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	v, ok := g.values[key]
	if !ok {
		g.mu.Unlock()
		return false, errUnknownFlag(key)
	}
	v = !v
	g.values[key] = v
	g.mu.Unlock()

	g.notify(key, v)
	return v, nil
}

func (g *DemoGate) Set(_ context.Context, key string, enabled bool) error {
	g.mu.Lock()
	old, ok := g.values[key]
	if !ok {
		g.mu.Unlock()
		return errUnknownFlag(key)
	}
	g.values[key] = enabled
	g.mu.Unlock()

	if old != enabled {
		g.notify(key, enabled)
	}
	return nil
}

func (g *DemoGate) Start(context.Context) error { return nil }

func (g *DemoGate) Close() error { return nil }
