// Package aggregate собирает результаты по всем регионам параллельно.
// Регионы изолированы: медленный или паникующий регион не задерживает и не роняет остальные.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

// Op — операция над одним регионом. Должна сама уважать ctx.
type Op[T any] func(ctx context.Context, region domain.Region) T

// OnFail строит результат-отказ, когда Op не уложилась в таймаут или запаниковала.
type OnFail[T any] func(region domain.Region, err error) T

// CollectAll запускает op для каждого региона отдельной задачей со своим таймаутом
// и возвращается, когда у каждого региона есть результат.
func CollectAll[T any](ctx context.Context, regions []domain.Region, timeout time.Duration, op Op[T], onFail OnFail[T]) map[string]T {
	var (
		mu  sync.Mutex
		out = make(map[string]T, len(regions))
		wg  conc.WaitGroup
	)

	for _, region := range regions {
		wg.Go(func() {
			v := collectOne(ctx, region, timeout, op, onFail)
			mu.Lock()
			out[region.Code] = v
			mu.Unlock()
		})
	}
	wg.Wait()
	return out
}

func collectOne[T any](ctx context.Context, region domain.Region, timeout time.Duration, op Op[T], onFail OnFail[T]) T {
	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		v   T
		rec *panics.Recovered
	}
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		o.rec = panics.Try(func() { o.v = op(tctx, region) })
		done <- o
	}()

	select {
	case o := <-done:
		if o.rec != nil {
			return onFail(region, domain.NewError(domain.KindUnknown, region.Code, "collect", o.rec.AsError()))
		}
		return o.v
	case <-tctx.Done():
		// Op не уложилась: ее результат больше не нужен, горутина допишет в буферизованный канал и выйдет
		return onFail(region, domain.NewError(domain.KindTimeout, region.Code, "collect",
			fmt.Errorf("no result within %s: %w", timeout, tctx.Err())))
	}
}

// SortByLatency — успешные регионы от быстрого к медленному, затем остальные по коду.
func SortByLatency(results map[string]domain.HealthResult) []domain.HealthResult {
	out := make([]domain.HealthResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OK() != b.OK() {
			return a.OK()
		}
		if a.OK() && a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.Region < b.Region
	})
	return out
}
