package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"go.uber.org/zap"
)

// regionPool принадлежит только Manager и наружу не отдается.
type regionPool struct {
	region domain.Region
	p      *puddle.Pool[Conn]

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (rp *regionPool) warm(ctx context.Context, n int32) error {
	for i := int32(0); i < n; i++ {
		if err := rp.p.CreateResource(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (rp *regionPool) close() {
	rp.closeOnce.Do(func() {
		close(rp.stop)
		<-rp.done
		rp.p.Close()
	})
}

// maintain — фоновое обслуживание: выкидывает протухшие idle-соединения и добирает MinConns.
func (rp *regionPool) maintain(m *Manager) {
	defer close(rp.done)

	if m.cfg.HealthCheckPeriod <= 0 {
		<-rp.stop
		return
	}

	ticker := time.NewTicker(m.cfg.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stop:
			return
		case <-ticker.C:
			rp.evictIdle(m)
			rp.ensureMin(m)
		}
	}
}

func (rp *regionPool) evictIdle(m *Manager) {
	evicted := 0
	for _, res := range rp.p.AcquireAllIdle() {
		if res.Value().IsClosed() || m.expired(res) {
			res.Destroy()
			evicted++
			continue
		}
		res.ReleaseUnused()
	}
	if evicted > 0 {
		m.logger.Debug("idle connections evicted", zap.String("region", rp.region.Code), zap.Int("count", evicted))
	}
}

func (rp *regionPool) ensureMin(m *Manager) {
	for rp.p.Stat().TotalResources() < m.cfg.MinConns {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout+time.Second)
		err := rp.p.CreateResource(ctx)
		cancel()
		if err != nil {
			m.logger.Warn("failed to top up pool", zap.String("region", rp.region.Code), zap.Error(err))
			return
		}
	}
}
