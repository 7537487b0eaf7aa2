package pool

/*
Файл manager.go реализует менеджер пулов соединений: ровно один пул на регион.

- Пулы строятся на puddle (то же ядро, что у pgxpool), но поверх абстракции Dialer,
  поэтому один и тот же менеджер работает и с pgx, и с симулятором демо-режима.
- Open идемпотентен: повторный вызов для открытого региона ничего не создает.
- Менеджер никогда не повторяет запросы сам. Политика повторов: у Prober/Runner,
  иначе слепые ретраи внутри пула маскируют каскадные отказы.
- Close закрывает пул «мягко»: puddle ждет возврата всех выданных соединений.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sourcegraph/conc"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
	"go.uber.org/zap"
)

const closeConnTimeout = 5 * time.Second

var errPoolNotOpen = errors.New("pool is not open")

type Config struct {
	MinConns          int32
	MaxConns          int32
	ConnectTimeout    time.Duration
	MaxConnIdleTime   time.Duration
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

func ConfigFrom(c infra.PoolConfig) Config {
	return Config{
		MinConns:          c.MinConns,
		MaxConns:          c.MaxConns,
		ConnectTimeout:    c.ConnectTimeout,
		MaxConnIdleTime:   c.MaxConnIdleTime,
		MaxConnLifetime:   c.MaxConnLifetime,
		HealthCheckPeriod: c.HealthCheckPeriod,
	}
}

type Manager struct {
	cfg    Config
	dialer Dialer
	logger *zap.Logger

	mu    sync.RWMutex
	pools map[string]*regionPool
}

func NewManager(cfg Config, dialer Dialer, logger *zap.Logger) *Manager {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.Named("pool-manager"),
		pools:  make(map[string]*regionPool),
	}
}

// Open поднимает пул региона и прогревает MinConns соединений.
// Пул сохраняется только если прогрев прошел успешно.
func (m *Manager) Open(ctx context.Context, region domain.Region) error {
	if m.lookup(region.Code) != nil {
		return nil
	}

	rp, err := m.newRegionPool(region)
	if err != nil {
		return Classify(region.Code, "open", err)
	}

	if err := rp.warm(ctx, m.cfg.MinConns); err != nil {
		rp.close()
		return Classify(region.Code, "open", err)
	}

	m.mu.Lock()
	if _, exists := m.pools[region.Code]; exists {
		// Параллельный Open успел раньше: наш экземпляр лишний
		m.mu.Unlock()
		rp.close()
		return nil
	}
	m.pools[region.Code] = rp
	m.mu.Unlock()

	m.logger.Info("pool opened",
		zap.String("region", region.Code),
		zap.Int32("min_conns", m.cfg.MinConns),
		zap.Int32("max_conns", m.cfg.MaxConns))
	return nil
}

// Close освобождает все соединения региона. Закрытый или неоткрытый регион пропускается.
func (m *Manager) Close(code string) {
	m.mu.Lock()
	rp := m.pools[code]
	delete(m.pools, code)
	m.mu.Unlock()

	if rp == nil {
		return
	}
	rp.close()
	m.logger.Info("pool closed", zap.String("region", code))
}

// CloseAll закрывает все пулы параллельно: Close блокируется до возврата выданных соединений.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*regionPool)
	m.mu.Unlock()

	var wg conc.WaitGroup
	for code, rp := range pools {
		wg.Go(func() {
			rp.close()
			m.logger.Info("pool closed", zap.String("region", code))
		})
	}
	wg.Wait()
}

func (m *Manager) IsOpen(code string) bool {
	return m.lookup(code) != nil
}

func (m *Manager) OpenRegions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for code := range m.pools {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Acquire ждет свободное соединение не дольше timeout.
// PoolExhausted: пул заполнен до предела; Timeout: истек дедлайн вызывающего или долгий dial;
// PoolClosed — пула нет или его закрыли параллельно.
func (m *Manager) Acquire(ctx context.Context, code string, timeout time.Duration) (*Lease, error) {
	rp := m.lookup(code)
	if rp == nil {
		return nil, domain.NewError(domain.KindPoolClosed, code, "acquire", errPoolNotOpen)
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		res, err := rp.p.Acquire(actx)
		if err != nil {
			return nil, m.acquireError(ctx, actx, rp, code, timeout, err)
		}

		// Протухшие и сломанные соединения выбрасываем и пробуем снова в рамках того же дедлайна
		if res.Value().IsClosed() || m.expired(res) {
			res.Destroy()
			continue
		}
		return &Lease{region: code, res: res, acquiredAt: time.Now()}, nil
	}
}

func (m *Manager) acquireError(parent, actx context.Context, rp *regionPool, code string, timeout time.Duration, err error) error {
	if errors.Is(err, puddle.ErrClosedPool) {
		return domain.NewError(domain.KindPoolClosed, code, "acquire", err)
	}

	// Сработал именно наш таймаут, а не дедлайн вызывающего
	if actx.Err() != nil && parent.Err() == nil {
		st := rp.p.Stat()
		if st.AcquiredResources() >= st.MaxResources() {
			return domain.NewError(domain.KindPoolExhausted, code, "acquire",
				fmt.Errorf("no free connection within %s (%d/%d in use)", timeout, st.AcquiredResources(), st.MaxResources()))
		}
		return domain.NewError(domain.KindTimeout, code, "acquire", err)
	}

	return Classify(code, "acquire", err)
}

// WithConnection — scoped-аренда: соединение возвращается в пул на любом пути выхода из fn.
// Сломанное соединение (таймаут, закрыто драйвером, паника в fn) выбрасывается, а не возвращается.
func (m *Manager) WithConnection(ctx context.Context, code string, timeout time.Duration, fn func(ctx context.Context, conn Conn) error) (err error) {
	lease, err := m.Acquire(ctx, code, timeout)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			lease.Discard()
			panic(r)
		}
		if err != nil && (ctx.Err() != nil || lease.Conn().IsClosed() || domain.IsKind(err, domain.KindTimeout)) {
			lease.Discard()
			return
		}
		lease.Release()
	}()

	if err = fn(ctx, lease.Conn()); err != nil {
		err = Classify(code, "query", err)
	}
	return err
}

// Stats отдает срез состояния пула. Для неоткрытого региона: нули и Open=false.
func (m *Manager) Stats(code string) domain.PoolStats {
	rp := m.lookup(code)
	if rp == nil {
		return domain.PoolStats{Region: code, Max: m.cfg.MaxConns}
	}

	st := rp.p.Stat()
	return domain.PoolStats{
		Region:               code,
		Open:                 true,
		Total:                st.TotalResources(),
		InUse:                st.AcquiredResources(),
		Idle:                 st.IdleResources(),
		Max:                  st.MaxResources(),
		AcquireCount:         st.AcquireCount(),
		EmptyAcquireCount:    st.EmptyAcquireCount(),
		CanceledAcquireCount: st.CanceledAcquireCount(),
	}
}

func (m *Manager) lookup(code string) *regionPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[code]
}

func (m *Manager) expired(res *puddle.Resource[Conn]) bool {
	if m.cfg.MaxConnLifetime > 0 && time.Since(res.CreationTime()) > m.cfg.MaxConnLifetime {
		return true
	}
	return m.cfg.MaxConnIdleTime > 0 && res.IdleDuration() > m.cfg.MaxConnIdleTime
}

func (m *Manager) newRegionPool(region domain.Region) (*regionPool, error) {
	p, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			dctx := ctx
			if m.cfg.ConnectTimeout > 0 {
				var cancel context.CancelFunc
				dctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
				defer cancel()
			}
			conn, err := m.dialer.Dial(dctx, region)
			if err != nil {
				return nil, Classify(region.Code, "dial", err)
			}
			return conn, nil
		},
		Destructor: func(conn Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), closeConnTimeout)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				m.logger.Debug("connection close failed", zap.String("region", region.Code), zap.Error(err))
			}
		},
		MaxSize: m.cfg.MaxConns,
	})
	if err != nil {
		return nil, err
	}

	rp := &regionPool{
		region: region,
		p:      p,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go rp.maintain(m)
	return rp, nil
}
