// Package pooltest содержит управляемые фейки соединений для тестов менеджера пулов,
// проверок здоровья и нагрузочных тестов. Настоящая база не нужна.
package pooltest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
)

var ErrConnClosed = errors.New("pooltest: connection is closed")

// Dialer — фейковый диалер. Поведение задается по коду региона.
type Dialer struct {
	mu        sync.Mutex
	dialErr   map[string]error
	queryErr  map[string]error
	hang      map[string]bool
	delay     time.Duration
	conns     []*Conn
	dials     atomic.Int64
	dialDelay time.Duration
}

func NewDialer() *Dialer {
	return &Dialer{
		dialErr:  make(map[string]error),
		queryErr: make(map[string]error),
		hang:     make(map[string]bool),
	}
}

// FailDial — dial в регион всегда возвращает err.
func (d *Dialer) FailDial(region string, err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr[region] = err
	return d
}

// FailQuery — соединения региона открываются, но запросы падают с err.
func (d *Dialer) FailQuery(region string, err error) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryErr[region] = err
	return d
}

// Hang — запросы региона висят до отмены контекста.
func (d *Dialer) Hang(region string) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hang[region] = true
	return d
}

// WithQueryDelay — каждый запрос занимает delay.
func (d *Dialer) WithQueryDelay(delay time.Duration) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
	return d
}

func (d *Dialer) WithDialDelay(delay time.Duration) *Dialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialDelay = delay
	return d
}

func (d *Dialer) Dial(ctx context.Context, region domain.Region) (pool.Conn, error) {
	d.dials.Add(1)

	d.mu.Lock()
	err := d.dialErr[region.Code]
	dialDelay := d.dialDelay
	c := &Conn{
		region:   region.Code,
		delay:    d.delay,
		queryErr: d.queryErr[region.Code],
		hang:     d.hang[region.Code],
	}
	d.mu.Unlock()

	if dialDelay > 0 {
		select {
		case <-time.After(dialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials — сколько раз вызывался Dial.
func (d *Dialer) Dials() int64 { return d.dials.Load() }

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Conn — фейковое соединение.
type Conn struct {
	region   string
	delay    time.Duration
	queryErr error
	hang     bool
	closed   atomic.Bool
	queries  atomic.Int64
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (c *Conn) roundTrip(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.queries.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if c.hang {
		<-ctx.Done()
		// Как pgx: отмена посреди запроса убивает соединение
		c.closed.Store(true)
		return ctx.Err()
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			c.closed.Store(true)
			return ctx.Err()
		}
	}
	return c.queryErr
}

func (c *Conn) Ping(ctx context.Context) error { return c.roundTrip(ctx) }

func (c *Conn) QueryRow(ctx context.Context, _ string, _ ...any) pgx.Row {
	return row{err: c.roundTrip(ctx)}
}

func (c *Conn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Break имитирует обрыв соединения на стороне сервера.
func (c *Conn) Break() { c.closed.Store(true) }

func (c *Conn) Queries() int64 { return c.queries.Load() }

// MaxConcurrent — максимум одновременных запросов через это соединение (должен быть 1).
func (c *Conn) MaxConcurrent() int32 { return c.maxSeen.Load() }

type row struct{ err error }

func (r row) Scan(...any) error { return r.err }
