package pool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
)

const simDefaultLatency = 100 * time.Millisecond

// SimDialer имитирует базу для регионов без DSN (демо-режим дашборда).
// Задержка = базовая для региона + случайный джиттер.
type SimDialer struct {
	BaseLatency map[string]time.Duration
	Jitter      time.Duration
}

func (d *SimDialer) Dial(ctx context.Context, region domain.Region) (Conn, error) {
	base, ok := d.BaseLatency[region.Code]
	if !ok {
		base = simDefaultLatency
	}
	return &simConn{region: region, base: base, jitter: d.Jitter, pid: int32(10000 + rand.IntN(40000))}, nil
}

type simConn struct {
	region domain.Region
	base   time.Duration
	jitter time.Duration
	pid    int32
	closed atomic.Bool
}

func (c *simConn) latency() time.Duration {
	if c.jitter <= 0 {
		return c.base
	}
	return c.base + time.Duration(rand.Int64N(int64(c.jitter)))
}

func (c *simConn) wait(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("simulated connection is closed")
	}
	select {
	case <-time.After(c.latency()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *simConn) Ping(ctx context.Context) error { return c.wait(ctx) }

func (c *simConn) QueryRow(ctx context.Context, _ string, _ ...any) pgx.Row {
	return &simRow{conn: c, err: c.wait(ctx)}
}

func (c *simConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *simConn) IsClosed() bool { return c.closed.Load() }

// simRow заполняет назначения правдоподобными значениями по типу.
type simRow struct {
	conn *simConn
	err  error
}

func (r *simRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}

	strs := []string{
		fmt.Sprintf("10.%d.%d.%d", rand.IntN(255)+1, rand.IntN(255)+1, rand.IntN(255)+1),
		"defaultdb",
		"PostgreSQL 16.2 (simulated)",
	}
	ints := []int32{6543, r.conn.pid}
	var si, ii int

	for _, d := range dest {
		switch p := d.(type) {
		case *string:
			if si < len(strs) {
				*p = strs[si]
			}
			si++
		case *int32:
			if ii < len(ints) {
				*p = ints[ii]
			}
			ii++
		case *int64:
			*p = int64(5 + rand.IntN(20))
		case *float64:
			*p = 95 + rand.Float64()*4.5
		case *int:
			*p = 1
		}
	}
	return nil
}
