package loadtest_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/loadtest"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"github.com/xela07ax/multiregion-dashboard/internal/pool/pooltest"
	"go.uber.org/zap"
)

var asia = domain.Region{Code: "asia-pacific", Host: "db.asia", Enabled: true}

var testCfg = loadtest.Config{
	MaxConcurrency:   50,
	MaxDuration:      10 * time.Second,
	AcquireTimeout:   2 * time.Second,
	QueryTimeout:     time.Second,
	Percentiles:      []float64{50, 95, 99},
	PercentileMethod: loadtest.MethodEmpirical,
}

func newRunner(t *testing.T, d pool.Dialer, maxConns int32) (*loadtest.Runner, *pool.Manager, *flags.DemoGate) {
	t.Helper()
	pools := pool.NewManager(pool.Config{MaxConns: maxConns, ConnectTimeout: time.Second}, d, zap.NewNop())
	t.Cleanup(pools.CloseAll)
	gate := flags.NewDemoGate(flags.Defaults([]string{"asia-pacific"}, nil))
	return loadtest.New(testCfg, pools, gate, zap.NewNop()), pools, gate
}

func TestRunRejectsInvalidParamsBeforeTouchingPool(t *testing.T) {
	cases := map[string]loadtest.Params{
		"zero concurrency":     {Concurrency: 0, Duration: time.Second},
		"negative concurrency": {Concurrency: -1, Iterations: 10},
		"too many workers":     {Concurrency: 51, Iterations: 10},
		"no bound":             {Concurrency: 5},
		"negative duration":    {Concurrency: 5, Duration: -time.Second},
		"negative iterations":  {Concurrency: 5, Iterations: -3},
		"duration over limit":  {Concurrency: 5, Duration: time.Minute},
	}

	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			d := pooltest.NewDialer()
			r, pools, _ := newRunner(t, d, 5)

			_, err := r.Run(context.Background(), asia, p)

			require.Error(t, err)
			assert.Equal(t, domain.KindInvalidParameter, domain.KindOf(err))
			assert.Zero(t, d.Dials())
			assert.Equal(t, domain.PoolStats{Region: "asia-pacific", Max: 5}, pools.Stats("asia-pacific"))
		})
	}
}

func TestRunForDurationCountsAddUp(t *testing.T) {
	d := pooltest.NewDialer().WithQueryDelay(5 * time.Millisecond)
	r, _, _ := newRunner(t, d, 5)

	start := time.Now()
	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 5, Duration: time.Second})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.NotEmpty(t, res.ID)
	assert.Positive(t, res.Total)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)
	assert.GreaterOrEqual(t, res.Latency.MaxMs, res.Latency.AvgMs)
	assert.GreaterOrEqual(t, res.Latency.AvgMs, res.Latency.MinMs)
	assert.GreaterOrEqual(t, res.Latency.MinMs, 5.0)
	assert.Contains(t, res.Latency.Percentiles, "p95")
	assert.Positive(t, res.Throughput)
}

func TestRunIterationsAreATotalBudget(t *testing.T) {
	d := pooltest.NewDialer()
	r, _, _ := newRunner(t, d, 4)

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 4, Iterations: 37})
	require.NoError(t, err)

	assert.Equal(t, 37, res.Total)
	assert.Equal(t, 37, res.Succeeded)
	assert.Zero(t, res.Failed)
}

func TestRunNeverSharesConnections(t *testing.T) {
	d := pooltest.NewDialer().WithQueryDelay(2 * time.Millisecond)
	r, _, _ := newRunner(t, d, 3)

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 8, Iterations: 60})
	require.NoError(t, err)
	assert.Equal(t, 60, res.Succeeded)

	conns := d.Conns()
	require.NotEmpty(t, conns)
	assert.LessOrEqual(t, len(conns), 3)
	for _, c := range conns {
		assert.LessOrEqual(t, c.MaxConcurrent(), int32(1))
	}
}

func TestRunDisabledByFlagDoesNotDial(t *testing.T) {
	d := pooltest.NewDialer()
	r, _, gate := newRunner(t, d, 2)
	require.NoError(t, gate.Set(context.Background(), domain.FlagLoadTesting, false))

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 2, Iterations: 5})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeDisabled, res.Outcome)
	assert.Equal(t, domain.FlagLoadTesting, res.DeniedBy)
	assert.Zero(t, res.Total)
	assert.Zero(t, d.Dials())
}

func TestRunCollectsFailuresByKind(t *testing.T) {
	d := pooltest.NewDialer().FailQuery("asia-pacific", errors.New("relation does not exist"))
	r, _, _ := newRunner(t, d, 2)

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 2, Iterations: 10})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeFailure, res.Outcome)
	assert.Equal(t, 10, res.Failed)
	assert.Equal(t, map[domain.ErrorKind]int{domain.KindUnknown: 10}, res.ErrorsByKind)
	assert.Zero(t, res.Latency.MaxMs)
}

func TestRunPoolOpenFailureIsAResult(t *testing.T) {
	d := pooltest.NewDialer().FailDial("asia-pacific", context.DeadlineExceeded)
	pools := pool.NewManager(pool.Config{MinConns: 1, MaxConns: 2}, d, zap.NewNop())
	t.Cleanup(pools.CloseAll)
	r := loadtest.New(testCfg, pools, flags.NewDemoGate(flags.Defaults(nil, nil)), zap.NewNop())

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 2, Iterations: 4})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeFailure, res.Outcome)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 1, res.ErrorsByKind[domain.KindTimeout])
}

// panickyPools паникует на каждой третьей операции.
type panickyPools struct{ calls atomic.Int64 }

func (p *panickyPools) Open(context.Context, domain.Region) error { return nil }

func (p *panickyPools) WithConnection(ctx context.Context, _ string, _ time.Duration, _ func(context.Context, pool.Conn) error) error {
	if p.calls.Add(1)%3 == 0 {
		panic("driver bug")
	}
	return nil
}

func TestRunSurvivesPanickingOperations(t *testing.T) {
	pp := &panickyPools{}
	r := loadtest.New(testCfg, pp, flags.NewDemoGate(flags.Defaults(nil, nil)), zap.NewNop())

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 3, Iterations: 30})
	require.NoError(t, err)

	assert.Equal(t, 30, res.Total)
	assert.Equal(t, 10, res.Failed)
	assert.Equal(t, 20, res.Succeeded)
	assert.Equal(t, 10, res.ErrorsByKind[domain.KindUnknown])
}

func TestRunStopsOnCallerCancel(t *testing.T) {
	d := pooltest.NewDialer().WithQueryDelay(10 * time.Millisecond)
	r, _, _ := newRunner(t, d, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := r.Run(ctx, asia, loadtest.Params{Concurrency: 2, Duration: 5 * time.Second})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)
}

func TestRunRateLimited(t *testing.T) {
	d := pooltest.NewDialer()
	pools := pool.NewManager(pool.Config{MaxConns: 4}, d, zap.NewNop())
	t.Cleanup(pools.CloseAll)
	cfg := testCfg
	cfg.RateLimit = 50
	r := loadtest.New(cfg, pools, flags.NewDemoGate(flags.Defaults(nil, nil)), zap.NewNop())

	res, err := r.Run(context.Background(), asia, loadtest.Params{Concurrency: 4, Duration: 500 * time.Millisecond})
	require.NoError(t, err)

	// 50 оп/с на полсекунды плюс первый токен
	assert.LessOrEqual(t, res.Total, 30)
	assert.Positive(t, res.Total)
}
