package probe_test

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/flags"
	"github.com/xela07ax/multiregion-dashboard/internal/pool"
	"github.com/xela07ax/multiregion-dashboard/internal/pool/pooltest"
	"github.com/xela07ax/multiregion-dashboard/internal/probe"
	"go.uber.org/zap"
)

var euWest = domain.Region{Code: "eu-west", Host: "db.eu-west", Enabled: true}

type fixture struct {
	prober *probe.Prober
	pools  *pool.Manager
	gate   *flags.DemoGate
}

func newFixture(t *testing.T, d pool.Dialer, cfg probe.Config) fixture {
	t.Helper()
	pools := pool.NewManager(pool.Config{MinConns: 1, MaxConns: 2, ConnectTimeout: time.Second}, d, zap.NewNop())
	t.Cleanup(pools.CloseAll)

	gate := flags.NewDemoGate(flags.Defaults([]string{"eu-west"}, nil))
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = time.Second
	}
	return fixture{
		prober: probe.New(cfg, pools, gate, zap.NewNop()),
		pools:  pools,
		gate:   gate,
	}
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestProbeDisabledRegionDoesNotDial(t *testing.T) {
	d := pooltest.NewDialer()
	f := newFixture(t, d, probe.Config{})
	_, err := f.gate.Toggle(context.Background(), "region-eu-west-enabled")
	require.NoError(t, err)

	res := f.prober.Probe(context.Background(), euWest)

	assert.Equal(t, domain.OutcomeDisabled, res.Outcome)
	assert.Equal(t, "region-eu-west-enabled", res.DeniedBy)
	assert.Empty(t, res.ErrorKind)
	assert.Zero(t, d.Dials())
	assert.False(t, f.pools.IsOpen("eu-west"))
}

func TestProbeHealthMonitoringSwitchedOff(t *testing.T) {
	d := pooltest.NewDialer()
	f := newFixture(t, d, probe.Config{})
	require.NoError(t, f.gate.Set(context.Background(), domain.FlagHealthMonitoring, false))

	res := f.prober.Probe(context.Background(), euWest)

	assert.Equal(t, domain.OutcomeDisabled, res.Outcome)
	assert.Equal(t, domain.FlagHealthMonitoring, res.DeniedBy)
	assert.Zero(t, d.Dials())
}

func TestProbeSuccessAgainstSimulator(t *testing.T) {
	sim := &pool.SimDialer{BaseLatency: map[string]time.Duration{"eu-west": 5 * time.Millisecond}}
	f := newFixture(t, sim, probe.Config{})

	res := f.prober.Probe(context.Background(), euWest)

	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "eu-west", res.Region)
	assert.GreaterOrEqual(t, res.LatencyMs, 5.0)
	require.NotNil(t, res.Server)
	assert.Equal(t, "defaultdb", res.Server.Database)
	assert.True(t, f.pools.IsOpen("eu-west"), "pool is opened lazily")

	m, err := f.prober.Metrics(context.Background(), euWest)
	require.NoError(t, err)
	assert.Greater(t, m.CacheHitRatio, 0.0)
}

func TestProbeUnreachableIsClassifiedFailure(t *testing.T) {
	d := pooltest.NewDialer().FailDial("eu-west", refused())
	f := newFixture(t, d, probe.Config{})

	res := f.prober.Probe(context.Background(), euWest)

	assert.Equal(t, domain.OutcomeFailure, res.Outcome)
	assert.Equal(t, domain.KindConnectRefused, res.ErrorKind)
	assert.NotEmpty(t, res.Error)
	assert.Nil(t, res.Server)
}

func TestProbeRetriesTransientFailures(t *testing.T) {
	d := pooltest.NewDialer().FailDial("eu-west", refused())
	f := newFixture(t, d, probe.Config{Retries: 2, RetryDelay: time.Millisecond})

	res := f.prober.Probe(context.Background(), euWest)

	assert.Equal(t, domain.KindConnectRefused, res.ErrorKind)
	assert.Equal(t, int64(3), d.Dials())
}

func TestProbeDoesNotRetryAuthFailure(t *testing.T) {
	d := pooltest.NewDialer().FailDial("eu-west", &pgconn.PgError{Code: "28P01", Message: "password authentication failed"})
	f := newFixture(t, d, probe.Config{Retries: 2, RetryDelay: time.Millisecond})

	res := f.prober.Probe(context.Background(), euWest)

	assert.Equal(t, domain.KindAuthFailed, res.ErrorKind)
	assert.Equal(t, int64(1), d.Dials())
}

func TestProbeQueryTimeoutReleasesConnection(t *testing.T) {
	d := pooltest.NewDialer().Hang("eu-west")
	f := newFixture(t, d, probe.Config{QueryTimeout: 50 * time.Millisecond})

	start := time.Now()
	res := f.prober.Probe(context.Background(), euWest)

	assert.Equal(t, domain.KindTimeout, res.ErrorKind)
	assert.Less(t, time.Since(start), time.Second)
	assert.Eventually(t, func() bool {
		return f.pools.Stats("eu-west").InUse == 0
	}, time.Second, 5*time.Millisecond)
}

func TestProbeCallerCancellation(t *testing.T) {
	d := pooltest.NewDialer().Hang("eu-west")
	f := newFixture(t, d, probe.Config{Retries: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := f.prober.Probe(ctx, euWest)

	assert.Equal(t, domain.OutcomeFailure, res.Outcome)
	assert.Equal(t, domain.KindTimeout, res.ErrorKind)
}
