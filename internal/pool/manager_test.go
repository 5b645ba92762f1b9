package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultra/poolman/internal/errs"
)

func TestStartup_PartialFailureIsReported(t *testing.T) {
	m := quietManager(t)
	good := newFakeFactory()
	bad := newFakeFactory()
	bad.setOpenErr(errors.New("dns failure"))

	err := m.Startup(context.Background(), []PoolSpec{
		{ID: "primary", Config: quietConfig(1, 2), Factory: good},
		{ID: "reporting", Config: quietConfig(1, 2), Factory: bad},
	})

	// The failure is reported but the healthy pool keeps running.
	require.Error(t, err)
	_, err = m.Registry().GetPool("primary")
	assert.NoError(t, err)
	_, err = m.Registry().GetPool("reporting")
	assert.True(t, errs.IsPoolNotFound(err))
}

func TestStartup_RequiredFailureAbortsEverything(t *testing.T) {
	m := quietManager(t)
	good := newFakeFactory()
	bad := newFakeFactory()
	bad.setOpenErr(errors.New("auth rejected"))

	err := m.Startup(context.Background(), []PoolSpec{
		{ID: "primary", Config: quietConfig(1, 2), Factory: good},
		{ID: "billing", Config: quietConfig(1, 2), Factory: bad, Required: true},
	})

	require.Error(t, err)
	// The previously created pool is torn down too.
	_, err = m.Registry().GetPool("primary")
	assert.True(t, errs.IsPoolNotFound(err))
	assert.Zero(t, good.liveCount(), "aborted startup leaked connections")
}

func TestShutdown_CompletesEarlyWhenLeasesDrain(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	p := newTestPool(t, m, "primary", quietConfig(3, 6), f)

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
		leases = append(leases, l)
	}

	// All three release shortly after shutdown begins.
	go func() {
		time.Sleep(100 * time.Millisecond)
		for _, l := range leases {
			_ = p.Release(l.ID)
		}
	}()

	start := time.Now()
	require.NoError(t, m.Shutdown(context.Background(), 2*time.Second))
	took := time.Since(start)

	assert.Less(t, took, time.Second, "drain should finish as soon as leases return")
	assert.Zero(t, f.liveCount(), "connections leaked through shutdown")
	assert.Zero(t, p.Report().Metrics.ForcedReleases)
}

func TestShutdown_ForcesStragglersAtDeadline(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	p := newTestPool(t, m, "primary", quietConfig(3, 6), f)

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
	}

	const drain = 300 * time.Millisecond
	start := time.Now()
	require.NoError(t, m.Shutdown(context.Background(), drain))
	took := time.Since(start)

	assert.GreaterOrEqual(t, took, drain, "force-close ran before the drain deadline")
	assert.Equal(t, uint64(3), p.Report().Metrics.ForcedReleases)
	assert.Zero(t, f.liveCount(), "forced connections were not closed")
	assert.Equal(t, StatusShutdown, p.Status())

	f.mu.Lock()
	doubles := f.doubleCloses
	f.mu.Unlock()
	assert.Zero(t, doubles, "shutdown double-freed a connection")
}

func TestShutdown_NewAcquiresFailFast(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	newTestPool(t, m, "primary", quietConfig(1, 2), f)

	require.NoError(t, m.Shutdown(context.Background(), 50*time.Millisecond))

	_, err := m.Acquire(context.Background(), "primary", AcquireOptions{})
	assert.True(t, errs.IsShuttingDown(err))

	_, err = m.CreatePool(context.Background(), PoolSpec{
		ID: "late", Config: quietConfig(1, 1), Factory: f,
	})
	assert.True(t, errs.IsShuttingDown(err))
}

func TestShutdown_IsIdempotent(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	newTestPool(t, m, "primary", quietConfig(1, 2), f)

	require.NoError(t, m.Shutdown(context.Background(), 50*time.Millisecond))

	start := time.Now()
	require.NoError(t, m.Shutdown(context.Background(), time.Hour))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "second shutdown must be a no-op")
}

func TestShutdown_WakesQueuedWaiters(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	p := newTestPool(t, m, "primary", quietConfig(1, 1), f)

	_, err := p.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), AcquireOptions{Timeout: 10 * time.Second})
		waitErr <- err
	}()
	waitUntil(t, func() bool { return p.Report().QueuedRequests == 1 }, "waiter queued")

	require.NoError(t, m.Shutdown(context.Background(), 50*time.Millisecond))

	select {
	case err := <-waitErr:
		assert.True(t, errs.IsShuttingDown(err), "queued waiter got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter was left hanging through shutdown")
	}
}

func TestGlobalStatus_Aggregates(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	p1 := newTestPool(t, m, "primary", quietConfig(2, 4), f)
	newTestPool(t, m, "reporting", quietConfig(3, 6), f)

	lease, err := p1.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)

	g := m.GlobalStatus()
	assert.Len(t, g.Pools, 2)
	assert.Equal(t, 5, g.TotalConnections)
	assert.Equal(t, 1, g.TotalActiveLeases)
	assert.InDelta(t, 0.2, g.OverallUtilization, 0.001)
	assert.False(t, g.ShuttingDown)

	require.NoError(t, m.Release(lease.ID))
}

func TestManager_ReleaseRoutesAcrossPools(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	newTestPool(t, m, "primary", quietConfig(1, 2), f)
	p2 := newTestPool(t, m, "reporting", quietConfig(1, 2), f)

	lease, err := m.Acquire(context.Background(), "reporting", AcquireOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Release(lease.ID))
	assert.Equal(t, 0, p2.Report().ActiveLeases)
}
