package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaler_ScalesUpUnderPressure(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(4, 10)
	cfg.ScaleUpThreshold = 0.8
	cfg.ScaleUpIncrement = 2
	p := newTestPool(t, m, "primary", cfg, f)

	// Lease all 4 connections: utilization 1.0.
	var leases []*Lease
	for i := 0; i < 4; i++ {
		l, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
		leases = append(leases, l)
	}

	// One queued request completes the scale-up condition.
	woken := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second})
		if err == nil {
			woken <- l
		}
	}()
	waitUntil(t, func() bool { return p.Report().QueuedRequests == 1 }, "waiter queued")

	p.scaleOnce(context.Background())

	r := p.Report()
	assert.Equal(t, 6, r.CurrentSize, "one tick should add exactly scaleUpIncrement")
	assert.Equal(t, 6, r.TargetSize)

	// The new capacity must reach the queued caller.
	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("scale-up did not wake the queued request")
	}

	for _, l := range leases {
		require.NoError(t, p.Release(l.ID))
	}
}

func TestScaler_NeverExceedsMaxSize(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(4, 5)
	cfg.ScaleUpIncrement = 3
	p := newTestPool(t, m, "primary", cfg, f)

	for i := 0; i < 4; i++ {
		_, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
	}
	go p.Acquire(context.Background(), AcquireOptions{Timeout: time.Second}) //nolint:errcheck
	waitUntil(t, func() bool { return p.Report().QueuedRequests == 1 }, "waiter queued")

	p.scaleOnce(context.Background())

	assert.Equal(t, 5, p.Report().CurrentSize, "target must clamp at maxSize")
}

func TestScaler_NoScaleUpWithoutBacklog(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(2, 10)
	p := newTestPool(t, m, "primary", cfg, f)

	// Utilization 1.0 but nobody queued: stay put.
	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
	}

	p.scaleOnce(context.Background())
	assert.Equal(t, 2, p.Report().CurrentSize)
}

func TestScaler_ScalesDownWhenIdle(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(2, 10)
	cfg.ScaleDownThreshold = 0.3
	cfg.ScaleDownDecrement = 1
	p := newTestPool(t, m, "primary", cfg, f)

	// Grow to 4 first.
	p.mu.Lock()
	p.targetSize = 4
	p.mu.Unlock()
	require.Equal(t, 2, p.grow(context.Background(), 2))
	require.Equal(t, 4, p.Report().CurrentSize)

	// Zero utilization, plenty idle: one tick shrinks by the decrement.
	p.scaleOnce(context.Background())
	r := p.Report()
	assert.Equal(t, 3, r.CurrentSize)
	assert.Equal(t, 1, f.closedCount())

	// Never below minSize.
	p.scaleOnce(context.Background())
	p.scaleOnce(context.Background())
	assert.Equal(t, 2, p.Report().CurrentSize)
}

func TestScaler_ReplenishesBelowMinSize(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	p := newTestPool(t, m, "primary", quietConfig(2, 4), f)

	// Lose a connection to an expired lease.
	lease, err := p.Acquire(context.Background(), AcquireOptions{LeaseDuration: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, p.reapExpired(time.Now()))
	require.Equal(t, 1, p.Report().CurrentSize)

	p.scaleOnce(context.Background())
	assert.Equal(t, 2, p.Report().CurrentSize, "scaler must restore minSize")

	_ = lease
}

func TestScaler_OpenFailureIsLoggedNotRaised(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(2, 10)
	p := newTestPool(t, m, "primary", cfg, f)

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
	}
	go p.Acquire(context.Background(), AcquireOptions{Timeout: time.Second}) //nolint:errcheck
	waitUntil(t, func() bool { return p.Report().QueuedRequests == 1 }, "waiter queued")

	f.setOpenErr(errors.New("no route to host"))
	p.scaleOnce(context.Background()) // must not panic or surface anywhere

	assert.Equal(t, 2, p.Report().CurrentSize, "failed scale-up must leave size unchanged")

	// Next cycle succeeds once the target is reachable again.
	f.setOpenErr(nil)
	p.scaleOnce(context.Background())
	assert.Greater(t, p.Report().CurrentSize, 2)
}

func TestScaler_RetriesTransientOpenFailures(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(2, 10)
	p := newTestPool(t, m, "primary", cfg, f)

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), AcquireOptions{})
		require.NoError(t, err)
	}
	go p.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second}) //nolint:errcheck
	waitUntil(t, func() bool { return p.Report().QueuedRequests == 1 }, "waiter queued")

	// Two transient failures, then opens succeed: one tick still grows the
	// pool by the full increment.
	f.scriptOpens(errors.New("i/o timeout"), errors.New("i/o timeout"))

	p.scaleOnce(context.Background())
	assert.Equal(t, 4, p.Report().CurrentSize,
		"transient open failures must be retried within the tick")
}

func TestRelease_ReplacementRetriesTransientFailure(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(1, 2)
	cfg.MaxIdleLifetime = time.Nanosecond
	p := newTestPool(t, m, "primary", cfg, f)

	lease, err := p.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)

	woken := make(chan struct{})
	go func() {
		if _, err := p.Acquire(context.Background(), AcquireOptions{Timeout: 5 * time.Second}); err == nil {
			close(woken)
		}
	}()
	waitUntil(t, func() bool { return p.Report().QueuedRequests == 1 }, "waiter queued")

	// The released connection is overaged and closed; the background
	// replacement open fails once, then succeeds and wakes the waiter.
	f.scriptOpens(errors.New("connection refused"))
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Release(lease.ID))

	select {
	case <-woken:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement open never reached the queued waiter")
	}
	assert.Equal(t, 1, p.Report().CurrentSize)
}

func TestUtilization_ZeroSizePoolIsZero(t *testing.T) {
	m := quietManager(t)
	f := newFakeFactory()
	cfg := quietConfig(1, 2)
	cfg.LeaseMaxDuration = time.Millisecond
	p := newTestPool(t, m, "primary", cfg, f)

	// Expire the only connection away: currentSize hits 0.
	_, err := p.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	p.reapExpired(time.Now())

	r := p.Report()
	require.Equal(t, 0, r.CurrentSize)
	assert.Equal(t, 0.0, r.Utilization, "utilization of an empty pool is defined as 0")
}
