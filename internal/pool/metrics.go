package pool

import (
	"sync/atomic"
	"time"
)

// metrics holds per-pool counters. Mutated only by the broker, probe, and
// scaler; exported read-only through Snapshot.
type metrics struct {
	leasesIssued    atomic.Uint64
	failedRequests  atomic.Uint64
	expiredLeases   atomic.Uint64
	forcedReleases  atomic.Uint64
	leaseNanosTotal atomic.Int64
	leasesReleased  atomic.Uint64
	lastHealthCheck atomic.Int64 // unix nanos, 0 = never
}

func (m *metrics) recordRelease(held time.Duration) {
	m.leasesReleased.Add(1)
	m.leaseNanosTotal.Add(int64(held))
}

func (m *metrics) markHealthCheck(at time.Time) {
	m.lastHealthCheck.Store(at.UnixNano())
}

// Metrics is a point-in-time copy of a pool's counters.
type Metrics struct {
	LeasesIssued   uint64
	FailedRequests uint64
	ExpiredLeases  uint64
	ForcedReleases uint64

	// AvgLeaseDuration is over released leases; zero when none completed.
	AvgLeaseDuration time.Duration

	// LastHealthCheck is the zero time when no probe has run yet.
	LastHealthCheck time.Time
}

func (m *metrics) snapshot() Metrics {
	out := Metrics{
		LeasesIssued:   m.leasesIssued.Load(),
		FailedRequests: m.failedRequests.Load(),
		ExpiredLeases:  m.expiredLeases.Load(),
		ForcedReleases: m.forcedReleases.Load(),
	}
	if n := m.leasesReleased.Load(); n > 0 {
		out.AvgLeaseDuration = time.Duration(m.leaseNanosTotal.Load() / int64(n))
	}
	if ns := m.lastHealthCheck.Load(); ns != 0 {
		out.LastHealthCheck = time.Unix(0, ns)
	}
	return out
}
