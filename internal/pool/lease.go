package pool

import (
	"time"

	"github.com/consultra/poolman/internal/connector"
)

// Priority orders waiting requests for the same pool. Higher priorities are
// granted freed capacity first; ties are served in arrival order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "invalid"
	}
}

// AcquireOptions parameterise one acquire call.
type AcquireOptions struct {
	Priority Priority

	// Timeout bounds the wait for capacity. Zero means the pool's
	// ConnectTimeout is used as a conservative default.
	Timeout time.Duration

	// LeaseDuration is the requested lease lifetime. The effective expiry is
	// min(LeaseDuration, pool LeaseMaxDuration); zero means the pool max.
	LeaseDuration time.Duration

	// Tags annotate the request in audit events.
	Tags map[string]string
}

// Lease is the exclusive, time-bounded right to use one physical
// connection. The handle must not be touched after Release.
type Lease struct {
	ID       string
	PoolID   string
	Priority Priority
	LeasedAt time.Time
	// ExpiresAt is a hard deadline; past it the reaper force-closes the
	// connection. Expiry is not a caller-visible error.
	ExpiresAt time.Time

	conn *pconn
}

// Handle exposes the leased physical connection.
func (l *Lease) Handle() connector.Handle {
	return l.conn.handle
}

// Expired reports whether the lease deadline has passed.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// pconn is the pool's bookkeeping around one physical connection.
type pconn struct {
	handle connector.Handle

	// flaggedBad is set by a failed health probe; Release closes the
	// connection instead of returning it to the idle list.
	flaggedBad bool

	idleSince time.Time
}

// tooOld reports whether the physical connection outlived maxIdleLifetime.
func (c *pconn) tooOld(maxLifetime time.Duration, now time.Time) bool {
	return maxLifetime > 0 && now.Sub(c.handle.OpenedAt()) > maxLifetime
}
