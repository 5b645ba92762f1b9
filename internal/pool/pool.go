package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/errs"
	"github.com/consultra/poolman/internal/logger"
)

// Pool owns the physical connections for one logical database target.
//
// All mutable state lives behind mu. The capacity rule is simple and is the
// single source of truth for admission: every physical connection is either
// on the idle list, held by an active lease, or borrowed by the health
// probe, so
//
//	currentSize == len(idle) + len(active) + probeBorrowed
//
// and a free slot exists exactly when the idle list is non-empty. Resizing
// (scaler) mutates currentSize and the idle list under the same mutex, so
// capacity and size can never disagree.
type Pool struct {
	ID string

	cfg     Configuration
	factory connector.Factory
	log     *logger.Logger
	sink    audit.Sink

	mu            sync.Mutex
	status        Status
	idle          []*pconn
	active        map[string]*Lease
	currentSize   int
	targetSize    int
	probeBorrowed int
	probeFailures int // consecutive, drives the status hysteresis
	waiters       waitQueue
	nextSeq       uint64

	metrics metrics
}

// newPool allocates the bookkeeping but opens no connections;
// the registry drives eager opening and the first probe.
func newPool(id string, cfg Configuration, factory connector.Factory, log *logger.Logger, sink audit.Sink) *Pool {
	return &Pool{
		ID:         id,
		cfg:        cfg,
		factory:    factory,
		log:        log.With().Str("pool", id).Logger(),
		sink:       sink,
		status:     StatusInitializing,
		active:     make(map[string]*Lease),
		targetSize: cfg.MinSize,
	}
}

// Background opens (scale-up, replacement) retry transient failures.
// Creation is deliberately single-attempt so CreatePool fails fast.
const (
	openRetryAttempts  = 3
	openRetryBaseDelay = 100 * time.Millisecond
)

// openInitial eagerly establishes MinSize connections. Fail fast: if even
// one open fails, everything opened so far is closed and the error is
// returned; no partially-usable pool.
func (p *Pool) openInitial(ctx context.Context) error {
	opened := make([]*pconn, 0, p.cfg.MinSize)
	for i := 0; i < p.cfg.MinSize; i++ {
		h, err := connector.OpenWithRetry(ctx, p.factory, connector.RetryOptions{
			MaxAttempts: 1,
		})
		if err != nil {
			for _, pc := range opened {
				_ = p.factory.Close(pc.handle)
			}
			return errs.Wrap(errs.ErrKindConnector,
				fmt.Sprintf("pool %s: opened %d of %d minimum connections", p.ID, i, p.cfg.MinSize), err)
		}
		opened = append(opened, &pconn{handle: h, idleSince: time.Now()})
	}

	p.mu.Lock()
	p.idle = append(p.idle, opened...)
	p.currentSize = len(opened)
	p.mu.Unlock()
	return nil
}

// Status returns the current admission state.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// StatusReport is the caller-visible view of one pool.
type StatusReport struct {
	Pool            string
	Status          Status
	CurrentSize     int
	TargetSize      int
	ActiveLeases    int
	IdleConnections int
	QueuedRequests  int
	Utilization     float64
	Metrics         Metrics
}

// Report snapshots the pool state.
func (p *Pool) Report() StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StatusReport{
		Pool:            p.ID,
		Status:          p.status,
		CurrentSize:     p.currentSize,
		TargetSize:      p.targetSize,
		ActiveLeases:    len(p.active),
		IdleConnections: len(p.idle),
		QueuedRequests:  p.waiters.Len(),
		Utilization:     p.utilizationLocked(),
		Metrics:         p.metrics.snapshot(),
	}
}

// utilizationLocked is activeLeases / currentSize, defined as 0 for an
// empty pool.
func (p *Pool) utilizationLocked() float64 {
	if p.currentSize == 0 {
		return 0
	}
	return float64(len(p.active)) / float64(p.currentSize)
}

// dispatchLocked hands idle connections to waiting requests, highest
// priority first. Must hold mu.
func (p *Pool) dispatchLocked() {
	for len(p.idle) > 0 && p.waiters.Len() > 0 {
		w := p.waiters.popTop()
		pc := p.popIdleLocked()
		w.ch <- pc // buffered, never blocks
	}
}

func (p *Pool) popIdleLocked() *pconn {
	n := len(p.idle) - 1
	pc := p.idle[n]
	p.idle[n] = nil
	p.idle = p.idle[:n]
	return pc
}

// returnConnLocked puts pc back on the idle list (or schedules its closure
// when it is bad, too old, or the pool is down) and wakes a waiter.
// Returns the connection to close outside the lock, or nil.
func (p *Pool) returnConnLocked(pc *pconn, now time.Time) *pconn {
	if pc.flaggedBad || pc.tooOld(p.cfg.MaxIdleLifetime, now) || p.status == StatusShutdown {
		p.currentSize--
		return pc
	}
	pc.idleSince = now
	p.idle = append(p.idle, pc)
	p.dispatchLocked()
	return nil
}

// registerLeaseLocked creates the lease record for pc. Must hold mu.
func (p *Pool) registerLeaseLocked(id string, pc *pconn, opts AcquireOptions, now time.Time) *Lease {
	dur := p.cfg.LeaseMaxDuration
	if opts.LeaseDuration > 0 && opts.LeaseDuration < dur {
		dur = opts.LeaseDuration
	}
	lease := &Lease{
		ID:        id,
		PoolID:    p.ID,
		Priority:  opts.Priority,
		LeasedAt:  now,
		ExpiresAt: now.Add(dur),
		conn:      pc,
	}
	p.active[id] = lease
	return lease
}

// replaceConnection opens one connection in the background after a bad or
// expired one was closed while callers were still queued. Best effort.
func (p *Pool) replaceConnection() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	h, err := connector.OpenWithRetry(ctx, p.factory, connector.RetryOptions{
		MaxAttempts: openRetryAttempts,
		BaseDelay:   openRetryBaseDelay,
	})
	if err != nil {
		p.log.ErrorWith("replacement connection failed, scaler will retry", err, nil)
		return
	}

	p.mu.Lock()
	if p.status == StatusShutdown || p.currentSize >= p.cfg.MaxSize {
		p.mu.Unlock()
		_ = p.factory.Close(h)
		return
	}
	p.currentSize++
	p.idle = append(p.idle, &pconn{handle: h, idleSince: time.Now()})
	p.dispatchLocked()
	p.mu.Unlock()
}

// setStatusLocked flips the state machine and audits the transition.
// Must hold mu.
func (p *Pool) setStatusLocked(next Status) {
	if p.status == next {
		return
	}
	prev := p.status
	p.status = next

	p.log.With().Str("from", prev.String()).Str("to", next.String()).Logger().
		Info("pool status changed")
	p.sink.Record(audit.Event{
		Type: audit.EventPoolStatus,
		At:   time.Now(),
		Pool: p.ID,
		Fields: map[string]interface{}{
			"from": prev.String(),
			"to":   next.String(),
		},
	})
}

// shutdown flips the pool to SHUTDOWN, fails every queued waiter, and
// closes idle connections. Active leases are left to the manager's drain.
func (p *Pool) shutdown() {
	p.mu.Lock()
	p.setStatusLocked(StatusShutdown)

	// Wake queued waiters with no connection; their acquire path reads the
	// pool status and fails with ShuttingDown.
	for p.waiters.Len() > 0 {
		w := p.waiters.popTop()
		close(w.ch)
	}

	idle := p.idle
	p.idle = nil
	p.currentSize -= len(idle)
	p.mu.Unlock()

	for _, pc := range idle {
		_ = p.factory.Close(pc.handle)
	}
}

// forceCloseActive revokes every outstanding lease and closes its
// connection. Used only after the drain timeout, when connection state is
// unknown, nothing is reused.
func (p *Pool) forceCloseActive() int {
	p.mu.Lock()
	leases := make([]*Lease, 0, len(p.active))
	for _, l := range p.active {
		leases = append(leases, l)
	}
	p.active = make(map[string]*Lease)
	p.currentSize -= len(leases)
	p.mu.Unlock()

	for _, l := range leases {
		_ = p.factory.Close(l.conn.handle)
		p.metrics.forcedReleases.Add(1)
		p.sink.Record(audit.Event{
			Type:   audit.EventLeaseForced,
			At:     time.Now(),
			Pool:   p.ID,
			Fields: map[string]interface{}{"lease_id": l.ID},
		})
	}
	return len(leases)
}

// activeCount reports outstanding leases.
func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
