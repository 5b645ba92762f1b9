package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/errs"
)

// Acquire leases one connection, waiting up to opts.Timeout for capacity.
//
// Admission is gated on pool status, then arbitrated by priority: when the
// pool has an idle connection and nobody is queued the caller is served
// immediately; otherwise it joins the wait queue and is woken by direct
// handoff from a release, a scale-up, or a replacement open.
func (p *Pool) Acquire(ctx context.Context, opts AcquireOptions) (*Lease, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.ConnectTimeout
	}

	p.mu.Lock()
	switch {
	case p.status == StatusShutdown:
		p.mu.Unlock()
		p.metrics.failedRequests.Add(1)
		p.recordAcquireFailure(opts, errs.ErrKindShuttingDown.String(), 0)
		return nil, errs.New(errs.ErrKindShuttingDown, "pool "+p.ID+" is shut down")
	case !p.status.AdmitsLeases():
		p.mu.Unlock()
		p.metrics.failedRequests.Add(1)
		p.recordAcquireFailure(opts, errs.ErrKindPoolUnhealthy.String(), 0)
		return nil, errs.New(errs.ErrKindPoolUnhealthy, "pool "+p.ID+" is unhealthy")
	}

	now := time.Now()

	// Fast path: idle capacity and an empty queue. A non-empty queue means
	// earlier (or higher-priority) requests are owed the next connection.
	if len(p.idle) > 0 && p.waiters.Len() == 0 {
		pc := p.popIdleLocked()
		lease := p.registerLeaseLocked(uuid.NewString(), pc, opts, now)
		p.metrics.leasesIssued.Add(1)
		p.mu.Unlock()
		p.recordLeaseEvent(audit.EventLeaseGranted, lease, opts)
		return lease, nil
	}

	w := &waiter{
		priority: opts.Priority,
		seq:      p.nextSeq,
		enqueued: now,
		ch:       make(chan *pconn, 1),
	}
	p.nextSeq++
	p.waiters.push(w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pc, ok := <-w.ch:
		if !ok {
			// Channel closed: the pool shut down while we waited.
			p.metrics.failedRequests.Add(1)
			p.recordAcquireFailure(opts, errs.ErrKindShuttingDown.String(), time.Since(w.enqueued))
			return nil, errs.New(errs.ErrKindShuttingDown, "pool "+p.ID+" is shutting down")
		}
		return p.leaseGranted(pc, opts)

	case <-timer.C:
		return p.abandonWait(w, opts,
			errs.New(errs.ErrKindAcquireTimeout, "no capacity in pool "+p.ID+" within "+timeout.String()))

	case <-ctx.Done():
		return p.abandonWait(w, opts,
			errs.Wrap(errs.ErrKindAcquireTimeout, "acquire cancelled for pool "+p.ID, ctx.Err()))
	}
}

// leaseGranted finalises a handed-off connection into a lease. If the pool
// shut down between the grant and now, the connection is closed instead.
func (p *Pool) leaseGranted(pc *pconn, opts AcquireOptions) (*Lease, error) {
	p.mu.Lock()
	if p.status == StatusShutdown {
		p.currentSize--
		p.mu.Unlock()
		_ = p.factory.Close(pc.handle)
		p.metrics.failedRequests.Add(1)
		return nil, errs.New(errs.ErrKindShuttingDown, "pool "+p.ID+" is shutting down")
	}
	lease := p.registerLeaseLocked(uuid.NewString(), pc, opts, time.Now())
	p.metrics.leasesIssued.Add(1)
	p.mu.Unlock()

	p.recordLeaseEvent(audit.EventLeaseGranted, lease, opts)
	return lease, nil
}

// abandonWait handles the timeout/cancel side of the race against a grant.
// Both sides act under the pool mutex: if the waiter is still queued it is
// removed and the timeout stands; if a grant slipped in first, the
// connection is taken back and redistributed so it is never lost.
func (p *Pool) abandonWait(w *waiter, opts AcquireOptions, failure *errs.Error) (*Lease, error) {
	p.mu.Lock()
	if p.waiters.remove(w) {
		p.mu.Unlock()
		p.metrics.failedRequests.Add(1)
		p.recordAcquireFailure(opts, failure.Kind.String(), time.Since(w.enqueued))
		return nil, failure
	}

	// Already popped: either a grant is sitting in the buffer or shutdown
	// closed the channel. The send (if any) happened under this same mutex,
	// so the receive below cannot block.
	pc, ok := <-w.ch
	var toClose *pconn
	if ok {
		toClose = p.returnConnLocked(pc, time.Now())
	}
	p.mu.Unlock()

	if toClose != nil {
		_ = p.factory.Close(toClose.handle)
	}
	p.metrics.failedRequests.Add(1)
	p.recordAcquireFailure(opts, failure.Kind.String(), time.Since(w.enqueued))
	return nil, failure
}

// Release returns the leased connection to the pool, closing it instead
// when it is flagged bad, too old, or the pool is down. Unknown lease ids
// are a harmless LeaseNotFound; release is idempotent.
func (p *Pool) Release(leaseID string) error {
	now := time.Now()

	p.mu.Lock()
	lease, ok := p.active[leaseID]
	if !ok {
		p.mu.Unlock()
		return errs.New(errs.ErrKindLeaseNotFound, "no active lease "+leaseID+" in pool "+p.ID)
	}
	delete(p.active, leaseID)
	held := now.Sub(lease.LeasedAt)

	toClose := p.returnConnLocked(lease.conn, now)
	needReplace := toClose != nil &&
		p.waiters.Len() > 0 &&
		p.currentSize < p.targetSize &&
		p.status != StatusShutdown
	p.mu.Unlock()

	p.metrics.recordRelease(held)

	if toClose != nil {
		_ = p.factory.Close(toClose.handle)
		if needReplace {
			go p.replaceConnection()
		}
	}

	p.sink.Record(audit.Event{
		Type: audit.EventLeaseReleased,
		At:   now,
		Pool: p.ID,
		Fields: map[string]interface{}{
			"lease_id": leaseID,
			"held_ms":  held.Milliseconds(),
			"reused":   toClose == nil,
		},
	})
	return nil
}

// reapExpired force-releases every lease past its deadline. The connection
// state is unknown after a blown deadline, so it is closed, never reused.
// This is the backpressure valve against callers that never release.
func (p *Pool) reapExpired(now time.Time) int {
	p.mu.Lock()
	var expired []*Lease
	for id, l := range p.active {
		if l.Expired(now) {
			delete(p.active, id)
			expired = append(expired, l)
		}
	}
	p.currentSize -= len(expired)
	needReplace := len(expired) > 0 &&
		p.waiters.Len() > 0 &&
		p.currentSize < p.targetSize &&
		p.status != StatusShutdown
	p.mu.Unlock()

	for _, l := range expired {
		_ = p.factory.Close(l.conn.handle)
		p.metrics.expiredLeases.Add(1)
		p.log.WarnWith("lease expired, connection reclaimed", map[string]interface{}{
			"lease_id":   l.ID,
			"leased_at":  l.LeasedAt,
			"expired_at": l.ExpiresAt,
		})
		p.sink.Record(audit.Event{
			Type:   audit.EventLeaseExpired,
			At:     now,
			Pool:   p.ID,
			Fields: map[string]interface{}{"lease_id": l.ID},
		})
	}

	if needReplace {
		go p.replaceConnection()
	}
	return len(expired)
}

// reapLoop drives reapExpired on a fixed interval until ctx is cancelled.
// A failed cycle never terminates the loop.
func (p *Pool) reapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapExpired(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) recordLeaseEvent(typ audit.EventType, lease *Lease, opts AcquireOptions) {
	fields := map[string]interface{}{
		"lease_id":   lease.ID,
		"priority":   lease.Priority.String(),
		"expires_at": lease.ExpiresAt,
	}
	for k, v := range opts.Tags {
		fields["tag_"+k] = v
	}
	p.sink.Record(audit.Event{Type: typ, At: lease.LeasedAt, Pool: p.ID, Fields: fields})
}

// recordAcquireFailure audits one rejected or abandoned acquire. waited is
// how long the caller sat in the queue, zero for pre-queue rejections.
func (p *Pool) recordAcquireFailure(opts AcquireOptions, reason string, waited time.Duration) {
	fields := map[string]interface{}{
		"priority": opts.Priority.String(),
		"reason":   reason,
	}
	if waited > 0 {
		fields["waited_ms"] = waited.Milliseconds()
	}
	for k, v := range opts.Tags {
		fields["tag_"+k] = v
	}
	typ := audit.EventAcquireFailed
	if reason == errs.ErrKindAcquireTimeout.String() {
		typ = audit.EventAcquireTimeout
	}
	p.sink.Record(audit.Event{
		Type:   typ,
		At:     time.Now(),
		Pool:   p.ID,
		Fields: fields,
	})
}
