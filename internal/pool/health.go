package pool

import (
	"context"
	"time"
)

// probeTimeout bounds each liveness check. Probes bypass the lease queue
// and must stay cheap, so the window is short and fixed.
const probeTimeout = 3 * time.Second

// healthLoop probes the pool on its configured interval until ctx is
// cancelled. Probe errors change pool status through the state machine,
// never by raising: a failed cycle logs and waits for the next tick.
func (p *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// probeOnce borrows one connection, runs the liveness check, and applies
// the hysteresis:
//
//	HEALTHY --fail--> DEGRADED --fail--> UNHEALTHY
//	DEGRADED/UNHEALTHY --success--> HEALTHY
//
// One transient failure only degrades; two consecutive failures close
// admission; a single success restores it. Returns the probe verdict.
func (p *Pool) probeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	healthy := p.runProbe(ctx)
	now := time.Now()
	p.metrics.markHealthCheck(now)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == StatusShutdown {
		return healthy
	}

	if healthy {
		p.probeFailures = 0
		if p.status == StatusDegraded || p.status == StatusUnhealthy {
			p.setStatusLocked(StatusHealthy)
		} else if p.status == StatusInitializing {
			p.setStatusLocked(StatusHealthy)
		}
		return true
	}

	p.probeFailures++
	switch p.status {
	case StatusInitializing:
		// Creation fails outright on a failed first probe; no transition.
	case StatusHealthy:
		p.setStatusLocked(StatusDegraded)
	case StatusDegraded:
		if p.probeFailures >= 2 {
			p.setStatusLocked(StatusUnhealthy)
		}
	}
	return false
}

// runProbe checks liveness on a borrowed idle connection, or on a
// throwaway one when the pool is fully leased out. Borrowing skips the
// lease queue; probes have implicit top priority.
func (p *Pool) runProbe(ctx context.Context) bool {
	p.mu.Lock()
	var pc *pconn
	if len(p.idle) > 0 {
		pc = p.popIdleLocked()
		p.probeBorrowed++
	}
	p.mu.Unlock()

	if pc == nil {
		// Every connection is leased: open a short-lived one just for the
		// check so callers are never displaced.
		h, err := p.factory.Open(ctx)
		if err != nil {
			p.log.ErrorWith("health probe open failed", err, nil)
			return false
		}
		err = p.factory.Probe(ctx, h)
		_ = p.factory.Close(h)
		if err != nil {
			p.log.ErrorWith("health probe failed", err, nil)
		}
		return err == nil
	}

	err := p.factory.Probe(ctx, pc.handle)

	p.mu.Lock()
	p.probeBorrowed--
	var toClose *pconn
	if err != nil {
		// A connection that failed its probe is never reused.
		pc.flaggedBad = true
		p.currentSize--
		toClose = pc
	} else {
		pc.idleSince = time.Now()
		p.idle = append(p.idle, pc)
		p.dispatchLocked()
	}
	p.mu.Unlock()

	if toClose != nil {
		_ = p.factory.Close(toClose.handle)
		p.log.ErrorWith("health probe failed, connection dropped", err, map[string]interface{}{
			"conn_id": toClose.handle.ID(),
		})
	}
	return err == nil
}
