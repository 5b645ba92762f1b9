package pool

import (
	"context"
	"time"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/errs"
)

// scaleLoop runs the auto-scaler on its configured interval until ctx is
// cancelled. Scaling is advisory and best-effort: a failed cycle is logged
// and retried next tick, never surfaced to any caller.
func (p *Pool) scaleLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.scaleOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// scaleOnce evaluates utilization and backlog, picks a new target inside
// [MinSize, MaxSize], and applies it. currentSize and the idle list (the
// capacity the broker admits against) move together under the pool mutex,
// so the pool can never over- or under-admit mid-resize.
func (p *Pool) scaleOnce(ctx context.Context) {
	p.mu.Lock()
	if p.status == StatusShutdown {
		p.mu.Unlock()
		return
	}

	cur := p.currentSize
	activeLeases := len(p.active)
	idle := len(p.idle)
	queued := p.waiters.Len()
	util := p.utilizationLocked()

	target := cur
	switch {
	case cur < p.cfg.MinSize:
		// Replenish connections lost to bad probes or expired leases.
		target = p.cfg.MinSize
	case util > p.cfg.ScaleUpThreshold && cur < p.cfg.MaxSize && queued > 0:
		target = cur + p.cfg.ScaleUpIncrement
	case util < p.cfg.ScaleDownThreshold && cur > p.cfg.MinSize && idle > p.cfg.ScaleDownDecrement:
		target = cur - p.cfg.ScaleDownDecrement
	}

	if target > p.cfg.MaxSize {
		target = p.cfg.MaxSize
	}
	if target < p.cfg.MinSize {
		target = p.cfg.MinSize
	}
	p.targetSize = target

	// Shrink while still holding the lock: take idle connections out of
	// circulation and the size down in one atomic step.
	var toClose []*pconn
	for p.currentSize > target && len(p.idle) > 0 {
		toClose = append(toClose, p.popIdleLocked())
		p.currentSize--
	}
	p.mu.Unlock()

	for _, pc := range toClose {
		if err := p.factory.Close(pc.handle); err != nil {
			p.log.ErrorWith("scale-down close failed", err, map[string]interface{}{
				"conn_id": pc.handle.ID(),
			})
		}
	}
	if len(toClose) > 0 {
		p.logScale(cur, cur-len(toClose), activeLeases, util, "down")
	}

	if target > cur {
		opened := p.grow(ctx, target-cur)
		if opened > 0 {
			p.logScale(cur, cur+opened, activeLeases, util, "up")
		}
	}
}

// grow opens up to n connections and adds them to the pool. Transient open
// failures are retried with backoff; a connection that still cannot be
// opened is logged as a scaling failure and retried on the next cycle.
func (p *Pool) grow(ctx context.Context, n int) int {
	opened := 0
	for i := 0; i < n; i++ {
		openCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		h, err := connector.OpenWithRetry(openCtx, p.factory, connector.RetryOptions{
			MaxAttempts: openRetryAttempts,
			BaseDelay:   openRetryBaseDelay,
		})
		cancel()
		if err != nil {
			scaleErr := errs.Wrap(errs.ErrKindScalingFailure, "scale-up open failed", err)
			p.log.ErrorWith("scale-up aborted, will retry next cycle", scaleErr, map[string]interface{}{
				"wanted": n,
				"opened": opened,
			})
			break
		}

		p.mu.Lock()
		if p.status == StatusShutdown || p.currentSize >= p.cfg.MaxSize {
			p.mu.Unlock()
			_ = p.factory.Close(h)
			return opened
		}
		p.currentSize++
		p.idle = append(p.idle, &pconn{handle: h, idleSince: time.Now()})
		p.dispatchLocked()
		p.mu.Unlock()
		opened++
	}
	return opened
}

func (p *Pool) logScale(from, to, activeLeases int, util float64, direction string) {
	p.log.With().
		Int("from", from).
		Int("to", to).
		Int("active_leases", activeLeases).
		Float64("utilization", util).
		Str("direction", direction).
		Logger().Info("pool scaled")

	p.sink.Record(audit.Event{
		Type: audit.EventPoolScaled,
		At:   time.Now(),
		Pool: p.ID,
		Fields: map[string]interface{}{
			"from":        from,
			"to":          to,
			"direction":   direction,
			"utilization": util,
		},
	})
}
