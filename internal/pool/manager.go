package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/errs"
	"github.com/consultra/poolman/internal/logger"
)

// ManagerConfig tunes the lifecycle coordinator.
type ManagerConfig struct {
	// ReapInterval is the expired-lease scan period. Default 1s.
	ReapInterval time.Duration

	// DrainPollInterval is how often Shutdown re-checks the active lease
	// count while draining. Default 100ms.
	DrainPollInterval time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Second
	}
	if c.DrainPollInterval <= 0 {
		c.DrainPollInterval = 100 * time.Millisecond
	}
	return c
}

// PoolSpec describes one pool for Startup.
type PoolSpec struct {
	ID      string
	Config  Configuration
	Factory connector.Factory

	// Required pools abort the whole startup when they fail; others are
	// reported and skipped.
	Required bool
}

// Manager is the lifecycle coordinator and the caller-facing surface:
// startup, acquire/release, status, shutdown. Construct one per process
// and inject it; there is no package-level singleton.
type Manager struct {
	cfg      ManagerConfig
	log      *logger.Logger
	sink     audit.Sink
	registry *Registry

	shuttingDown atomic.Bool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loops      sync.WaitGroup
}

// NewManager builds a manager with its own registry. A nil sink disables
// auditing; a nil log falls back to defaults.
func NewManager(cfg ManagerConfig, log *logger.Logger, sink audit.Sink) *Manager {
	if log == nil {
		log = logger.New(nil)
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		log:        log,
		sink:       sink,
		registry:   NewRegistry(log, sink),
		loopCtx:    ctx,
		loopCancel: cancel,
	}
}

// Registry exposes the underlying pool registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// CreatePool creates one pool and starts its background loops (health
// probe, auto-scaler, lease reaper). Usable at startup or on demand.
func (m *Manager) CreatePool(ctx context.Context, spec PoolSpec) (*Pool, error) {
	if m.shuttingDown.Load() {
		return nil, errs.New(errs.ErrKindShuttingDown, "manager is shutting down")
	}

	p, err := m.registry.CreatePool(ctx, spec.ID, spec.Config, spec.Factory)
	if err != nil {
		return nil, err
	}

	m.loops.Add(3)
	go func() {
		defer m.loops.Done()
		p.healthLoop(m.loopCtx)
	}()
	go func() {
		defer m.loops.Done()
		p.scaleLoop(m.loopCtx)
	}()
	go func() {
		defer m.loops.Done()
		p.reapLoop(m.loopCtx, m.cfg.ReapInterval)
	}()
	return p, nil
}

// Startup creates all configured pools, collecting per-pool errors without
// aborting the rest. A failed Required pool aborts the whole startup:
// pools created so far are destroyed and the error is returned.
func (m *Manager) Startup(ctx context.Context, specs []PoolSpec) error {
	var failures []error
	var created []string

	for _, spec := range specs {
		_, err := m.CreatePool(ctx, spec)
		if err == nil {
			created = append(created, spec.ID)
			continue
		}

		if spec.Required {
			m.log.ErrorWith("required pool failed, aborting startup", err, map[string]interface{}{
				"pool": spec.ID,
			})
			for _, id := range created {
				_ = m.registry.DestroyPool(id, true)
			}
			return errs.Wrap(errs.ErrKindConnector, "required pool "+spec.ID+" failed to start", err)
		}

		m.log.ErrorWith("pool failed to start, continuing without it", err, map[string]interface{}{
			"pool": spec.ID,
		})
		failures = append(failures, err)
	}

	return errors.Join(failures...)
}

// Acquire leases a connection from the named pool.
func (m *Manager) Acquire(ctx context.Context, poolID string, opts AcquireOptions) (*Lease, error) {
	if m.shuttingDown.Load() {
		return nil, errs.New(errs.ErrKindShuttingDown, "manager is shutting down")
	}
	p, err := m.registry.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, opts)
}

// Release returns the lease's connection to its pool. Unknown ids yield
// LeaseNotFound, so releasing twice is harmless.
func (m *Manager) Release(leaseID string) error {
	for _, p := range m.registry.Pools() {
		err := p.Release(leaseID)
		if err == nil {
			return nil
		}
		if !errs.IsLeaseNotFound(err) {
			return err
		}
	}
	return errs.New(errs.ErrKindLeaseNotFound, "no active lease "+leaseID)
}

// PoolStatus reports one pool.
func (m *Manager) PoolStatus(poolID string) (StatusReport, error) {
	p, err := m.registry.GetPool(poolID)
	if err != nil {
		return StatusReport{}, err
	}
	return p.Report(), nil
}

// GlobalReport aggregates every pool.
type GlobalReport struct {
	Pools              []StatusReport
	TotalConnections   int
	TotalActiveLeases  int
	TotalQueued        int
	OverallUtilization float64
	ShuttingDown       bool
}

// GlobalStatus reports the aggregate across pools.
func (m *Manager) GlobalStatus() GlobalReport {
	out := GlobalReport{ShuttingDown: m.shuttingDown.Load()}
	for _, p := range m.registry.Pools() {
		r := p.Report()
		out.Pools = append(out.Pools, r)
		out.TotalConnections += r.CurrentSize
		out.TotalActiveLeases += r.ActiveLeases
		out.TotalQueued += r.QueuedRequests
	}
	if out.TotalConnections > 0 {
		out.OverallUtilization = float64(out.TotalActiveLeases) / float64(out.TotalConnections)
	}
	return out
}

// Shutdown drains and tears everything down:
//
//  1. new acquires fail fast with ShuttingDown
//  2. wait up to drainTimeout for active leases to reach zero
//  3. force-close stragglers (connections closed, not returned)
//  4. destroy all pools
//  5. stop the probe/scaler/reaper loops
//
// Calling Shutdown again is a no-op.
func (m *Manager) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	started := time.Now()
	m.log.With().Dur("drain_timeout", drainTimeout).Logger().Info("shutdown started")
	m.sink.Record(audit.Event{Type: audit.EventShutdownBegin, At: started})

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		if m.totalActive() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			// Caller gave up on the drain; fall through to force-close.
			deadline = time.Now()
		case <-time.After(m.cfg.DrainPollInterval):
		}
	}

	forced := 0
	for _, p := range m.registry.Pools() {
		forced += p.forceCloseActive()
	}

	for _, p := range m.registry.Pools() {
		_ = m.registry.DestroyPool(p.ID, true)
	}

	m.loopCancel()
	m.loops.Wait()

	m.log.With().
		Dur("took", time.Since(started)).
		Int("forced_leases", forced).
		Logger().Info("shutdown complete")
	m.sink.Record(audit.Event{
		Type:   audit.EventShutdownDone,
		At:     time.Now(),
		Fields: map[string]interface{}{"forced_leases": forced},
	})
	return nil
}

func (m *Manager) totalActive() int {
	total := 0
	for _, p := range m.registry.Pools() {
		total += p.activeCount()
	}
	return total
}
