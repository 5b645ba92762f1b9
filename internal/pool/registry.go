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

// Registry owns the set of named pools. It is an explicit injected object,
// not a package global, so tests and callers construct isolated instances.
type Registry struct {
	log  *logger.Logger
	sink audit.Sink

	mu       sync.RWMutex
	pools    map[string]*Pool
	creating map[string]bool // ids reserved by in-flight creates
}

// NewRegistry builds an empty registry.
func NewRegistry(log *logger.Logger, sink audit.Sink) *Registry {
	return &Registry{
		log:      log,
		sink:     sink,
		pools:    make(map[string]*Pool),
		creating: make(map[string]bool),
	}
}

// CreatePool allocates a pool, eagerly opens MinSize connections, runs the
// first health probe, and only then makes the pool visible as HEALTHY.
// Any failure along the way tears everything down and fails the call, so
// callers never observe a partially-usable or INITIALIZING pool.
func (r *Registry) CreatePool(ctx context.Context, id string, cfg Configuration, factory connector.Factory) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Reserve the id so two concurrent creates cannot both win.
	r.mu.Lock()
	if _, exists := r.pools[id]; exists || r.creating[id] {
		r.mu.Unlock()
		return nil, errs.New(errs.ErrKindPoolAlreadyExists, "pool "+id+" already exists")
	}
	r.creating[id] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.creating, id)
		r.mu.Unlock()
	}()

	p := newPool(id, cfg, factory, r.log, r.sink)

	if err := p.openInitial(ctx); err != nil {
		return nil, err
	}

	if !p.probeOnce(ctx) {
		p.shutdown()
		return nil, errs.New(errs.ErrKindConnector, "pool "+id+" failed its initial health check")
	}

	r.mu.Lock()
	r.pools[id] = p
	r.mu.Unlock()

	r.log.With().Str("pool", id).Int("min_size", cfg.MinSize).Int("max_size", cfg.MaxSize).Logger().
		Info("pool created")
	r.sink.Record(audit.Event{
		Type: audit.EventPoolCreated,
		At:   time.Now(),
		Pool: id,
		Fields: map[string]interface{}{
			"min_size": cfg.MinSize,
			"max_size": cfg.MaxSize,
		},
	})
	return p, nil
}

// GetPool is a read-only lookup.
func (r *Registry) GetPool(id string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return nil, errs.New(errs.ErrKindPoolNotFound, "no pool named "+id)
	}
	return p, nil
}

// Pools returns a snapshot of all registered pools.
func (r *Registry) Pools() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

// DestroyPool removes and tears down the pool. It refuses when active
// leases remain unless force is set; with force outstanding leases are
// closed, not returned. Called by the lifecycle coordinator at shutdown.
func (r *Registry) DestroyPool(id string, force bool) error {
	r.mu.Lock()
	p, ok := r.pools[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.ErrKindPoolNotFound, "no pool named "+id)
	}
	if n := p.activeCount(); n > 0 && !force {
		r.mu.Unlock()
		return errs.New(errs.ErrKindUnknown,
			fmt.Sprintf("pool %s still has %d active leases; pass force to destroy", id, n))
	}
	delete(r.pools, id)
	r.mu.Unlock()

	p.shutdown()
	forced := p.forceCloseActive()

	r.log.With().Str("pool", id).Int("forced_leases", forced).Logger().Info("pool destroyed")
	r.sink.Record(audit.Event{
		Type:   audit.EventPoolDestroyed,
		At:     time.Now(),
		Pool:   id,
		Fields: map[string]interface{}{"forced_leases": forced},
	})
	return nil
}
