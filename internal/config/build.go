package config

import (
	"context"
	"time"

	"github.com/consultra/poolman/internal/audit"
	"github.com/consultra/poolman/internal/audit/archive"
	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/connector/mysql"
	"github.com/consultra/poolman/internal/connector/postgres"
	"github.com/consultra/poolman/internal/errs"
	"github.com/consultra/poolman/internal/logger"
	"github.com/consultra/poolman/internal/pool"
)

const defaultDrainTimeout = 30 * time.Second

// Runtime is one process's assembled pieces: logger, audit chain, and the
// pool manager, all built from a loaded Config. Pools are not started;
// pass Specs to Manager.Startup.
type Runtime struct {
	Log     *logger.Logger
	Sink    audit.Sink
	Manager *pool.Manager
	Specs   []pool.PoolSpec

	// DrainTimeout for the final Manager.Shutdown, from
	// manager.drain_timeout (default 30s).
	DrainTimeout time.Duration

	closers []func()
}

// Close drains and stops the audit chain. Call it after Manager.Shutdown so
// the shutdown events still reach the sinks.
func (r *Runtime) Close() {
	for _, f := range r.closers {
		f()
	}
}

// Build wires the configuration into a Runtime: logger, log sink plus
// optional object-storage archive behind one async buffer, a manager, and a
// connector factory per pool. creds resolves each pool's target.
func (c *Config) Build(ctx context.Context, creds connector.CredentialProvider) (*Runtime, error) {
	log := logger.New(&logger.Config{Level: c.Logging.Level, Format: c.Logging.Format})

	var closers []func()
	sink := audit.Sink(audit.NewLogSink(log))
	if c.Audit.Archive != nil {
		ac := c.Audit.Archive
		arc, err := archive.New(ctx, archive.Config{
			Endpoint:      ac.Endpoint,
			AccessKey:     ac.AccessKey,
			SecretKey:     ac.SecretKey,
			UseSSL:        ac.UseSSL,
			Region:        ac.Region,
			Bucket:        ac.Bucket,
			FlushInterval: ac.FlushInterval.Std(),
		}, log)
		if err != nil {
			return nil, err
		}
		closers = append(closers, arc.Close)
		sink = audit.Tee(sink, arc)
	}
	async := audit.NewAsyncSink(sink, c.Audit.Buffer)
	closers = append([]func(){async.Close}, closers...)

	specs := make([]pool.PoolSpec, 0, len(c.Pools))
	for id, pc := range c.Pools {
		factory, err := buildFactory(ctx, pc, creds)
		if err != nil {
			for _, f := range closers {
				f()
			}
			return nil, errs.Wrap(errs.ErrKindInvalidConfig, "pool "+id, err)
		}
		specs = append(specs, pool.PoolSpec{
			ID:       id,
			Config:   pc.PoolConfiguration(),
			Factory:  factory,
			Required: pc.Required,
		})
	}

	drain := c.Manager.DrainTimeout.Std()
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	mgr := pool.NewManager(pool.ManagerConfig{
		ReapInterval:      c.Manager.ReapInterval.Std(),
		DrainPollInterval: c.Manager.DrainPollInterval.Std(),
	}, log, async)

	return &Runtime{
		Log:          log,
		Sink:         async,
		Manager:      mgr,
		Specs:        specs,
		DrainTimeout: drain,
		closers:      closers,
	}, nil
}

func buildFactory(ctx context.Context, pc PoolConfig, creds connector.CredentialProvider) (connector.Factory, error) {
	params, err := creds.Resolve(ctx, pc.Target)
	if err != nil {
		return nil, err
	}
	params.ConnectTimeout = pc.ConnectTimeout.Std()

	switch pc.Driver {
	case "postgres":
		return postgres.New(params), nil
	case "mysql":
		return mysql.New(params)
	default:
		// validate() rejects unknown drivers before Build is reachable.
		return nil, errs.New(errs.ErrKindInvalidConfig, "unknown driver "+pc.Driver)
	}
}
