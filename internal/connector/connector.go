// Package connector defines the contracts between the pool core and the
// physical database drivers.
//
// The pool core talks only to these interfaces; it never imports the
// postgres or mysql packages directly. Each driver package implements
// Factory for one engine.
package connector

import (
	"context"
	"time"
)

// Handle is one physical database connection, opaque to the pool core.
// A handle is owned by exactly one lease (or by the pool's idle list) at
// any time; implementations need not be safe for concurrent use of the
// same handle.
type Handle interface {
	// ID identifies the handle for logging and audit.
	ID() string

	// OpenedAt reports when the physical connection was established.
	OpenedAt() time.Time
}

// Factory opens, probes, and closes physical connections for one database
// target. Implementations must be safe to call concurrently for different
// handles.
type Factory interface {
	// Open establishes a new physical connection.
	Open(ctx context.Context) (Handle, error)

	// Probe runs a cheap liveness check against the handle.
	// A nil return means the connection is healthy.
	Probe(ctx context.Context, h Handle) error

	// Close tears down the physical connection. Closing an already-closed
	// handle must be a no-op.
	Close(h Handle) error
}

// ConnectParams are the resolved parameters needed to open a connection.
// Produced by a CredentialProvider, consumed by a Factory.
type ConnectParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ConnectTimeout bounds each Open call.
	ConnectTimeout time.Duration
}

// CredentialProvider resolves a pool's logical target into connect
// parameters. Invoked only at pool creation and scale-up, never on the
// per-acquire hot path.
type CredentialProvider interface {
	Resolve(ctx context.Context, target string) (ConnectParams, error)
}
