// Package postgres provides a PostgreSQL connector.Factory backed by pgx.
//
// Each Open establishes one dedicated *pgx.Conn. The pool core owns the
// pooling, so this package deliberately avoids pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/errs"
)

const defaultConnectTimeout = 10 * time.Second

// Factory implements connector.Factory for PostgreSQL.
// It is safe for concurrent use by multiple goroutines.
type Factory struct {
	params connector.ConnectParams
}

// New builds a Factory from resolved connect parameters.
func New(params connector.ConnectParams) *Factory {
	return &Factory{params: params}
}

// NewFromProvider resolves target through the credential provider and
// builds a Factory. Called at pool creation, not per acquire.
func NewFromProvider(ctx context.Context, provider connector.CredentialProvider, target string) (*Factory, error) {
	params, err := provider.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	return New(params), nil
}

// handle wraps one dedicated pgx connection.
type handle struct {
	id       string
	conn     *pgx.Conn
	openedAt time.Time

	closeOnce sync.Once
}

func (h *handle) ID() string          { return h.id }
func (h *handle) OpenedAt() time.Time { return h.openedAt }

// --- connector.Factory implementation ---

// Open establishes one physical connection and validates it with a ping
// before returning.
func (f *Factory) Open(ctx context.Context) (connector.Handle, error) {
	timeout := f.params.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, f.dsn())
	if err != nil {
		return nil, mapError(err, "failed to open connection")
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(context.Background())
		return nil, mapError(err, "ping failed after connect")
	}

	return &handle{
		id:       uuid.NewString(),
		conn:     conn,
		openedAt: time.Now(),
	}, nil
}

// Probe runs the liveness check on h. Nil means healthy.
func (f *Factory) Probe(ctx context.Context, h connector.Handle) error {
	ph, ok := h.(*handle)
	if !ok {
		return errs.New(errs.ErrKindConnector, "handle does not belong to the postgres factory")
	}
	if err := ph.conn.Ping(ctx); err != nil {
		return mapError(err, "probe failed")
	}
	return nil
}

// Close tears down the physical connection. Idempotent.
func (f *Factory) Close(h connector.Handle) error {
	ph, ok := h.(*handle)
	if !ok {
		return errs.New(errs.ErrKindConnector, "handle does not belong to the postgres factory")
	}

	var err error
	ph.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = ph.conn.Close(ctx)
	})
	if err != nil {
		return mapError(err, "close failed")
	}
	return nil
}

// dsn constructs the postgres connection string.
func (f *Factory) dsn() string {
	p := f.params
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, port, p.User, p.Password, p.Database, sslMode,
	)
}

// mapError translates pgx / pgconn native errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	// Context cancellation / deadline exceeded
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindConnector, msg+" (timeout)", err)
	}

	// Postgres server-side error (SQLSTATE codes)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Wrap(errs.ErrKindConnector,
			fmt.Sprintf("%s: %s (sqlstate %s)", msg, pgErr.Message, pgErr.Code), err)
	}

	// Fallthrough: connection-level errors (TLS, network, auth)
	return errs.Wrap(errs.ErrKindConnector, msg, err)
}
