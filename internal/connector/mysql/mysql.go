// Package mysql provides a MySQL connector.Factory over go-sql-driver.
//
// It uses mysql.NewConnector to hand out individual driver.Conn values
// instead of database/sql: the pool core owns the pooling.
package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/consultra/poolman/internal/connector"
	"github.com/consultra/poolman/internal/errs"
)

const defaultConnectTimeout = 10 * time.Second

// Factory implements connector.Factory for MySQL.
// It is safe for concurrent use by multiple goroutines.
type Factory struct {
	connector driver.Connector
	timeout   time.Duration
}

// New builds a Factory from resolved connect parameters.
func New(params connector.ConnectParams) (*Factory, error) {
	cfg := mysql.NewConfig()
	port := params.Port
	if port == 0 {
		port = 3306
	}
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", params.Host, port)
	cfg.User = params.User
	cfg.Passwd = params.Password
	cfg.DBName = params.Database

	timeout := params.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	cfg.Timeout = timeout

	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "invalid mysql parameters", err)
	}
	return &Factory{connector: conn, timeout: timeout}, nil
}

// handle wraps one dedicated MySQL driver connection.
type handle struct {
	id       string
	conn     driver.Conn
	openedAt time.Time

	closeOnce sync.Once
}

func (h *handle) ID() string          { return h.id }
func (h *handle) OpenedAt() time.Time { return h.openedAt }

// --- connector.Factory implementation ---

func (f *Factory) Open(ctx context.Context) (connector.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	conn, err := f.connector.Connect(ctx)
	if err != nil {
		return nil, mapError(err, "failed to open connection")
	}

	return &handle{
		id:       uuid.NewString(),
		conn:     conn,
		openedAt: time.Now(),
	}, nil
}

func (f *Factory) Probe(ctx context.Context, h connector.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return errs.New(errs.ErrKindConnector, "handle does not belong to the mysql factory")
	}

	pinger, ok := mh.conn.(driver.Pinger)
	if !ok {
		return errs.New(errs.ErrKindConnector, "mysql connection does not support ping")
	}
	if err := pinger.Ping(ctx); err != nil {
		return mapError(err, "probe failed")
	}
	return nil
}

func (f *Factory) Close(h connector.Handle) error {
	mh, ok := h.(*handle)
	if !ok {
		return errs.New(errs.ErrKindConnector, "handle does not belong to the mysql factory")
	}

	var err error
	mh.closeOnce.Do(func() {
		err = mh.conn.Close()
	})
	if err != nil {
		return mapError(err, "close failed")
	}
	return nil
}

// mapError translates go-sql-driver native errors into *errs.Error.
func mapError(err error, msg string) *errs.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindConnector, msg+" (timeout)", err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return errs.Wrap(errs.ErrKindConnector,
			fmt.Sprintf("%s: %s (errno %d)", msg, myErr.Message, myErr.Number), err)
	}

	return errs.Wrap(errs.ErrKindConnector, msg, err)
}
