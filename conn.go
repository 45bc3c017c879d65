package uow

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/oagudo/uow/pkg/logger"
)

// Conn is the physical connection a Transaction opened for one data source.
//
// Statements issued through a Conn run in its native transaction. After the transaction is
// committed or rolled back, the next statement begins a new one on the same connection.
type Conn struct {
	name     string
	conn     Connection
	opts     *sql.TxOptions
	creation creationStack

	mu sync.Mutex
	tx Tx
}

func newConn(name string, conn Connection, opts *sql.TxOptions) *Conn {
	return &Conn{
		name:     name,
		conn:     conn,
		opts:     opts,
		creation: captureCreationStack(),
	}
}

// DataSourceName returns the name of the data source the connection was taken from.
func (c *Conn) DataSourceName() string {
	return c.name
}

// begin starts the native transaction if none is active.
func (c *Conn) begin(ctx context.Context) (Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.conn.BeginTx(ctx, c.opts)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return tx, nil
}

// Tx returns the active native transaction, beginning one if needed.
func (c *Conn) Tx(ctx context.Context) (Tx, error) {
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, newDataAccessError(err, "beginning transaction on data source %s", c.name)
	}
	return tx, nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := c.Tx(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := tx.ExecContext(ctx, query, args...)
	c.logStatement(ctx, query, start)
	return res, err
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tx, err := c.Tx(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := tx.QueryContext(ctx, query, args...)
	c.logStatement(ctx, query, start)
	return rows, err
}

// logStatement logs query and the time the database took to answer it at debug level.
func (c *Conn) logStatement(ctx context.Context, query string, start time.Time) {
	logger.FromContext(ctx).Debug("Executed statement",
		"data_source", c.name,
		"query", query,
		"duration", time.Since(start),
	)
}

// takeTx detaches the active native transaction from c.
func (c *Conn) takeTx() Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := c.tx
	c.tx = nil
	return tx
}

// Commit commits the active native transaction. It is a no-op when none is active.
func (c *Conn) Commit() error {
	tx := c.takeTx()
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return newDataAccessError(err, "failed to commit")
	}
	return nil
}

// Rollback rolls back the active native transaction. It is a no-op when none is active.
func (c *Conn) Rollback() error {
	tx := c.takeTx()
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return newDataAccessError(err, "failed to rollback")
	}
	return nil
}

// Close releases the physical connection. A transaction that is still active is rolled back first.
func (c *Conn) Close() error {
	var rollbackErr error
	if tx := c.takeTx(); tx != nil {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			rollbackErr = newDataAccessError(err, "failed to rollback")
		}
	}
	if err := c.conn.Close(); err != nil {
		return newDataAccessError(err, "failed to close")
	}
	return rollbackErr
}

func (c *Conn) CreationDetails() string {
	return c.creation.String()
}
