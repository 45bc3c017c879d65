package uow

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
)

// Queryer represents a query executor.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Tx represents a native database transaction.
// It is compatible with the standard sql.Tx type.
type Tx interface {
	Queryer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Connection is a dedicated physical connection taken from a data source.
// It is compatible with the standard sql.Conn type through NewDataSource.
type Connection interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
	Close() error
}

// DataSource hands out dedicated physical connections.
type DataSource interface {
	Conn(ctx context.Context) (Connection, error)
}

// IsolationLeveler is implemented by data sources that begin their transactions with an
// isolation level other than read committed.
type IsolationLeveler interface {
	IsolationLevel() sql.IsolationLevel
}

// DataSourceOption is a function that configures a data source created by NewDataSource.
type DataSourceOption func(*dbAdapter)

// WithIsolationLevel sets the isolation level used to begin transactions on connections of the
// data source. Default is sql.LevelReadCommitted.
func WithIsolationLevel(level sql.IsolationLevel) DataSourceOption {
	return func(a *dbAdapter) {
		a.isolation = level
	}
}

// NewDataSource creates a DataSource from a standard *sql.DB.
func NewDataSource(db *sql.DB, opts ...DataSourceOption) DataSource {
	a := &dbAdapter{db: db, isolation: sql.LevelReadCommitted}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// dbAdapter is a wrapper around a sql.DB that implements the DataSource interface.
type dbAdapter struct {
	db        *sql.DB
	isolation sql.IsolationLevel
}

func (a *dbAdapter) Conn(ctx context.Context) (Connection, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connAdapter{conn: conn}, nil
}

func (a *dbAdapter) IsolationLevel() sql.IsolationLevel {
	return a.isolation
}

// connAdapter is a wrapper around a sql.Conn that implements the Connection interface.
type connAdapter struct {
	conn *sql.Conn
}

func (a *connAdapter) BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error) {
	tx, err := a.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *connAdapter) Close() error {
	return a.conn.Close()
}

// Registry maps data source names to data sources.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	dataSources map[string]DataSource
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dataSources: make(map[string]DataSource)}
}

// DefaultRegistry is the process-wide registry used by runners that are not given one.
var DefaultRegistry = NewRegistry()

func validateDataSourceName(name string) error {
	if name == "" {
		return fmt.Errorf("data source name cannot be empty")
	}
	return nil
}

// Register binds name to ds, replacing any previous registration.
// Any non-empty string is a valid name. An empty name or a nil data source will cause a panic.
func (r *Registry) Register(name string, ds DataSource) {
	if err := validateDataSourceName(name); err != nil {
		panic(err)
	}
	if ds == nil {
		panic(fmt.Errorf("data source %q cannot be nil", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataSources[name] = ds
}

// Unregister removes the data source bound to name, if any.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dataSources, name)
}

// Lookup returns the data source bound to name.
func (r *Registry) Lookup(name string) (DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.dataSources[name]
	return ds, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.dataSources))
	for name := range r.dataSources {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// RegisterDataSource registers ds under name in the DefaultRegistry.
func RegisterDataSource(name string, ds DataSource) {
	DefaultRegistry.Register(name, ds)
}

// LookupDataSource looks name up in the DefaultRegistry.
func LookupDataSource(name string) (DataSource, bool) {
	return DefaultRegistry.Lookup(name)
}
