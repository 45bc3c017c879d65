package uow

import (
	"context"
	"database/sql"
	"sync"
)

// Transaction is the Resource a Runner begins for every unit of work.
//
// It opens at most one physical connection per data source name. All connections it opened are
// committed, rolled back and closed together, in the order they were opened.
type Transaction struct {
	*Composite

	registry *Registry

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewTransaction creates a Transaction resolving data source names through registry.
// A nil registry means DefaultRegistry.
func NewTransaction(registry *Registry) *Transaction {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &Transaction{
		Composite: &Composite{creation: captureCreationStack()},
		registry:  registry,
		conns:     make(map[string]*Conn, 4),
	}
}

// Conn returns the connection to the named data source for this unit of work, opening it on
// first use. Subsequent calls with the same name return the same *Conn, so callers must not
// cache connections themselves.
func (t *Transaction) Conn(ctx context.Context, name string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[name]; ok {
		return c, nil
	}

	ds, ok := t.registry.Lookup(name)
	if !ok {
		return nil, newDataAccessError(ErrUnknownDataSource, "failed to get connection from data source %s", name)
	}

	native, err := ds.Conn(ctx)
	if err != nil {
		return nil, newDataAccessError(err, "failed to get connection from data source %s", name)
	}

	// registered before it is configured so that it is closed even if configuration fails
	c := newConn(name, native, &sql.TxOptions{Isolation: isolationLevel(ds)})
	t.conns[name] = c
	t.Add(c)

	if _, err := c.begin(ctx); err != nil {
		return nil, newDataAccessError(err, "failed to configure the connection for data source %s", name)
	}
	return c, nil
}

func isolationLevel(ds DataSource) sql.IsolationLevel {
	if l, ok := ds.(IsolationLeveler); ok {
		return l.IsolationLevel()
	}
	return sql.LevelReadCommitted
}

// Close closes every connection opened by t and forgets them.
func (t *Transaction) Close() error {
	t.mu.Lock()
	clear(t.conns)
	t.mu.Unlock()
	return t.Composite.Close()
}
