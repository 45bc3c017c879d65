// Package migrate applies numbered schema migrations to a data source, one transaction each.
package migrate

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/oagudo/uow"
)

// Migration is a single, numbered schema change.
type Migration interface {
	ID() int64
	Apply(ctx context.Context, q uow.Queryer) error
}

// Func adapts a function to the Migration interface.
func Func(id int64, fn func(ctx context.Context, q uow.Queryer) error) Migration {
	return &funcMigration{id: id, fn: fn}
}

type funcMigration struct {
	id int64
	fn func(ctx context.Context, q uow.Queryer) error
}

func (m *funcMigration) ID() int64 { return m.id }

func (m *funcMigration) Apply(ctx context.Context, q uow.Queryer) error {
	return m.fn(ctx, q)
}

// ScriptMigration runs the SQL statements of a script file.
// Statements are separated by a semicolon at the end of a line.
type ScriptMigration struct {
	id   int64
	fsys fs.FS
	path string
}

func NewScriptMigration(id int64, fsys fs.FS, path string) *ScriptMigration {
	return &ScriptMigration{id: id, fsys: fsys, path: path}
}

func (m *ScriptMigration) ID() int64 { return m.id }

func (m *ScriptMigration) Path() string { return m.path }

func (m *ScriptMigration) Apply(ctx context.Context, q uow.Queryer) error {
	script, err := fs.ReadFile(m.fsys, m.path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", m.path, err)
	}
	for _, stmt := range splitStatements(string(script)) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("script %s: %w", m.path, err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(script))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if stmt, ok := strings.CutSuffix(line, ";"); ok {
			current.WriteString(stmt)
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return stmts
}

// Factory creates the Go migration registered under a name for the given id.
type Factory func(id int64) Migration

// Registry maps names used in migration lists to Go migrations.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds name to f, replacing any previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Lookup(name string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}
