package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"slices"

	"github.com/oagudo/uow"
	"github.com/oagudo/uow/pkg/dialect"
	"github.com/oagudo/uow/pkg/logger"
)

// DefaultTableName is the table recording applied migrations.
const DefaultTableName = "_database_migrations"

// Migrator applies migrations to one data source.
type Migrator struct {
	runner     *uow.Runner
	dataSource string
	dialect    dialect.Dialect
	tableName  string
	registry   *Registry
	log        logger.Logger
}

// Option is a function that configures a Migrator.
type Option func(*Migrator)

// WithTableName sets a custom name for the table recording applied migrations.
// Default is "_database_migrations".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the Migrator.
func WithTableName(tableName string) Option {
	return func(m *Migrator) {
		m.tableName = tableName
	}
}

// WithRegistry sets the registry used to resolve Go migrations in migration lists.
func WithRegistry(registry *Registry) Option {
	return func(m *Migrator) {
		m.registry = registry
	}
}

// WithLogger sets the logger. Default is the logger carried by the context.
func WithLogger(l logger.Logger) Option {
	return func(m *Migrator) {
		m.log = l
	}
}

// New creates a Migrator for the data source registered under dataSource in the runner's registry.
func New(runner *uow.Runner, dataSource string, d dialect.Dialect, opts ...Option) *Migrator {
	m := &Migrator{
		runner:     runner,
		dataSource: dataSource,
		dialect:    d,
		tableName:  DefaultTableName,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := validateTableName(m.tableName); err != nil {
		panic(err)
	}
	return m
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

func (m *Migrator) logger(ctx context.Context) logger.Logger {
	if m.log != nil {
		return m.log
	}
	return logger.FromContext(ctx)
}

// Applied returns the ids of the migrations already applied, in ascending order.
// The bookkeeping table is created when missing.
func (m *Migrator) Applied(ctx context.Context) ([]int64, error) {
	return uow.RequiredWithResult(ctx, m.runner, func(ctx context.Context) ([]int64, error) {
		conn, err := m.runner.Conn(ctx, m.dataSource)
		if err != nil {
			return nil, err
		}
		return m.applied(ctx, conn)
	})
}

func (m *Migrator) applied(ctx context.Context, conn *uow.Conn) ([]int64, error) {
	if err := m.ensureTable(ctx, conn); err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s ORDER BY id", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to read applied migrations: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *Migrator) ensureTable(ctx context.Context, conn *uow.Conn) error {
	tx, err := conn.Tx(ctx)
	if err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx, m.dialect.TableExistsQuery(), m.tableName).Scan(&n); err != nil {
		return fmt.Errorf("failed to look up table %s: %w", m.tableName, err)
	}
	if n > 0 {
		return nil
	}

	m.logger(ctx).Info("Creating migrations table", "table", m.tableName, "data_source", m.dataSource)
	ddl := fmt.Sprintf("CREATE TABLE %s (id %s NOT NULL, applied_at %s NOT NULL, PRIMARY KEY (id))",
		m.tableName, m.dialect.BigIntType(), m.dialect.TimestampType())
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.tableName, err)
	}
	return nil
}

// Apply applies, in id order, every migration that has not been applied yet, and returns the
// ids it applied.
// Each migration is committed together with its bookkeeping row before the next one starts,
// so a failure leaves the earlier migrations applied.
// Apply joins the unit of work carried by ctx, if any, and commits it after each migration.
func (m *Migrator) Apply(ctx context.Context, migrations []Migration) ([]int64, error) {
	migrations = slices.Clone(migrations)
	sortByID(migrations)

	// filled as migrations commit, so it is accurate even when a later one fails
	var newlyApplied []int64
	err := m.runner.Required(ctx, func(ctx context.Context) error {
		conn, err := m.runner.Conn(ctx, m.dataSource)
		if err != nil {
			return err
		}
		tr, err := m.runner.Transaction(ctx)
		if err != nil {
			return err
		}
		ids, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		// the bookkeeping table may have just been created
		if err := tr.Commit(); err != nil {
			return err
		}

		log := m.logger(ctx)
		insert := fmt.Sprintf("INSERT INTO %s (id, applied_at) VALUES (%s, %s)",
			m.tableName, m.dialect.Placeholder(1), m.dialect.CurrentTimestampUTC())
		for _, migration := range migrations {
			id := migration.ID()
			if _, done := slices.BinarySearch(ids, id); done {
				continue
			}

			log.Info("Applying migration", "id", id, "data_source", m.dataSource)
			if err := m.apply(ctx, conn, migration, insert); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", id, err)
			}
			if err := tr.Commit(); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", id, err)
			}
			newlyApplied = append(newlyApplied, id)
		}
		return nil
	})
	return newlyApplied, err
}

func (m *Migrator) apply(ctx context.Context, conn *uow.Conn, migration Migration, insert string) error {
	if err := migration.Apply(ctx, conn); err != nil {
		return err
	}
	_, err := conn.ExecContext(ctx, insert, migration.ID())
	return err
}

// ApplyFromFile loads the migration list at path in fsys and applies it. See Load and Apply.
func (m *Migrator) ApplyFromFile(ctx context.Context, fsys fs.FS, path string) ([]int64, error) {
	migrations, err := LoadFile(fsys, path, m.registry)
	if err != nil {
		return nil, err
	}
	return m.Apply(ctx, migrations)
}
