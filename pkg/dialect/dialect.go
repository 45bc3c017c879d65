// Package dialect describes the SQL databases supported by uow and registers their drivers.
package dialect

import (
	"database/sql"
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect string

// Supported database dialects.
const (
	Postgres  Dialect = "postgres"
	Pgx       Dialect = "pgx"
	MySQL     Dialect = "mysql"
	MariaDB   Dialect = "mariadb"
	SQLite    Dialect = "sqlite"
	Oracle    Dialect = "oracle"
	SQLServer Dialect = "sqlserver"
)

var all = []Dialect{Postgres, Pgx, MySQL, MariaDB, SQLite, Oracle, SQLServer}

// All returns every supported dialect.
func All() []Dialect {
	return append([]Dialect(nil), all...)
}

// Parse returns the dialect named s. Names are case insensitive.
func Parse(s string) (Dialect, error) {
	d := Dialect(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unsupported dialect %q", s)
	}
	return d, nil
}

// Valid reports whether d is a supported dialect.
func (d Dialect) Valid() bool {
	for _, s := range all {
		if d == s {
			return true
		}
	}
	return false
}

func (d Dialect) String() string {
	return string(d)
}

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "postgres"
	case Pgx:
		return "pgx"
	case MySQL, MariaDB:
		return "mysql"
	case SQLite:
		return "sqlite"
	case Oracle:
		return "oracle"
	case SQLServer:
		return "sqlserver"
	default:
		return ""
	}
}

// Placeholder returns the SQL placeholder for the bind argument at the given 1-based index.
func (d Dialect) Placeholder(index int) string {
	switch d {
	case Postgres, Pgx:
		return fmt.Sprintf("$%d", index)

	case Oracle:
		return fmt.Sprintf(":%d", index)

	case SQLServer:
		return fmt.Sprintf("@p%d", index)

	default:
		return "?"
	}
}

// CurrentTimestampUTC returns an SQL expression evaluating to the current time in UTC.
func (d Dialect) CurrentTimestampUTC() string {
	switch d {
	case Postgres, Pgx:
		return "CURRENT_TIMESTAMP AT TIME ZONE 'UTC'"
	case MySQL, MariaDB:
		return "UTC_TIMESTAMP()"
	case Oracle:
		return "SYS_EXTRACT_UTC(SYSTIMESTAMP)"
	case SQLServer:
		return "SYSUTCDATETIME()"
	default:
		return "CURRENT_TIMESTAMP"
	}
}

// IsolationLevel returns the level units of work begin their transactions with.
// Databases whose default is already read committed, or that have no such level, keep their default.
func (d Dialect) IsolationLevel() sql.IsolationLevel {
	switch d {
	case SQLite, Oracle:
		return sql.LevelDefault
	default:
		return sql.LevelReadCommitted
	}
}

// BigIntType returns the column type for 64-bit integers.
func (d Dialect) BigIntType() string {
	if d == Oracle {
		return "NUMBER(19)"
	}
	return "BIGINT"
}

// TimestampType returns the column type for timestamps without time zone.
func (d Dialect) TimestampType() string {
	switch d {
	case SQLServer:
		return "DATETIME2"
	case MySQL, MariaDB:
		return "DATETIME"
	default:
		return "TIMESTAMP"
	}
}

// TableExistsQuery returns a query counting the tables named by its single bind argument.
func (d Dialect) TableExistsQuery() string {
	switch d {
	case Postgres, Pgx:
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
	case MySQL, MariaDB:
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	case Oracle:
		return "SELECT COUNT(*) FROM user_tables WHERE table_name = UPPER(:1)"
	case SQLServer:
		return "SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_NAME = @p1"
	default:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
}
