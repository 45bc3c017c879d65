package uow

import (
	"context"
	"database/sql"
)

// RowScanner converts the current row of rows into a value.
type RowScanner[T any] func(rows *sql.Rows) (T, error)

// QueryFirst runs query on c and converts its first row with scan.
// The error wraps ErrNoRecordFound when the query yields no rows.
func QueryFirst[T any](ctx context.Context, c *Conn, scan RowScanner[T], query string, args ...any) (T, error) {
	v, found, err := FindFirst(ctx, c, scan, query, args...)
	if err != nil {
		return v, err
	}
	if !found {
		var zero T
		return zero, newDataAccessError(ErrNoRecordFound, "no record found on data source %s", c.name)
	}
	return v, nil
}

// FindFirst runs query on c and converts its first row with scan.
// found is false when the query yields no rows.
func FindFirst[T any](ctx context.Context, c *Conn, scan RowScanner[T], query string, args ...any) (v T, found bool, err error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return v, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		return v, false, rows.Err()
	}
	v, err = scan(rows)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// QueryList runs query on c and converts every row with scan.
func QueryList[T any](ctx context.Context, c *Conn, scan RowScanner[T], query string, args ...any) ([]T, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

// Exists reports whether query yields at least one row.
func (c *Conn) Exists(ctx context.Context, query string, args ...any) (bool, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

// ExecCount executes a statement and returns the number of rows it modified.
func (c *Conn) ExecCount(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecOne executes an update or delete of a single record.
// The error wraps ErrNoRecordFound when no row was modified.
func (c *Conn) ExecOne(ctx context.Context, query string, args ...any) error {
	n, err := c.ExecCount(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return newDataAccessError(ErrNoRecordFound, "no record found on data source %s", c.name)
	}
	return nil
}
