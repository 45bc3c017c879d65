// Package uow implements transaction propagation for database/sql.
//
// A unit of work groups every physical connection that a call chain opens against one or more
// named data sources. Units of work are stacked per call chain: the stack travels inside the
// context.Context handed to the callbacks, so nested code can join the enclosing unit of work or
// start a new one without passing transactions around explicitly.
//
// The package provides:
//   - A Runner with the propagation combinators Required, New and ReadOnly (plus the generic
//     RequiredWithResult, NewWithResult and ReadOnlyWithResult variants).
//   - A Transaction that lazily opens at most one connection per data source name and commits,
//     rolls back and closes all of them together when the unit of work finishes.
//   - A process-wide Registry mapping data source names to DataSource implementations.
//   - Diagnostics that record where units of work were created and list the ones still open.
//
// Example:
//
//	uow.RegisterDataSource("orders", uow.NewDataSource(db))
//	runner := uow.NewRunner()
//
//	err := runner.Required(ctx, func(ctx context.Context) error {
//	    conn, err := runner.Conn(ctx, "orders")
//	    if err != nil {
//	        return err
//	    }
//	    _, err = conn.ExecContext(ctx, "UPDATE orders SET state = $1 WHERE id = $2", "paid", id)
//	    return err
//	})
package uow
