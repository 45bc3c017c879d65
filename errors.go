package uow

import (
	"errors"
	"fmt"
)

// ErrNoUnitOfWork is returned when an operation needs an active unit of work and there is none.
var ErrNoUnitOfWork = errors.New("no active unit of work")

// ErrUnknownDataSource is wrapped by the error returned for names that were never registered.
var ErrUnknownDataSource = errors.New("unknown data source")

// ErrNoRecordFound is wrapped by the error returned when a query or statement expected a row
// and found none.
var ErrNoRecordFound = errors.New("no record found")

// DataAccessError is the single error kind surfaced by units of work.
// Err holds the original cause, if any.
type DataAccessError struct {
	Msg string
	Err error
}

func (e *DataAccessError) Error() string {
	if e.Err == nil || e.Msg == e.Err.Error() {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *DataAccessError) Unwrap() error { return e.Err }

func newDataAccessError(err error, format string, args ...any) *DataAccessError {
	return &DataAccessError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// normalizeError converts any error returned by a unit of work callback into a *DataAccessError.
// Errors that already are (or wrap) a *DataAccessError are returned unchanged.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var dataAccessErr *DataAccessError
	if errors.As(err, &dataAccessErr) {
		return err
	}
	msg := err.Error()
	if msg == "" {
		msg = fmt.Sprintf("%T", err)
	}
	return &DataAccessError{Msg: msg, Err: err}
}
