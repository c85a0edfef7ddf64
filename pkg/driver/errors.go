package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is a datastore failure of a given kind (ErrSQL, ErrRow, ...).
//
// errors.Is matches the kind while errors.As still reaches the underlying cause,
// e.g. a *pgconn.PgError.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

// Errorf builds an Error of kind with a formatted message. cause may be nil.
//
// Example usage:
//
//	if _, err := db.ExecContext(ctx, q); err != nil {
//		return driver.Errorf(driver.ErrSQL, err, "failed to execute %q", q)
//	}
func Errorf(kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg + ": " + e.Kind.Error()
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the error kind err belongs to, or nil when err did not originate
// from a datastore operation.
func Kind(err error) error {
	for _, kind := range []error{
		ErrRow,
		ErrHashMismatch,
		ErrSQL,
		ErrConnectionValidation,
		ErrCreatingDatasource,
		ErrUnsupportedDriver,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return nil
}
