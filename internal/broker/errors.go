package broker

import (
	"errors"
	"fmt"
)

// Code categorizes broker failures.
type Code string

const (
	// CodeConnection means a worker could not obtain or keep its database
	// connection. The worker is retired and replaced.
	CodeConnection Code = "CONNECTION_ERROR"

	// CodeTransactionFailed means the unit's function returned an error or
	// panicked and its transaction was rolled back.
	CodeTransactionFailed Code = "TRANSACTION_FAILED"

	// CodeTransient marks a lock, busy, or serialization failure that is
	// worth retrying.
	CodeTransient Code = "TRANSIENT_DRIVER_ERROR"

	// CodeSchemaSetup means a startup unit failed. The broker is unusable.
	CodeSchemaSetup Code = "SCHEMA_SETUP_ERROR"

	// CodeQueueClosed means the unit was submitted after, or was still
	// pending at, shutdown.
	CodeQueueClosed Code = "QUEUE_CLOSED"

	// CodeCancelled means a pending unit was withdrawn.
	CodeCancelled Code = "CANCELLED"

	// CodeTimeout means the unit did not complete within its timeout.
	CodeTimeout Code = "TIMEOUT"

	// CodeMisuse means the broker was called in a way its lifecycle forbids.
	CodeMisuse Code = "MISUSE"
)

// Error is the failure delivered on a broker future.
type Error struct {
	Code    Code
	Message string

	// Unit names the unit of work, when known.
	Unit string

	// Attempts is how many times the unit's transaction was tried.
	Attempts int

	// Err is the underlying cause.
	Err error
}

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrConnection        = &Error{Code: CodeConnection}
	ErrTransactionFailed = &Error{Code: CodeTransactionFailed}
	ErrTransient         = &Error{Code: CodeTransient}
	ErrSchemaSetup       = &Error{Code: CodeSchemaSetup}
	ErrQueueClosed       = &Error{Code: CodeQueueClosed}
	ErrCancelled         = &Error{Code: CodeCancelled}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrMisuse            = &Error{Code: CodeMisuse}
)

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Unit != "" {
		msg += fmt.Sprintf(" (unit=%s", e.Unit)
		if e.Attempts > 1 {
			msg += fmt.Sprintf(", attempts=%d", e.Attempts)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code so that errors.Is(err, ErrTimeout) works for any
// timeout, whatever its message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Transient marks err as retryable. Functions passed to Transact can return
// it to ask for another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeTransient, Message: "retryable failure", Err: err}
}

func newError(code Code, unit, msg string, cause error) *Error {
	return &Error{Code: code, Unit: unit, Message: msg, Err: cause}
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsTransactionFailed reports whether err is a failed, rolled back transaction.
func IsTransactionFailed(err error) bool { return errors.Is(err, ErrTransactionFailed) }

// IsTransient reports whether err is, or was caused by, a transient driver
// failure. It stays true after retries are exhausted.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsSchemaSetup reports whether err is a startup failure.
func IsSchemaSetup(err error) bool { return errors.Is(err, ErrSchemaSetup) }

// IsQueueClosed reports whether err is a shutdown failure.
func IsQueueClosed(err error) bool { return errors.Is(err, ErrQueueClosed) }

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool { return errors.Is(err, ErrCancelled) }

// IsTimeout reports whether err is a unit timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsMisuse reports whether err is a lifecycle misuse.
func IsMisuse(err error) bool { return errors.Is(err, ErrMisuse) }
