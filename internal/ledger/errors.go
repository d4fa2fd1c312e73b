package ledger

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ValidationError reports missing or invalid caller input. The operation is
// aborted with no writes.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a referenced row that does not exist.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// ConflictError reports a transaction that lost a concurrency race and
// exhausted its internal retries.
type ConflictError struct {
	Op  string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: concurrent update conflict: %v", e.Op, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// StoreUnavailableError reports that the durable store could not be reached.
// The operation left no partial state committed and may be retried.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// isRetryableConflict reports whether err is a transient Postgres concurrency
// failure worth retrying inside the service.
func isRetryableConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01", "55P03": // serialization failure, deadlock, lock not available
		return true
	}
	return false
}

// isConnectionFailure reports whether err means the store is unreachable.
func isConnectionFailure(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08 - connection exceptions
		return len(pqErr.Code) >= 2 && pqErr.Code[:2] == "08"
	}
	return false
}

// classify wraps a transaction error into the service taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	var nfe *NotFoundError
	if errors.As(err, &ve) || errors.As(err, &nfe) {
		return err
	}
	if isRetryableConflict(err) {
		return &ConflictError{Op: op, Err: err}
	}
	if isConnectionFailure(err) {
		return &StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
