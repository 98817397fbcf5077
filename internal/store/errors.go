package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrUnknownJob is returned when an operation references a job that is not registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrDuplicateJob is returned when registering a name that already exists.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrNotFound is returned when updating or deleting an absent job, maintainer or admin.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks transient persistence failures. Callers may retry later.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// unavailable wraps err with ErrStoreUnavailable when it looks transient
// (connection loss, timeouts, closed database). Other errors pass through.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, bolt.ErrTimeout) ||
		errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
