package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"gatehouse/pkg/platform/sentinel"
)

const (
	uniqueViolation       = "23505"
	serializationFailure  = "40001"
	deadlockDetected      = "40P01"
	connectionClassPrefix = "08"
	adminShutdownClass    = "57P"
)

// Classify maps driver failures onto store sentinels so services can decide
// between retrying (ErrUnavailable) and reporting (ErrConflict). Errors that
// do not match a known class are returned wrapped with op.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel.ErrUnavailable) || errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrNotFound) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == uniqueViolation:
			return fmt.Errorf("%s: %w: %s", op, sentinel.ErrConflict, pgErr.ConstraintName)
		case pgErr.Code == serializationFailure, pgErr.Code == deadlockDetected,
			strings.HasPrefix(pgErr.Code, connectionClassPrefix),
			strings.HasPrefix(pgErr.Code, adminShutdownClass):
			return fmt.Errorf("%s: %w: %s", op, sentinel.ErrUnavailable, pgErr.Code)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.As(err, &connErr),
		errors.As(err, &netErr),
		pgconn.SafeToRetry(err):
		return fmt.Errorf("%s: %w: %v", op, sentinel.ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", op, sentinel.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
