package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"gatehouse/pkg/platform/sentinel"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "grants_one_active"}, sentinel.ErrConflict},
		{"connection failure class", &pgconn.PgError{Code: "08006"}, sentinel.ErrUnavailable},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, sentinel.ErrUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, sentinel.ErrUnavailable},
		{"bad conn", driver.ErrBadConn, sentinel.ErrUnavailable},
		{"deadline", context.DeadlineExceeded, sentinel.ErrUnavailable},
		{"sentinel passes through", sentinel.ErrNotFound, sentinel.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassify_UnknownErrorsAreWrappedOnly(t *testing.T) {
	base := errors.New("syntax error")
	got := Classify("insert grant", base)

	assert.ErrorIs(t, got, base)
	assert.NotErrorIs(t, got, sentinel.ErrUnavailable)
	assert.Contains(t, got.Error(), "insert grant")

	pgSyntax := &pgconn.PgError{Code: "42601"}
	assert.NotErrorIs(t, Classify("q", pgSyntax), sentinel.ErrUnavailable)
	assert.Nil(t, Classify("q", nil))
}
