package app

import (
	"context"
	"database/sql"
	"time"

	"gatehouse/internal/audit"
	sgservice "gatehouse/internal/stagegate/service"
	sgstore "gatehouse/internal/stagegate/store"
	vaultservice "gatehouse/internal/vault/service"
	vaultstore "gatehouse/internal/vault/store"
	dErrors "gatehouse/pkg/domain-errors"
)

const defaultTxTimeout = 5 * time.Second

// runInTx is the shared transaction body: the audit entries written through
// the tx-bound stores commit or roll back with the state change.
func runInTx(ctx context.Context, db *sql.DB, timeout time.Duration, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // rollback after commit is no-op; error already captured
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

type vaultPostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newVaultPostgresTx(db *sql.DB) *vaultPostgresTx {
	return &vaultPostgresTx{db: db}
}

// RunInTx ignores key: row locks taken by FindByIDForUpdate serialize
// concurrent mutations of the same grant.
func (t *vaultPostgresTx) RunInTx(ctx context.Context, _ string, fn func(ctx context.Context, stores vaultservice.Stores) error) error {
	return runInTx(ctx, t.db, t.timeout, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, vaultservice.Stores{
			Grants: vaultstore.NewPostgresTx(tx),
			Audit:  audit.NewPostgresTx(tx),
		})
	})
}

type stagegatePostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newStagegatePostgresTx(db *sql.DB) *stagegatePostgresTx {
	return &stagegatePostgresTx{db: db}
}

func (t *stagegatePostgresTx) RunInTx(ctx context.Context, _ string, fn func(ctx context.Context, stores sgservice.Stores) error) error {
	return runInTx(ctx, t.db, t.timeout, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, sgservice.Stores{
			Candidates: sgstore.NewPostgresTx(tx),
			Audit:      audit.NewPostgresTx(tx),
		})
	})
}
