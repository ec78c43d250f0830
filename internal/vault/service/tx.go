package service

import (
	"context"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/vault/metrics"
	dErrors "gatehouse/pkg/domain-errors"
	platformsync "gatehouse/pkg/platform/sync"
)

// Stores is the set of stores a transaction body may touch. Audit entries
// appended here commit or roll back together with the grant change.
type Stores struct {
	Grants Store
	Audit  audit.Appender
}

// StoreTx provides the per-subject transactional boundary for grant mutations.
// Implementations may wrap a database transaction or, in memory, a sharded lock.
type StoreTx interface {
	RunInTx(ctx context.Context, key string, fn func(ctx context.Context, stores Stores) error) error
}

// defaultTxTimeout is the maximum duration for a vault transaction.
const defaultTxTimeout = 5 * time.Second

type shardedTx struct {
	mu      *platformsync.ShardedMutex
	grants  Store
	audit   audit.Appender
	timeout time.Duration
}

// NewShardedTx serializes transactions per key over in-memory stores. Audit
// entries are buffered and reach auditStore only when fn succeeds.
func NewShardedTx(grants Store, auditStore audit.Appender, m *metrics.Metrics) StoreTx {
	var opts []platformsync.Option
	if m != nil {
		opts = append(opts, platformsync.WithWaitObserver(func(d time.Duration) {
			m.ObserveShardLockWait(d.Seconds())
		}))
	}
	return &shardedTx{
		mu:     platformsync.NewShardedMutex(opts...),
		grants: grants,
		audit:  auditStore,
	}
}

func (t *shardedTx) RunInTx(ctx context.Context, key string, fn func(ctx context.Context, stores Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.mu.Lock(key)
	defer t.mu.Unlock(key)

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	var buf audit.Buffer
	if err := fn(ctx, Stores{Grants: t.grants, Audit: &buf}); err != nil {
		return err
	}
	return buf.Flush(ctx, t.audit)
}
