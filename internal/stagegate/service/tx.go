package service

import (
	"context"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/stagegate/metrics"
	dErrors "gatehouse/pkg/domain-errors"
	platformsync "gatehouse/pkg/platform/sync"
)

// Stores is the set of stores a transaction body may touch.
type Stores struct {
	Candidates Store
	Audit      audit.Appender
}

// StoreTx provides the per-candidate transactional boundary for transitions.
type StoreTx interface {
	RunInTx(ctx context.Context, key string, fn func(ctx context.Context, stores Stores) error) error
}

const defaultTxTimeout = 5 * time.Second

type shardedTx struct {
	mu         *platformsync.ShardedMutex
	candidates Store
	audit      audit.Appender
}

// NewShardedTx serializes transactions per candidate over in-memory stores.
// Audit entries reach auditStore only when fn succeeds.
func NewShardedTx(candidates Store, auditStore audit.Appender, m *metrics.Metrics) StoreTx {
	var opts []platformsync.Option
	if m != nil {
		opts = append(opts, platformsync.WithWaitObserver(func(d time.Duration) {
			m.ObserveShardLockWait(d.Seconds())
		}))
	}
	return &shardedTx{
		mu:         platformsync.NewShardedMutex(opts...),
		candidates: candidates,
		audit:      auditStore,
	}
}

func (t *shardedTx) RunInTx(ctx context.Context, key string, fn func(ctx context.Context, stores Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}

	t.mu.Lock(key)
	defer t.mu.Unlock(key)

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	var buf audit.Buffer
	if err := fn(ctx, Stores{Candidates: t.candidates, Audit: &buf}); err != nil {
		return err
	}
	return buf.Flush(ctx, t.audit)
}
