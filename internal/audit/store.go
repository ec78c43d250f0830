package audit

import "context"

// Appender is the write side handed to services inside a transaction.
type Appender interface {
	Append(ctx context.Context, entry *Entry) error
}

// Store persists audit entries. It is append-only: there is no update or delete.
type Store interface {
	Appender
	ListByEntity(ctx context.Context, kind EntityKind, entityID string) ([]Entry, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
}

// Buffer collects entries written during an in-memory transaction so they
// reach the store only when the transaction commits.
type Buffer struct {
	entries []*Entry
}

func (b *Buffer) Append(_ context.Context, entry *Entry) error {
	b.entries = append(b.entries, entry)
	return nil
}

// Flush appends the buffered entries to dst in order.
func (b *Buffer) Flush(ctx context.Context, dst Appender) error {
	for _, e := range b.entries {
		if err := dst.Append(ctx, e); err != nil {
			return err
		}
	}
	b.entries = nil
	return nil
}

func (b *Buffer) Len() int { return len(b.entries) }
