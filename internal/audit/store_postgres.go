package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"gatehouse/internal/platform/database"
	"gatehouse/pkg/domain"
)

// PostgresStore persists entries in the audit_entries table.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx binds the store to tx so entries commit with the state change.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

type dbExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	details, err := json.Marshal(nonNil(entry.Details))
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	query := `
		INSERT INTO audit_entries (
			id, occurred_at, actor_id, entity_kind, entity_id,
			event_kind, before_state, after_state, details
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`
	err = s.execer().QueryRowContext(ctx, query,
		entry.ID,
		entry.Timestamp,
		string(entry.ActorID),
		string(entry.EntityKind),
		entry.EntityID,
		string(entry.EventKind),
		entry.BeforeState,
		entry.AfterState,
		details,
	).Scan(&entry.Seq)
	if err != nil {
		return database.Classify("insert audit entry", err)
	}
	return nil
}

func (s *PostgresStore) ListByEntity(ctx context.Context, kind EntityKind, entityID string) ([]Entry, error) {
	query := `
		SELECT seq, id, occurred_at, actor_id, entity_kind, entity_id,
		       event_kind, before_state, after_state, details
		FROM audit_entries
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY seq
	`
	rows, err := s.execer().QueryContext(ctx, query, string(kind), entityID)
	if err != nil {
		return nil, database.Classify("query audit entries", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > math.MaxInt32 {
		limit = math.MaxInt32
	}
	query := `
		SELECT seq, id, occurred_at, actor_id, entity_kind, entity_id,
		       event_kind, before_state, after_state, details
		FROM audit_entries
		ORDER BY seq DESC
		LIMIT $1
	`
	rows, err := s.execer().QueryContext(ctx, query, limit)
	if err != nil {
		return nil, database.Classify("query audit entries", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e                  Entry
			actor, kind, event string
			details            []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &actor, &kind, &e.EntityID,
			&event, &e.BeforeState, &e.AfterState, &details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActorID = domain.ActorID(actor)
		e.EntityKind = EntityKind(kind)
		e.EventKind = EventKind(event)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
