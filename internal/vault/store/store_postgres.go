package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gatehouse/internal/platform/database"
	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/sentinel"
)

// PostgresGrantStore persists grants in PostgreSQL. The partial unique index
// grants_one_active enforces one Active grant per subject and stage.
type PostgresGrantStore struct {
	db *sql.DB
	tx *sql.Tx
}

func NewPostgres(db *sql.DB) *PostgresGrantStore {
	return &PostgresGrantStore{db: db}
}

// NewPostgresTx binds the store to tx; FindByIDForUpdate then holds the row lock
// until the transaction ends.
func NewPostgresTx(tx *sql.Tx) *PostgresGrantStore {
	return &PostgresGrantStore{tx: tx}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresGrantStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const grantColumns = `id, subject_id, stage, secret_digest, issued_at, expires_at, max_uses,
	use_count, failed_attempts, status, auto_extended, extension_count, reminders_sent,
	consumed_at, expired_at, revoked_at, revoke_reason`

func (s *PostgresGrantStore) Create(ctx context.Context, grant *models.Grant) error {
	if grant == nil {
		return fmt.Errorf("grant is required")
	}
	reminders, err := encodeReminders(grant.RemindersSent)
	if err != nil {
		return err
	}
	query := `INSERT INTO grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = s.execer().ExecContext(ctx, query,
		uuid.UUID(grant.ID),
		uuid.UUID(grant.SubjectID),
		string(grant.Stage),
		grant.SecretDigest,
		grant.IssuedAt,
		grant.ExpiresAt,
		grant.MaxUses,
		grant.UseCount,
		grant.FailedAttempts,
		string(grant.Status),
		grant.AutoExtended,
		grant.ExtensionCount,
		reminders,
		grant.ConsumedAt,
		grant.ExpiredAt,
		grant.RevokedAt,
		grant.RevokeReason,
	)
	if err != nil {
		return database.Classify("create grant", err)
	}
	return nil
}

func (s *PostgresGrantStore) FindByID(ctx context.Context, id domain.GrantID) (*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE id = $1`
	return s.findOne(ctx, "find grant", query, uuid.UUID(id))
}

func (s *PostgresGrantStore) FindByIDForUpdate(ctx context.Context, id domain.GrantID) (*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE id = $1 FOR UPDATE`
	return s.findOne(ctx, "lock grant", query, uuid.UUID(id))
}

func (s *PostgresGrantStore) FindByDigest(ctx context.Context, digest string) (*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE secret_digest = $1`
	return s.findOne(ctx, "find grant by digest", query, digest)
}

func (s *PostgresGrantStore) FindActive(ctx context.Context, subject domain.CandidateID, stage domain.Stage) (*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE subject_id = $1 AND stage = $2 AND status = 'active'`
	return s.findOne(ctx, "find active grant", query, uuid.UUID(subject), string(stage))
}

func (s *PostgresGrantStore) Update(ctx context.Context, grant *models.Grant) error {
	reminders, err := encodeReminders(grant.RemindersSent)
	if err != nil {
		return err
	}
	query := `
		UPDATE grants SET
			expires_at = $2, use_count = $3, failed_attempts = $4, status = $5,
			auto_extended = $6, extension_count = $7, reminders_sent = $8,
			consumed_at = $9, expired_at = $10, revoked_at = $11, revoke_reason = $12
		WHERE id = $1
	`
	res, err := s.execer().ExecContext(ctx, query,
		uuid.UUID(grant.ID),
		grant.ExpiresAt,
		grant.UseCount,
		grant.FailedAttempts,
		string(grant.Status),
		grant.AutoExtended,
		grant.ExtensionCount,
		reminders,
		grant.ConsumedAt,
		grant.ExpiredAt,
		grant.RevokedAt,
		grant.RevokeReason,
	)
	if err != nil {
		return database.Classify("update grant", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return database.Classify("update grant rows", err)
	}
	if rows == 0 {
		return fmt.Errorf("grant not found: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresGrantStore) ListBySubject(ctx context.Context, subject domain.CandidateID) ([]*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE subject_id = $1 ORDER BY issued_at, expires_at`
	return s.findMany(ctx, "list grants by subject", query, uuid.UUID(subject))
}

func (s *PostgresGrantStore) ListActive(ctx context.Context) ([]*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE status = 'active' ORDER BY issued_at, expires_at`
	return s.findMany(ctx, "list active grants", query)
}

func (s *PostgresGrantStore) ListExpirable(ctx context.Context, now time.Time) ([]*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE status = 'active' AND expires_at < $1 ORDER BY expires_at`
	return s.findMany(ctx, "list expirable grants", query, now)
}

func (s *PostgresGrantStore) findOne(ctx context.Context, op, query string, args ...any) (*models.Grant, error) {
	grant, err := scanGrant(s.execer().QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("grant not found: %w", sentinel.ErrNotFound)
		}
		return nil, database.Classify(op, err)
	}
	return grant, nil
}

func (s *PostgresGrantStore) findMany(ctx context.Context, op, query string, args ...any) ([]*models.Grant, error) {
	rows, err := s.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(op, err)
	}
	defer rows.Close()

	var grants []*models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, database.Classify(op, err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(op, err)
	}
	return grants, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*models.Grant, error) {
	var (
		g                 models.Grant
		id, subject       uuid.UUID
		stage, status     string
		reminders         []byte
		consumed, expired sql.NullTime
		revoked           sql.NullTime
	)
	if err := row.Scan(&id, &subject, &stage, &g.SecretDigest, &g.IssuedAt, &g.ExpiresAt,
		&g.MaxUses, &g.UseCount, &g.FailedAttempts, &status, &g.AutoExtended, &g.ExtensionCount,
		&reminders, &consumed, &expired, &revoked, &g.RevokeReason); err != nil {
		return nil, err
	}
	g.ID = domain.GrantID(id)
	g.SubjectID = domain.CandidateID(subject)
	g.Stage = domain.Stage(stage)
	g.Status = models.Status(status)
	g.ConsumedAt = nullTime(consumed)
	g.ExpiredAt = nullTime(expired)
	g.RevokedAt = nullTime(revoked)
	sent, err := decodeReminders(reminders)
	if err != nil {
		return nil, err
	}
	g.RemindersSent = sent
	return &g, nil
}

// reminders_sent holds offsets as whole seconds.
func encodeReminders(offsets []time.Duration) ([]byte, error) {
	secs := make([]int64, 0, len(offsets))
	for _, o := range offsets {
		secs = append(secs, int64(o/time.Second))
	}
	raw, err := json.Marshal(secs)
	if err != nil {
		return nil, fmt.Errorf("encode reminders: %w", err)
	}
	return raw, nil
}

func decodeReminders(raw []byte) ([]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var secs []int64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	var out []time.Duration
	for _, s := range secs {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
