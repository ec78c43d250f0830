package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gatehouse/internal/platform/database"
	"gatehouse/internal/stagegate/models"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/sentinel"
)

// PostgresCandidateStore persists candidates in the candidates table and their
// decision history in stage_outcomes.
type PostgresCandidateStore struct {
	db *sql.DB
	tx *sql.Tx
}

func NewPostgres(db *sql.DB) *PostgresCandidateStore {
	return &PostgresCandidateStore{db: db}
}

// NewPostgresTx binds the store to tx; FindByIDForUpdate then holds the row
// lock until the transaction ends.
func NewPostgresTx(tx *sql.Tx) *PostgresCandidateStore {
	return &PostgresCandidateStore{tx: tx}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresCandidateStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const candidateColumns = `id, name, email, stage, status, created_at, updated_at, version`

func (s *PostgresCandidateStore) Create(ctx context.Context, c *models.Candidate) error {
	if c == nil {
		return fmt.Errorf("candidate is required")
	}
	if c.Version == 0 {
		c.Version = 1
	}
	query := `INSERT INTO candidates (` + candidateColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.execer().ExecContext(ctx, query,
		uuid.UUID(c.ID),
		c.Name,
		c.Email,
		string(c.Stage),
		string(c.Status),
		c.CreatedAt,
		c.UpdatedAt,
		c.Version,
	)
	if err != nil {
		return database.Classify("create candidate", err)
	}
	return nil
}

func (s *PostgresCandidateStore) FindByID(ctx context.Context, id domain.CandidateID) (*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE id = $1`
	return s.findOne(ctx, "find candidate", query, id)
}

func (s *PostgresCandidateStore) FindByIDForUpdate(ctx context.Context, id domain.CandidateID) (*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE id = $1 FOR UPDATE`
	return s.findOne(ctx, "lock candidate", query, id)
}

// Update is guarded by the version column; a stale version is ErrConflict.
func (s *PostgresCandidateStore) Update(ctx context.Context, c *models.Candidate) error {
	query := `
		UPDATE candidates SET stage = $2, status = $3, updated_at = $4, version = version + 1
		WHERE id = $1 AND version = $5
	`
	res, err := s.execer().ExecContext(ctx, query,
		uuid.UUID(c.ID),
		string(c.Stage),
		string(c.Status),
		c.UpdatedAt,
		c.Version,
	)
	if err != nil {
		return database.Classify("update candidate", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return database.Classify("update candidate rows", err)
	}
	if rows == 0 {
		return fmt.Errorf("candidate %s version %d: %w", c.ID, c.Version, sentinel.ErrConflict)
	}
	c.Version++
	return nil
}

// AppendOutcome inserts o. The (candidate_id, seq) primary key rejects a
// duplicate sequence number with ErrConflict.
func (s *PostgresCandidateStore) AppendOutcome(ctx context.Context, id domain.CandidateID, o models.Outcome) error {
	details, err := json.Marshal(nonNil(o.Details))
	if err != nil {
		return fmt.Errorf("encode outcome details: %w", err)
	}
	query := `
		INSERT INTO stage_outcomes (candidate_id, seq, stage, decision, score, actor_id, details, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	var score sql.NullFloat64
	if o.Score != nil {
		score = sql.NullFloat64{Float64: *o.Score, Valid: true}
	}
	_, err = s.execer().ExecContext(ctx, query,
		uuid.UUID(id),
		o.Seq,
		string(o.Stage),
		string(o.Decision),
		score,
		string(o.ActorID),
		details,
		o.DecidedAt,
	)
	if err != nil {
		return database.Classify("append outcome", err)
	}
	return nil
}

// List returns candidates oldest first, optionally filtered by stage, with
// their outcome histories.
func (s *PostgresCandidateStore) List(ctx context.Context, stage domain.Stage, limit int) ([]*models.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE ($1 = '' OR stage = $1) ORDER BY created_at`
	args := []any{string(stage)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify("list candidates", err)
	}
	var out []*models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			rows.Close()
			return nil, database.Classify("list candidates", err)
		}
		out = append(out, c)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, database.Classify("list candidates", err)
	}

	for _, c := range out {
		if c.Outcomes, err = s.outcomes(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresCandidateStore) findOne(ctx context.Context, op, query string, id domain.CandidateID) (*models.Candidate, error) {
	c, err := scanCandidate(s.execer().QueryRowContext(ctx, query, uuid.UUID(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("candidate not found: %w", sentinel.ErrNotFound)
		}
		return nil, database.Classify(op, err)
	}
	if c.Outcomes, err = s.outcomes(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresCandidateStore) outcomes(ctx context.Context, id domain.CandidateID) ([]models.Outcome, error) {
	query := `
		SELECT seq, stage, decision, score, actor_id, details, decided_at
		FROM stage_outcomes WHERE candidate_id = $1 ORDER BY seq
	`
	rows, err := s.execer().QueryContext(ctx, query, uuid.UUID(id))
	if err != nil {
		return nil, database.Classify("list outcomes", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var (
			o               models.Outcome
			stage, decision string
			actor           string
			score           sql.NullFloat64
			details         []byte
		)
		if err := rows.Scan(&o.Seq, &stage, &decision, &score, &actor, &details, &o.DecidedAt); err != nil {
			return nil, database.Classify("scan outcome", err)
		}
		o.Stage = domain.Stage(stage)
		o.Decision = models.Decision(decision)
		o.ActorID = domain.ActorID(actor)
		if score.Valid {
			v := score.Float64
			o.Score = &v
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &o.Details); err != nil {
				return nil, fmt.Errorf("decode outcome details: %w", err)
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify("list outcomes", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*models.Candidate, error) {
	var (
		c             models.Candidate
		id            uuid.UUID
		stage, status string
	)
	if err := row.Scan(&id, &c.Name, &c.Email, &stage, &status, &c.CreatedAt, &c.UpdatedAt, &c.Version); err != nil {
		return nil, err
	}
	c.ID = domain.CandidateID(id)
	c.Stage = domain.Stage(stage)
	c.Status = models.Status(status)
	return &c, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
