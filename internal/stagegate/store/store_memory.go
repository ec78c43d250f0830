package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"gatehouse/internal/stagegate/models"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/sentinel"
)

// InMemoryCandidateStore keeps candidates in a map guarded by a RWMutex.
// Callers receive copies.
type InMemoryCandidateStore struct {
	mu         sync.RWMutex
	candidates map[domain.CandidateID]*models.Candidate
}

func NewInMemory() *InMemoryCandidateStore {
	return &InMemoryCandidateStore{
		candidates: make(map[domain.CandidateID]*models.Candidate),
	}
}

func (s *InMemoryCandidateStore) Create(_ context.Context, c *models.Candidate) error {
	if c == nil {
		return fmt.Errorf("candidate is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.candidates[c.ID]; ok {
		return fmt.Errorf("candidate %s: %w", c.ID, sentinel.ErrConflict)
	}
	stored := c.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.candidates[c.ID] = stored
	c.Version = stored.Version
	return nil
}

func (s *InMemoryCandidateStore) FindByID(_ context.Context, id domain.CandidateID) (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate not found: %w", sentinel.ErrNotFound)
	}
	return c.Clone(), nil
}

// FindByIDForUpdate is FindByID; in memory the caller's shard lock is the row lock.
func (s *InMemoryCandidateStore) FindByIDForUpdate(ctx context.Context, id domain.CandidateID) (*models.Candidate, error) {
	return s.FindByID(ctx, id)
}

// Update writes stage, status and updatedAt when c.Version matches the stored
// version, then bumps the version on both copies. Outcomes are not touched.
func (s *InMemoryCandidateStore) Update(_ context.Context, c *models.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.candidates[c.ID]
	if !ok {
		return fmt.Errorf("candidate not found: %w", sentinel.ErrNotFound)
	}
	if existing.Version != c.Version {
		return fmt.Errorf("candidate %s version %d is stale: %w", c.ID, c.Version, sentinel.ErrConflict)
	}
	existing.Stage = c.Stage
	existing.Status = c.Status
	existing.UpdatedAt = c.UpdatedAt
	existing.Version++
	c.Version = existing.Version
	return nil
}

// AppendOutcome adds o to the candidate's history. o.Seq must be the next
// sequence number.
func (s *InMemoryCandidateStore) AppendOutcome(_ context.Context, id domain.CandidateID, o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.candidates[id]
	if !ok {
		return fmt.Errorf("candidate not found: %w", sentinel.ErrNotFound)
	}
	if o.Seq != existing.NextSeq() {
		return fmt.Errorf("outcome seq %d: %w", o.Seq, sentinel.ErrConflict)
	}
	existing.Outcomes = append(existing.Outcomes, o.Clone())
	return nil
}

// List returns candidates oldest first, optionally filtered by stage.
// A non-positive limit returns everything.
func (s *InMemoryCandidateStore) List(_ context.Context, stage domain.Stage, limit int) ([]*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Candidate
	for _, c := range s.candidates {
		if stage == "" || c.Stage == stage {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Candidate) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
