package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/sentinel"
)

// InMemoryGrantStore keeps grants in maps guarded by a RWMutex. Callers get
// copies; mutations go through Update.
type InMemoryGrantStore struct {
	mu       sync.RWMutex
	grants   map[domain.GrantID]*models.Grant
	byDigest map[string]domain.GrantID
}

func NewInMemory() *InMemoryGrantStore {
	return &InMemoryGrantStore{
		grants:   make(map[domain.GrantID]*models.Grant),
		byDigest: make(map[string]domain.GrantID),
	}
}

// Create inserts grant. It fails with sentinel.ErrConflict when the digest is
// taken or an Active grant already exists for the same subject and stage.
func (s *InMemoryGrantStore) Create(_ context.Context, grant *models.Grant) error {
	if grant == nil {
		return fmt.Errorf("grant is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDigest[grant.SecretDigest]; ok {
		return fmt.Errorf("grant digest: %w", sentinel.ErrConflict)
	}
	if grant.IsActive() {
		for _, g := range s.grants {
			if g.IsActive() && g.SubjectID == grant.SubjectID && g.Stage == grant.Stage {
				return fmt.Errorf("active grant for %s: %w", grant.Stage, sentinel.ErrConflict)
			}
		}
	}
	s.grants[grant.ID] = grant.Clone()
	s.byDigest[grant.SecretDigest] = grant.ID
	return nil
}

func (s *InMemoryGrantStore) FindByID(_ context.Context, id domain.GrantID) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("grant not found: %w", sentinel.ErrNotFound)
	}
	return g.Clone(), nil
}

// FindByIDForUpdate is FindByID; in memory the caller's shard lock is the row lock.
func (s *InMemoryGrantStore) FindByIDForUpdate(ctx context.Context, id domain.GrantID) (*models.Grant, error) {
	return s.FindByID(ctx, id)
}

func (s *InMemoryGrantStore) FindByDigest(_ context.Context, digest string) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDigest[digest]
	if !ok {
		return nil, fmt.Errorf("grant not found: %w", sentinel.ErrNotFound)
	}
	return s.grants[id].Clone(), nil
}

func (s *InMemoryGrantStore) FindActive(_ context.Context, subject domain.CandidateID, stage domain.Stage) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.grants {
		if g.IsActive() && g.SubjectID == subject && g.Stage == stage {
			return g.Clone(), nil
		}
	}
	return nil, fmt.Errorf("active grant not found: %w", sentinel.ErrNotFound)
}

// Update replaces the stored grant. The digest, subject and stage are immutable.
func (s *InMemoryGrantStore) Update(_ context.Context, grant *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.grants[grant.ID]
	if !ok {
		return fmt.Errorf("grant not found: %w", sentinel.ErrNotFound)
	}
	if grant.UseCount > grant.MaxUses {
		return fmt.Errorf("use count above limit: %w", sentinel.ErrInvalidState)
	}
	updated := grant.Clone()
	updated.SecretDigest = existing.SecretDigest
	updated.SubjectID = existing.SubjectID
	updated.Stage = existing.Stage
	s.grants[grant.ID] = updated
	return nil
}

// ListBySubject returns the subject's grants oldest first.
func (s *InMemoryGrantStore) ListBySubject(_ context.Context, subject domain.CandidateID) ([]*models.Grant, error) {
	return s.collect(func(g *models.Grant) bool { return g.SubjectID == subject }), nil
}

func (s *InMemoryGrantStore) ListActive(_ context.Context) ([]*models.Grant, error) {
	return s.collect((*models.Grant).IsActive), nil
}

// ListExpirable returns Active grants whose expiry is strictly before now.
func (s *InMemoryGrantStore) ListExpirable(_ context.Context, now time.Time) ([]*models.Grant, error) {
	return s.collect(func(g *models.Grant) bool { return g.IsActive() && g.IsPastExpiry(now) }), nil
}

func (s *InMemoryGrantStore) collect(match func(*models.Grant) bool) []*models.Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Grant
	for _, g := range s.grants {
		if match(g) {
			out = append(out, g.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Grant) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	return out
}
