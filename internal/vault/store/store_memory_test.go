package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/platform/sentinel"
)

type InMemoryGrantStoreSuite struct {
	suite.Suite
	store *InMemoryGrantStore
	ctx   context.Context
	now   time.Time
}

func TestInMemoryGrantStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryGrantStoreSuite))
}

func (s *InMemoryGrantStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2025, 5, 5, 12, 0, 0, 0, time.UTC)
}

func (s *InMemoryGrantStoreSuite) grant(subject domain.CandidateID, stage domain.Stage, digest string) *models.Grant {
	return &models.Grant{
		ID:           domain.NewGrantID(),
		SubjectID:    subject,
		Stage:        stage,
		SecretDigest: digest,
		IssuedAt:     s.now,
		ExpiresAt:    s.now.Add(time.Hour),
		MaxUses:      1,
		Status:       models.StatusActive,
	}
}

func (s *InMemoryGrantStoreSuite) TestCreateRejectsSecondActiveGrant() {
	subject := domain.NewCandidateID()
	s.Require().NoError(s.store.Create(s.ctx, s.grant(subject, domain.Stage1, "d1")))

	err := s.store.Create(s.ctx, s.grant(subject, domain.Stage1, "d2"))
	s.ErrorIs(err, sentinel.ErrConflict)

	s.Require().NoError(s.store.Create(s.ctx, s.grant(subject, domain.Stage2, "d3")))
}

func (s *InMemoryGrantStoreSuite) TestCreateAllowsNewGrantAfterPreviousClosed() {
	subject := domain.NewCandidateID()
	first := s.grant(subject, domain.Stage1, "d1")
	s.Require().NoError(s.store.Create(s.ctx, first))

	first.Expire(s.now)
	s.Require().NoError(s.store.Update(s.ctx, first))

	s.NoError(s.store.Create(s.ctx, s.grant(subject, domain.Stage1, "d2")))
}

func (s *InMemoryGrantStoreSuite) TestCreateRejectsDuplicateDigest() {
	s.Require().NoError(s.store.Create(s.ctx, s.grant(domain.NewCandidateID(), domain.Stage1, "same")))
	err := s.store.Create(s.ctx, s.grant(domain.NewCandidateID(), domain.Stage1, "same"))
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *InMemoryGrantStoreSuite) TestFindByDigest() {
	g := s.grant(domain.NewCandidateID(), domain.Stage2, "digest")
	s.Require().NoError(s.store.Create(s.ctx, g))

	got, err := s.store.FindByDigest(s.ctx, "digest")
	s.Require().NoError(err)
	s.Equal(g.ID, got.ID)

	_, err = s.store.FindByDigest(s.ctx, "other")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *InMemoryGrantStoreSuite) TestReturnedGrantsAreCopies() {
	g := s.grant(domain.NewCandidateID(), domain.Stage1, "d")
	s.Require().NoError(s.store.Create(s.ctx, g))

	got, err := s.store.FindByID(s.ctx, g.ID)
	s.Require().NoError(err)
	got.UseCount = 1

	again, err := s.store.FindByID(s.ctx, g.ID)
	s.Require().NoError(err)
	s.Equal(0, again.UseCount)
}

func (s *InMemoryGrantStoreSuite) TestUpdateRejectsUseCountAboveLimit() {
	g := s.grant(domain.NewCandidateID(), domain.Stage1, "d")
	s.Require().NoError(s.store.Create(s.ctx, g))

	g.UseCount = 2
	s.ErrorIs(s.store.Update(s.ctx, g), sentinel.ErrInvalidState)
}

func (s *InMemoryGrantStoreSuite) TestListExpirableIsStrict() {
	g := s.grant(domain.NewCandidateID(), domain.Stage1, "d")
	s.Require().NoError(s.store.Create(s.ctx, g))

	due, err := s.store.ListExpirable(s.ctx, g.ExpiresAt)
	s.Require().NoError(err)
	s.Empty(due)

	due, err = s.store.ListExpirable(s.ctx, g.ExpiresAt.Add(time.Second))
	s.Require().NoError(err)
	s.Len(due, 1)
}

func (s *InMemoryGrantStoreSuite) TestListBySubjectOrdersByIssue() {
	subject := domain.NewCandidateID()
	second := s.grant(subject, domain.Stage2, "d2")
	second.IssuedAt = s.now.Add(time.Hour)
	first := s.grant(subject, domain.Stage1, "d1")
	s.Require().NoError(s.store.Create(s.ctx, second))
	s.Require().NoError(s.store.Create(s.ctx, first))

	got, err := s.store.ListBySubject(s.ctx, subject)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(domain.Stage1, got[0].Stage)
	s.Equal(domain.Stage2, got[1].Stage)
}
