package service

import (
	"context"

	"gatehouse/internal/stagegate/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
)

// Get returns the candidate with its outcome history.
func (s *Service) Get(ctx context.Context, id domain.CandidateID) (*models.Candidate, error) {
	c, err := s.reader.FindByID(ctx, id)
	if err != nil {
		return nil, translate(err, "failed to load candidate")
	}
	return c, nil
}

// Status returns the staff view: stage, status, outcomes and every grant
// issued to the candidate.
func (s *Service) Status(ctx context.Context, id domain.CandidateID) (*models.CandidateView, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	grants, err := s.vault.ListBySubject(ctx, id)
	if err != nil {
		return nil, err
	}
	view := models.NewCandidateView(c, grants)
	return &view, nil
}

const maxListLimit = 500

// List returns candidates oldest first, optionally restricted to one stage.
func (s *Service) List(ctx context.Context, stage domain.Stage, limit int) ([]*models.Candidate, error) {
	if stage != "" && !stage.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown stage")
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	out, err := s.reader.List(ctx, stage, limit)
	if err != nil {
		return nil, translate(err, "failed to list candidates")
	}
	return out, nil
}
