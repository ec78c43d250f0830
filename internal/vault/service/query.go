package service

import (
	"context"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
)

func (s *Service) Get(ctx context.Context, id domain.GrantID) (*models.Grant, error) {
	var grant *models.Grant
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		grant, err = s.reader.FindByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, translate(err, "failed to load grant")
	}
	return grant, nil
}

// ListBySubject returns the subject's grants, oldest first.
func (s *Service) ListBySubject(ctx context.Context, subject domain.CandidateID) ([]*models.Grant, error) {
	defer s.observe("list_by_subject", time.Now())
	var grants []*models.Grant
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		grants, err = s.reader.ListBySubject(ctx, subject)
		return err
	})
	if err != nil {
		return nil, translate(err, "failed to list grants")
	}
	return grants, nil
}

func (s *Service) ListActive(ctx context.Context) ([]*models.Grant, error) {
	var grants []*models.Grant
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		grants, err = s.reader.ListActive(ctx)
		return err
	})
	if err != nil {
		return nil, translate(err, "failed to list active grants")
	}
	return grants, nil
}

// History returns the audit trail of one grant in insertion order.
func (s *Service) History(ctx context.Context, id domain.GrantID) ([]audit.Entry, error) {
	if s.auditor == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "audit store not configured")
	}
	entries, err := s.auditor.ListByEntity(ctx, audit.EntityGrant, id.String())
	if err != nil {
		return nil, translate(err, "failed to load grant history")
	}
	return entries, nil
}
