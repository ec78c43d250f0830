package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/sentinel"
	"gatehouse/pkg/requestcontext"
)

// Issue mints a grant for subject on stage. The plaintext secret is returned
// once in the result and never stored.
func (s *Service) Issue(ctx context.Context, subject domain.CandidateID, stage domain.Stage, ttl time.Duration, maxUses int) (*models.IssuedGrant, error) {
	defer s.observe("issue", time.Now())

	if subject.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "subject is required")
	}
	if !stage.IsAssessment() {
		return nil, dErrors.New(dErrors.CodeValidation, "grants are only issued for assessment stages")
	}
	if ttl <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "ttl must be positive")
	}
	if maxUses < 1 {
		return nil, dErrors.New(dErrors.CodeValidation, "max uses must be at least 1")
	}

	secret, err := s.newSecret()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate grant secret")
	}

	now := requestcontext.Now(ctx)
	grant := &models.Grant{
		ID:           domain.NewGrantID(),
		SubjectID:    subject,
		Stage:        stage,
		SecretDigest: s.digester.Digest(secret),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
		MaxUses:      maxUses,
		Status:       models.StatusActive,
	}

	err = s.inTx(ctx, subject, func(ctx context.Context, stores Stores) error {
		existing, err := stores.Grants.FindActive(ctx, subject, stage)
		if err == nil {
			return dErrors.New(dErrors.CodeConflict, "an active grant already exists for "+existing.Stage.String())
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		if err := stores.Grants.Create(ctx, grant); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventIssued).
			Transition("", grant.StateLabel()).
			With("subject_id", subject.String()).
			With("stage", stage.String()).
			With("max_uses", strconv.Itoa(maxUses)).
			With("ttl", ttl.String())
		return stores.Audit.Append(ctx, &entry)
	})
	if err != nil {
		return nil, translate(err, "failed to issue grant")
	}

	if s.metrics != nil {
		s.metrics.IncrementIssued(stage.String())
	}
	s.logger.InfoContext(ctx, "grant issued",
		"grant_id", grant.ID.String(),
		"candidate_id", subject.String(),
		"stage", stage.String(),
		"expires_at", grant.ExpiresAt,
	)
	return &models.IssuedGrant{Grant: grant, Secret: secret}, nil
}

// IssueForStage issues with the configured TTL and use limit for stage.
func (s *Service) IssueForStage(ctx context.Context, subject domain.CandidateID, stage domain.Stage) (*models.IssuedGrant, error) {
	rule, ok := s.rules.Grant(stage)
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "no grant rule for stage "+stage.String())
	}
	return s.Issue(ctx, subject, stage, rule.TTL, rule.MaxUses)
}
