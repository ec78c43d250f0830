package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/sentinel"
	"gatehouse/pkg/requestcontext"
)

// Rejection reasons recorded in audit details.
const (
	reasonUnknownSecret = "unknown-secret"
	reasonStageMismatch = "stage-mismatch"
	reasonRevoked       = "revoked"
	reasonConsumed      = "already-consumed"
	reasonExpired       = "expired"
	reasonProbe         = "probe-refused"
)

// secretEntityLen is how much of a digest identifies an unknown secret in audit.
const secretEntityLen = 16

// errGrantNotFound is the single answer for unknown secrets and stage
// mismatches so callers cannot tell whether a secret exists.
func errGrantNotFound() error {
	return dErrors.New(dErrors.CodeNotFound, "grant not found")
}

// Validate presents secret for stage. On success the use is counted and the
// grant flips to Consumed when it reaches its use limit. Every rejection is
// audited with its detailed reason.
func (s *Service) Validate(ctx context.Context, secret string, stage domain.Stage) (*models.Grant, error) {
	defer s.observe("validate", time.Now())

	secret = strings.TrimSpace(secret)
	source := requestcontext.ClientIP(ctx)
	if s.probeBlocked(ctx, source) {
		s.countValidation(reasonProbe)
		return nil, errGrantNotFound()
	}
	if secret == "" {
		return nil, errGrantNotFound()
	}

	digest := s.digester.Digest(secret)
	found, err := s.lookupDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.unknownSecret(ctx, digest, source, stage)
			return nil, errGrantNotFound()
		}
		return nil, translate(err, "failed to validate grant")
	}

	var (
		result    *models.Grant
		rejection error
		outcome   string
	)
	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		result, rejection, outcome = nil, nil, ""
		grant, err := stores.Grants.FindByIDForUpdate(ctx, found.ID)
		if err != nil {
			return err
		}
		now := requestcontext.Now(ctx)

		if grant.Stage != stage {
			outcome = reasonStageMismatch
			rejection = errGrantNotFound()
			return s.recordFailure(ctx, stores, grant, now, reasonStageMismatch, stage)
		}

		if code, reason := rejectionFor(grant, now); code != "" {
			outcome = reason
			rejection = dErrors.New(code, rejectionMessage(code))
			entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventValidateRejected).
				Transition(grant.StateLabel(), grant.StateLabel()).
				With("reason", reason).
				With("stage", stage.String()).
				With("source", source)
			return stores.Audit.Append(ctx, &entry)
		}

		before := grant.StateLabel()
		grant.Consume(now)
		if err := stores.Grants.Update(ctx, grant); err != nil {
			return err
		}
		event := audit.EventValidated
		if grant.Status == models.StatusConsumed {
			event = audit.EventConsumed
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), event).
			Transition(before, grant.StateLabel()).
			With("use_count", strconv.Itoa(grant.UseCount)).
			With("source", source).
			With("device", requestcontext.Device(ctx))
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		outcome = string(event)
		result = grant
		return nil
	})
	if err != nil {
		return nil, translate(err, "failed to validate grant")
	}

	s.countValidation(outcome)
	if rejection != nil {
		s.logger.InfoContext(ctx, "grant validation rejected",
			"grant_id", found.ID.String(),
			"stage", stage.String(),
			"reason", outcome,
		)
		return nil, rejection
	}
	return result, nil
}

// rejectionFor applies the checks in order: revoked, consumed, expired.
func rejectionFor(g *models.Grant, now time.Time) (dErrors.Code, string) {
	switch {
	case g.Status == models.StatusRevoked:
		return dErrors.CodeRevoked, reasonRevoked
	case g.Status == models.StatusConsumed, g.UsesExhausted():
		return dErrors.CodeAlreadyConsumed, reasonConsumed
	case g.Status == models.StatusExpired, g.IsPastExpiry(now):
		return dErrors.CodeExpired, reasonExpired
	}
	return "", ""
}

func rejectionMessage(code dErrors.Code) string {
	switch code {
	case dErrors.CodeRevoked:
		return "grant has been revoked"
	case dErrors.CodeAlreadyConsumed:
		return "grant has already been used"
	case dErrors.CodeExpired:
		return "grant has expired"
	}
	return "grant is not valid"
}

// RecordFailedAttempt counts a failed use of secret against its grant. Past
// the configured ceiling an Active grant is revoked.
func (s *Service) RecordFailedAttempt(ctx context.Context, secret string) error {
	defer s.observe("record_failed_attempt", time.Now())

	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errGrantNotFound()
	}
	digest := s.digester.Digest(secret)
	found, err := s.lookupDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.unknownSecret(ctx, digest, requestcontext.ClientIP(ctx), "")
			return errGrantNotFound()
		}
		return translate(err, "failed to record attempt")
	}

	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		grant, err := stores.Grants.FindByIDForUpdate(ctx, found.ID)
		if err != nil {
			return err
		}
		return s.recordFailure(ctx, stores, grant, requestcontext.Now(ctx), "reported", grant.Stage)
	})
	return translate(err, "failed to record attempt")
}

// recordFailure bumps the failed-attempt counter inside an open transaction.
// It writes one audit entry: failed-attempt, or revoked-lockout when the
// attempt crosses the ceiling. Inactive grants are audited but not mutated.
func (s *Service) recordFailure(ctx context.Context, stores Stores, grant *models.Grant, now time.Time, reason string, presented domain.Stage) error {
	if !grant.IsActive() {
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventValidateRejected).
			Transition(grant.StateLabel(), grant.StateLabel()).
			With("reason", reason).
			With("stage", presented.String())
		return stores.Audit.Append(ctx, &entry)
	}

	before := grant.StateLabel()
	grant.FailedAttempts++
	event := audit.EventFailedAttempt
	if grant.FailedAttempts > s.rules.MaxFailedAttempts {
		grant.Revoke(now, models.ReasonLockout)
		event = audit.EventRevokedLockout
	}
	if err := stores.Grants.Update(ctx, grant); err != nil {
		return err
	}
	entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), event).
		Transition(before, grant.StateLabel()).
		With("reason", reason).
		With("stage", presented.String()).
		With("failed_attempts", strconv.Itoa(grant.FailedAttempts))
	if err := stores.Audit.Append(ctx, &entry); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.FailedAttempts.Inc()
		if event == audit.EventRevokedLockout {
			s.metrics.Lockouts.Inc()
		}
	}
	if event == audit.EventRevokedLockout {
		s.logger.WarnContext(ctx, "grant revoked after repeated failures",
			"grant_id", grant.ID.String(),
			"candidate_id", grant.SubjectID.String(),
			"failed_attempts", grant.FailedAttempts,
		)
	}
	return nil
}

func (s *Service) lookupDigest(ctx context.Context, digest string) (*models.Grant, error) {
	var grant *models.Grant
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		grant, err = s.reader.FindByDigest(ctx, digest)
		return err
	})
	return grant, err
}

// unknownSecret audits a miss and feeds the probe guard. Failures here are
// logged; the caller still answers NotFound.
func (s *Service) unknownSecret(ctx context.Context, digest, source string, stage domain.Stage) {
	s.countValidation(reasonUnknownSecret)
	entityID := "secret:" + digest[:min(secretEntityLen, len(digest))]

	tripped := false
	if s.probe != nil {
		var err error
		tripped, err = s.probe.RecordMiss(ctx, source)
		if err != nil {
			s.logger.WarnContext(ctx, "probe counter unavailable", "error", err)
		}
	}

	err := s.tx.RunInTx(ctx, entityID, func(ctx context.Context, stores Stores) error {
		entry := audit.NewEntry(ctx, audit.EntitySecret, entityID, audit.EventValidateRejected).
			With("reason", reasonUnknownSecret).
			With("stage", stage.String()).
			With("source", source)
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		if !tripped {
			return nil
		}
		probeEntry := audit.NewEntry(ctx, audit.EntityClient, source, audit.EventProbeSuspected).
			With("threshold_reached_by", entityID)
		return stores.Audit.Append(ctx, &probeEntry)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to audit unknown secret", "error", err)
	}
	if tripped {
		s.logger.WarnContext(ctx, "grant probing suspected", "source", source)
	}
}

func (s *Service) probeBlocked(ctx context.Context, source string) bool {
	if s.probe == nil {
		return false
	}
	blocked, err := s.probe.Blocked(ctx, source)
	if err != nil {
		s.logger.WarnContext(ctx, "probe counter unavailable", "error", err)
		return false
	}
	if blocked && s.metrics != nil {
		s.metrics.ProbeRefusals.Inc()
	}
	return blocked
}

func (s *Service) countValidation(outcome string) {
	if s.metrics != nil && outcome != "" {
		s.metrics.IncrementValidation(outcome)
	}
}
