package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/requestcontext"
	"gatehouse/pkg/validation"
)

// Revoke retires an Active grant. Revoking an already revoked grant is a no-op.
func (s *Service) Revoke(ctx context.Context, actor domain.ActorID, id domain.GrantID, reason string) (*models.Grant, error) {
	defer s.observe("revoke", time.Now())

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "revoke reason is required")
	}
	if err := validation.CheckStringLength("reason", reason, validation.MaxReasonLength); err != nil {
		return nil, err
	}
	found, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *models.Grant
	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		grant, err := stores.Grants.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		result = grant
		switch grant.Status {
		case models.StatusRevoked:
			return nil
		case models.StatusActive:
		default:
			return dErrors.New(dErrors.CodeIllegalTransition, "grant is "+string(grant.Status))
		}
		before := grant.StateLabel()
		grant.Revoke(requestcontext.Now(ctx), reason)
		if err := stores.Grants.Update(ctx, grant); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventRevoked).
			Transition(before, grant.StateLabel()).
			With("reason", reason).
			By(actor)
		return stores.Audit.Append(ctx, &entry)
	})
	if err != nil {
		return nil, translate(err, "failed to revoke grant")
	}
	s.logger.InfoContext(ctx, "grant revoked",
		"grant_id", id.String(),
		"reason", reason,
		"actor", actor.String(),
	)
	return result, nil
}

// Extend pushes the expiry of an Active, unexpired grant by by. The new expiry
// may not exceed the stage's maximum lifetime measured from issuance.
func (s *Service) Extend(ctx context.Context, actor domain.ActorID, id domain.GrantID, by time.Duration, reason string) (*models.Grant, error) {
	defer s.observe("extend", time.Now())

	if by <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "extension must be positive")
	}
	if err := validation.CheckStringLength("reason", reason, validation.MaxReasonLength); err != nil {
		return nil, err
	}
	found, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rule, ok := s.rules.Grant(found.Stage)
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "no grant rule for stage "+found.Stage.String())
	}

	var result *models.Grant
	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		grant, err := stores.Grants.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := requestcontext.Now(ctx)
		if code, _ := rejectionFor(grant, now); code != "" {
			return dErrors.New(code, rejectionMessage(code))
		}
		newExpiry := grant.ExpiresAt.Add(by)
		if rule.MaxLifetime > 0 && newExpiry.Sub(grant.IssuedAt) > rule.MaxLifetime {
			return dErrors.New(dErrors.CodeValidation,
				fmt.Sprintf("extension exceeds the %s maximum lifetime", rule.MaxLifetime))
		}
		before := grant.StateLabel()
		grant.ExpiresAt = newExpiry
		grant.ExtensionCount++
		if err := stores.Grants.Update(ctx, grant); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventExtended).
			Transition(before, grant.StateLabel()).
			With("by", by.String()).
			With("reason", strings.TrimSpace(reason)).
			By(actor)
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		result = grant
		return nil
	})
	if err != nil {
		return nil, translate(err, "failed to extend grant")
	}
	return result, nil
}

// ExpireDue moves every Active grant past its expiry to Expired and returns
// the grants this call expired. A grant that fails is skipped; the joined
// errors are returned with the successful ones.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) ([]*models.Grant, error) {
	defer s.observe("expire_due", time.Now())

	var due []*models.Grant
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		due, err = s.reader.ListExpirable(ctx, now)
		return err
	})
	if err != nil {
		return nil, translate(err, "failed to list expirable grants")
	}

	var (
		expired []*models.Grant
		errs    []error
	)
	for _, g := range due {
		grant, changed, err := s.ExpireOne(ctx, g.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("grant %s: %w", g.ID, err))
			continue
		}
		if changed {
			expired = append(expired, grant)
		}
	}
	return expired, errors.Join(errs...)
}

// ExpireOne expires a single grant if it is still Active and past expiry at
// now. changed is false when another writer got there first.
func (s *Service) ExpireOne(ctx context.Context, id domain.GrantID, now time.Time) (*models.Grant, bool, error) {
	found, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	var (
		result  *models.Grant
		changed bool
	)
	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		changed = false
		grant, err := stores.Grants.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		result = grant
		if !grant.IsActive() || !grant.IsPastExpiry(now) {
			return nil
		}
		before := grant.StateLabel()
		grant.Expire(now)
		if err := stores.Grants.Update(ctx, grant); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventExpired).
			Transition(before, grant.StateLabel()).
			With("stage", grant.Stage.String()).
			By(domain.SystemActor)
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, translate(err, "failed to expire grant")
	}
	if changed && s.metrics != nil {
		s.metrics.IncrementExpired(result.Stage.String())
	}
	return result, changed, nil
}

// AutoExtend moves the expiry of grant id from `from` to `to` once. It is a
// no-op when the grant is no longer Active, was already auto-extended, or its
// expiry changed since the caller read it.
func (s *Service) AutoExtend(ctx context.Context, id domain.GrantID, from, to time.Time) (*models.Grant, bool, error) {
	found, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	var (
		result  *models.Grant
		changed bool
	)
	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		changed = false
		grant, err := stores.Grants.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		result = grant
		if !grant.IsActive() || grant.AutoExtended || !grant.ExpiresAt.Equal(from) || !to.After(from) {
			return nil
		}
		before := grant.StateLabel()
		grant.ExpiresAt = to
		grant.AutoExtended = true
		if err := stores.Grants.Update(ctx, grant); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventAutoExtended).
			Transition(before, grant.StateLabel()).
			With("from", from.UTC().Format(time.RFC3339)).
			With("to", to.UTC().Format(time.RFC3339)).
			By(domain.SystemActor)
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, translate(err, "failed to auto-extend grant")
	}
	return result, changed, nil
}

// MarkReminderSent records offsets in the grant's sent set and returns the
// ones that were not already there. Nothing is written for inactive grants or
// when every offset was already recorded.
func (s *Service) MarkReminderSent(ctx context.Context, id domain.GrantID, offsets []time.Duration) ([]time.Duration, error) {
	found, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var added []time.Duration
	err = s.inTx(ctx, found.SubjectID, func(ctx context.Context, stores Stores) error {
		added = nil
		grant, err := stores.Grants.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !grant.IsActive() {
			return nil
		}
		for _, o := range offsets {
			if !grant.ReminderSent(o) && !slices.Contains(added, o) {
				added = append(added, o)
			}
		}
		if len(added) == 0 {
			return nil
		}
		slices.Sort(added)
		grant.MarkReminders(added...)
		if err := stores.Grants.Update(ctx, grant); err != nil {
			return err
		}
		labels := make([]string, 0, len(added))
		for _, o := range added {
			labels = append(labels, o.String())
		}
		entry := audit.NewEntry(ctx, audit.EntityGrant, grant.ID.String(), audit.EventReminderSent).
			With("offsets", strings.Join(labels, ",")).
			By(domain.SystemActor)
		return stores.Audit.Append(ctx, &entry)
	})
	if err != nil {
		return nil, translate(err, "failed to record reminder")
	}
	return added, nil
}
