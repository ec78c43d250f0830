// Package scheduler reconciles grants against the clock: it expires grants
// past their deadline, moves weekend expiries to the next business morning
// and emits reminders at the configured offsets. Every sweep is idempotent;
// the vault's persisted state decides what has already happened.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gatehouse/internal/notify"
	"gatehouse/internal/policy"
	"gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	"gatehouse/pkg/requestcontext"
)

// Vault is the slice of the credential vault the scheduler drives.
type Vault interface {
	ListActive(ctx context.Context) ([]*models.Grant, error)
	ExpireDue(ctx context.Context, now time.Time) ([]*models.Grant, error)
	AutoExtend(ctx context.Context, id domain.GrantID, from, to time.Time) (*models.Grant, bool, error)
	MarkReminderSent(ctx context.Context, id domain.GrantID, offsets []time.Duration) ([]time.Duration, error)
	IssueForStage(ctx context.Context, subject domain.CandidateID, stage domain.Stage) (*models.IssuedGrant, error)
}

// ExpiryResult summarizes one expiry sweep.
type ExpiryResult struct {
	Expired  int
	Reissued int
	Failed   int
}

// ReminderResult summarizes one reminder and extension sweep.
type ReminderResult struct {
	Scanned   int
	Extended  int
	Reminders int
	Failed    int
}

type Option func(*Service)

// Service runs individual sweeps. Runner schedules them.
type Service struct {
	vault   Vault
	rules   policy.Rules
	emitter notify.Emitter
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	reissue bool

	weekend   map[time.Weekday]bool
	weekendAt *time.Location
}

// WithClock injects the time source. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithEmitter(e notify.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithReissueOnExpiry issues a fresh grant for the same stage after each
// expiry and delivers its secret in a GrantReissued event.
func WithReissueOnExpiry(enabled bool) Option {
	return func(s *Service) {
		s.reissue = enabled
	}
}

// New validates the weekend rule up front so sweeps never fail on configuration.
func New(vault Vault, rules policy.Rules, opts ...Option) (*Service, error) {
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	svc := &Service{
		vault:   vault,
		rules:   rules,
		emitter: notify.Discard{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	if rules.Weekend.Enabled {
		days, err := rules.Weekend.Weekdays()
		if err != nil {
			return nil, err
		}
		loc, err := rules.Weekend.Loc()
		if err != nil {
			return nil, err
		}
		svc.weekend = days
		svc.weekendAt = loc
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// SweepExpiry expires every Active grant past its deadline. Each newly expired
// grant yields one GrantExpired event; a second run over the same state finds
// nothing to do.
func (s *Service) SweepExpiry(ctx context.Context) (res ExpiryResult, err error) {
	now := s.now()
	ctx = requestcontext.WithTime(ctx, now)
	defer s.observe(sweepExpiry, now, &err)

	expired, expireErr := s.vault.ExpireDue(ctx, now)
	var errs []error
	if expireErr != nil {
		errs = append(errs, expireErr)
		res.Failed += countJoined(expireErr)
	}

	for _, g := range expired {
		res.Expired++
		s.emitter.Emit(ctx, notify.Event{
			Kind:        notify.KindGrantExpired,
			CandidateID: g.SubjectID.String(),
			Stage:       g.Stage.String(),
			GrantID:     g.ID.String(),
			OccurredAt:  now,
		})
		s.logger.InfoContext(ctx, "grant expired",
			"grant_id", g.ID.String(),
			"candidate_id", g.SubjectID.String(),
			"stage", g.Stage.String(),
		)
		if !s.reissue {
			continue
		}
		if err := s.reissueFor(ctx, g, now); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("reissue for grant %s: %w", g.ID, err))
			s.logger.ErrorContext(ctx, "failed to reissue expired grant",
				"grant_id", g.ID.String(), "candidate_id", g.SubjectID.String(), "error", err)
			continue
		}
		res.Reissued++
	}
	if s.metrics != nil {
		s.metrics.AddReconciled("expired", res.Expired)
		s.metrics.AddReconciled("reissued", res.Reissued)
	}
	return res, errors.Join(errs...)
}

func (s *Service) reissueFor(ctx context.Context, expired *models.Grant, now time.Time) error {
	issued, err := s.vault.IssueForStage(ctx, expired.SubjectID, expired.Stage)
	if err != nil {
		return err
	}
	expires := issued.Grant.ExpiresAt
	s.emitter.Emit(ctx, notify.Event{
		Kind:        notify.KindGrantReissued,
		CandidateID: expired.SubjectID.String(),
		Stage:       expired.Stage.String(),
		GrantID:     issued.Grant.ID.String(),
		Secret:      issued.Secret,
		ExpiresAt:   &expires,
		OccurredAt:  now,
	})
	return nil
}

// SweepReminders applies the weekend extension and then emits due reminders
// for every Active grant. Extension runs first so reminders are computed
// against the final expiry. A failing grant is logged and skipped.
func (s *Service) SweepReminders(ctx context.Context) (res ReminderResult, err error) {
	now := s.now()
	ctx = requestcontext.WithTime(ctx, now)
	defer s.observe(sweepReminders, now, &err)

	active, err := s.vault.ListActive(ctx)
	if err != nil {
		return res, fmt.Errorf("list active grants: %w", err)
	}

	var errs []error
	for _, g := range active {
		if g.IsPastExpiry(now) {
			continue
		}
		res.Scanned++
		if err := s.reconcile(ctx, g, now, &res); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("grant %s: %w", g.ID, err))
			s.logger.ErrorContext(ctx, "failed to reconcile grant",
				"grant_id", g.ID.String(), "candidate_id", g.SubjectID.String(), "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.AddReconciled("extended", res.Extended)
		s.metrics.AddReconciled("reminded", res.Reminders)
	}
	return res, errors.Join(errs...)
}

func (s *Service) reconcile(ctx context.Context, g *models.Grant, now time.Time, res *ReminderResult) error {
	if to, ok := s.weekendTarget(g, now); ok {
		updated, changed, err := s.vault.AutoExtend(ctx, g.ID, g.ExpiresAt, to)
		if err != nil {
			return fmt.Errorf("auto-extend: %w", err)
		}
		if changed {
			res.Extended++
			expires := updated.ExpiresAt
			s.emitter.Emit(ctx, notify.Event{
				Kind:        notify.KindGrantExtended,
				CandidateID: g.SubjectID.String(),
				Stage:       g.Stage.String(),
				GrantID:     g.ID.String(),
				ExpiresAt:   &expires,
				OccurredAt:  now,
			})
			s.logger.InfoContext(ctx, "grant expiry moved off weekend",
				"grant_id", g.ID.String(), "from", g.ExpiresAt, "to", expires)
		}
		if updated != nil {
			g = updated
		}
	}
	if !g.IsActive() {
		return nil
	}

	due := s.dueOffsets(g, now)
	if len(due) == 0 {
		return nil
	}
	added, err := s.vault.MarkReminderSent(ctx, g.ID, due)
	if err != nil {
		return fmt.Errorf("mark reminder: %w", err)
	}
	if len(added) == 0 {
		return nil
	}
	// One reminder per sweep; it names every offset that fell due so a late
	// sweep does not silently swallow the earlier ones.
	offsets := slices.Clone(added)
	slices.Sort(offsets)
	expires := g.ExpiresAt
	s.emitter.Emit(ctx, notify.Event{
		Kind:        notify.KindReminderDue,
		CandidateID: g.SubjectID.String(),
		Stage:       g.Stage.String(),
		GrantID:     g.ID.String(),
		ExpiresAt:   &expires,
		Offset:      offsets[0],
		Offsets:     offsets,
		OccurredAt:  now,
	})
	res.Reminders++
	return nil
}

// dueOffsets lists the stage's reminder offsets whose window has opened and
// that are not yet in the grant's sent set.
func (s *Service) dueOffsets(g *models.Grant, now time.Time) []time.Duration {
	rule, ok := s.rules.Grant(g.Stage)
	if !ok {
		return nil
	}
	remaining := g.ExpiresAt.Sub(now)
	var due []time.Duration
	for _, off := range rule.ReminderOffsets {
		if remaining <= off && !g.ReminderSent(off) {
			due = append(due, off)
		}
	}
	return due
}

// weekendTarget reports the business-day anchor g's expiry should move to.
// Only grants not yet auto-extended and expiring within the lookahead qualify.
func (s *Service) weekendTarget(g *models.Grant, now time.Time) (time.Time, bool) {
	w := s.rules.Weekend
	if !w.Enabled || g.AutoExtended || g.ExpiresAt.Sub(now) > w.Lookahead {
		return time.Time{}, false
	}
	return NextBusinessAnchor(g.ExpiresAt, s.weekend, s.weekendAt, w.AnchorHour)
}

// NextBusinessAnchor returns anchorHour:00 on the first non-weekend day after
// expiry, in loc. ok is false when expiry does not fall on a weekend day.
func NextBusinessAnchor(expiry time.Time, weekend map[time.Weekday]bool, loc *time.Location, anchorHour int) (time.Time, bool) {
	local := expiry.In(loc)
	if !weekend[local.Weekday()] {
		return time.Time{}, false
	}
	day := local
	for weekend[day.Weekday()] {
		day = day.AddDate(0, 0, 1)
	}
	target := time.Date(day.Year(), day.Month(), day.Day(), anchorHour, 0, 0, 0, loc)
	if !target.After(expiry) {
		return time.Time{}, false
	}
	return target, true
}

func (s *Service) observe(sweep string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveSweep(sweep, time.Since(start).Seconds(), *err != nil)
}

// countJoined counts the errors folded into an errors.Join result.
func countJoined(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
