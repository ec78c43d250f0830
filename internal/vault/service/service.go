package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatehouse/internal/audit"
	"gatehouse/internal/policy"
	"gatehouse/internal/vault/metrics"
	"gatehouse/internal/vault/models"
	"gatehouse/internal/vault/probe"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/retry"
	"gatehouse/pkg/platform/sentinel"
	"gatehouse/pkg/secrets"
)

// Store defines the persistence interface for grants.
// Error Contract:
// - Find* return sentinel.ErrNotFound when no grant matches
// - Create returns sentinel.ErrConflict on a duplicate digest or a second Active grant
// - any method may return sentinel.ErrUnavailable on a storage outage
type Store interface {
	Create(ctx context.Context, grant *models.Grant) error
	FindByID(ctx context.Context, id domain.GrantID) (*models.Grant, error)
	FindByIDForUpdate(ctx context.Context, id domain.GrantID) (*models.Grant, error)
	FindByDigest(ctx context.Context, digest string) (*models.Grant, error)
	FindActive(ctx context.Context, subject domain.CandidateID, stage domain.Stage) (*models.Grant, error)
	Update(ctx context.Context, grant *models.Grant) error
	ListBySubject(ctx context.Context, subject domain.CandidateID) ([]*models.Grant, error)
	ListActive(ctx context.Context) ([]*models.Grant, error)
	ListExpirable(ctx context.Context, now time.Time) ([]*models.Grant, error)
}

type Option func(*Service)

// Service issues, validates and retires access grants.
type Service struct {
	tx        StoreTx
	reader    Store
	digester  *secrets.Digester
	rules     policy.Rules
	probe     *probe.Guard
	auditor   audit.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	retry     retry.Policy
	newSecret func() (string, error)
}

// New builds the vault. reader serves lookups outside a transaction; tx
// scopes every mutation.
func New(tx StoreTx, reader Store, digester *secrets.Digester, rules policy.Rules, opts ...Option) (*Service, error) {
	if tx == nil || reader == nil {
		return nil, fmt.Errorf("grant store and transaction are required")
	}
	if digester == nil {
		return nil, fmt.Errorf("secret digester is required")
	}
	svc := &Service{
		tx:        tx,
		reader:    reader,
		digester:  digester,
		rules:     rules,
		logger:    slog.Default(),
		retry:     retry.Default,
		newSecret: secrets.GenerateGrantSecret,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithProbeGuard enables per-source refusal after repeated unknown secrets.
func WithProbeGuard(g *probe.Guard) Option {
	return func(s *Service) {
		s.probe = g
	}
}

// WithAuditStore enables the audit read surface (History).
func WithAuditStore(store audit.Store) Option {
	return func(s *Service) {
		s.auditor = store
	}
}

// WithRetry overrides the transient-failure retry policy.
func WithRetry(p retry.Policy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithSecretSource overrides secret generation. Tests only.
func WithSecretSource(fn func() (string, error)) Option {
	return func(s *Service) {
		if fn != nil {
			s.newSecret = fn
		}
	}
}

// inTx runs fn in a subject-scoped transaction, retrying storage outages.
func (s *Service) inTx(ctx context.Context, subject domain.CandidateID, fn func(ctx context.Context, stores Stores) error) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, subject.String(), fn)
	})
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperationLatency(op, time.Since(start).Seconds())
	}
}

// translate maps store sentinels onto domain errors. Errors that already carry
// a domain code pass through unchanged.
func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "grant not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "an active grant already exists for this stage")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, msg)
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeIllegalTransition, msg)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
