package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatehouse/internal/notify"
	"gatehouse/internal/policy"
	"gatehouse/internal/stagegate/metrics"
	"gatehouse/internal/stagegate/models"
	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/platform/retry"
	"gatehouse/pkg/platform/sentinel"
)

// Store defines the persistence interface for candidates.
// Error Contract:
// - Find* return sentinel.ErrNotFound when the candidate does not exist
// - Update returns sentinel.ErrConflict when the version is stale
// - AppendOutcome returns sentinel.ErrConflict on a duplicate sequence number
// - any method may return sentinel.ErrUnavailable on a storage outage
type Store interface {
	Create(ctx context.Context, c *models.Candidate) error
	FindByID(ctx context.Context, id domain.CandidateID) (*models.Candidate, error)
	FindByIDForUpdate(ctx context.Context, id domain.CandidateID) (*models.Candidate, error)
	Update(ctx context.Context, c *models.Candidate) error
	AppendOutcome(ctx context.Context, id domain.CandidateID, o models.Outcome) error
	List(ctx context.Context, stage domain.Stage, limit int) ([]*models.Candidate, error)
}

// Vault is the part of the credential vault the stage gate depends on.
type Vault interface {
	IssueForStage(ctx context.Context, subject domain.CandidateID, stage domain.Stage) (*vaultmodels.IssuedGrant, error)
	Revoke(ctx context.Context, actor domain.ActorID, id domain.GrantID, reason string) (*vaultmodels.Grant, error)
	ListBySubject(ctx context.Context, subject domain.CandidateID) ([]*vaultmodels.Grant, error)
}

type Option func(*Service)

// Service drives candidates through the three gated stages.
type Service struct {
	tx      StoreTx
	reader  Store
	vault   Vault
	rules   policy.Rules
	emitter notify.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	retry   retry.Policy
}

// New builds the stage gate. reader serves lookups outside a transaction.
func New(tx StoreTx, reader Store, vault Vault, rules policy.Rules, opts ...Option) (*Service, error) {
	if tx == nil || reader == nil {
		return nil, fmt.Errorf("candidate store and transaction are required")
	}
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	svc := &Service{
		tx:      tx,
		reader:  reader,
		vault:   vault,
		rules:   rules,
		emitter: notify.Discard{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("gatehouse/stagegate"),
		retry:   retry.Default,
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

// WithEmitter sets the notifier for decision events.
func WithEmitter(e notify.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithTracer allows injecting a custom OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithRetry(p retry.Policy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

func (s *Service) inTx(ctx context.Context, id domain.CandidateID, fn func(ctx context.Context, stores Stores) error) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		return s.tx.RunInTx(ctx, id.String(), fn)
	})
}

func (s *Service) startSpan(ctx context.Context, name string, id domain.CandidateID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("candidate.id", id.String()))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan completes span, recording err when set.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireActor(actor domain.ActorID) error {
	if actor == "" {
		return dErrors.New(dErrors.CodeValidation, "actor is required")
	}
	return nil
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
		return dErrors.Wrap(err, dErrors.CodeNotFound, "candidate not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "candidate was modified concurrently")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeStorageUnavailable, msg)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}
