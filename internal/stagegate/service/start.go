package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"gatehouse/internal/audit"
	"gatehouse/internal/notify"
	"gatehouse/internal/platform/privacy"
	"gatehouse/internal/stagegate/models"
	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/requestcontext"
	"gatehouse/pkg/validation"
)

type intakeInput struct {
	Name  string `json:"name" validate:"required,notblank,max=200"`
	Email string `json:"email" validate:"required,email,max=255"`
}

// Intake registers a candidate. New candidates sit at Intake with status
// Passed, which makes Stage 1 startable.
func (s *Service) Intake(ctx context.Context, actor domain.ActorID, name, email string) (*models.Candidate, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	in := intakeInput{Name: strings.TrimSpace(name), Email: strings.TrimSpace(email)}
	if err := validation.Validate(in); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	c := &models.Candidate{
		ID:        domain.NewCandidateID(),
		Name:      in.Name,
		Email:     strings.ToLower(in.Email),
		Stage:     domain.StageIntake,
		Status:    models.StatusPassed,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, span := s.startSpan(ctx, "stagegate.Intake", c.ID)
	var err error
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, c.ID, func(ctx context.Context, stores Stores) error {
		if err := stores.Candidates.Create(ctx, c); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityCandidate, c.ID.String(), audit.EventCandidateCreated).
			By(actor).
			Transition("", c.StateLabel())
		return stores.Audit.Append(ctx, &entry)
	})
	if err != nil {
		err = translate(err, "failed to register candidate")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementCreated()
	}
	s.logger.InfoContext(ctx, "candidate registered",
		"candidate_id", c.ID.String(),
		"email", privacy.MaskEmail(c.Email),
		"actor_id", actor.String(),
	)
	return c, nil
}

// StartResult is the outcome of starting a stage. Grant carries the plaintext
// secret, which is never retrievable again.
type StartResult struct {
	Candidate *models.Candidate
	Grant     *vaultmodels.IssuedGrant
}

// StartStage opens stage for the candidate: Stage 1 from Intake, or stage N
// when stage N-1 is Passed. The vault mints the stage grant first; the
// candidate transition then commits, and the grant is revoked again when it
// cannot.
func (s *Service) StartStage(ctx context.Context, actor domain.ActorID, id domain.CandidateID, stage domain.Stage) (result *StartResult, err error) {
	ctx, span := s.startSpan(ctx, "stagegate.StartStage", id, attribute.String("stage", stage.String()))
	defer func() { endSpan(span, err) }()

	if err = requireActor(actor); err != nil {
		return nil, err
	}
	if !stage.IsAssessment() {
		err = dErrors.New(dErrors.CodeValidation, "stage must be one of stage1, stage2, stage3")
		return nil, err
	}

	current, err := s.reader.FindByID(ctx, id)
	if err != nil {
		err = translate(err, "failed to load candidate")
		return nil, err
	}
	if err = checkStartable(current, stage); err != nil {
		return nil, err
	}

	issued, err := s.vault.IssueForStage(ctx, id, stage)
	if err != nil {
		return nil, err
	}

	var started *models.Candidate
	err = s.inTx(ctx, id, func(ctx context.Context, stores Stores) error {
		c, err := stores.Candidates.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := checkStartable(c, stage); err != nil {
			return err
		}
		before := c.StateLabel()
		c.Stage = stage
		c.Status = models.StatusInProgress
		c.UpdatedAt = requestcontext.Now(ctx)
		if err := stores.Candidates.Update(ctx, c); err != nil {
			return err
		}
		entry := audit.NewEntry(ctx, audit.EntityCandidate, id.String(), audit.EventStageStarted).
			By(actor).
			Transition(before, c.StateLabel()).
			With("grant_id", issued.Grant.ID.String()).
			With("expires_at", issued.Grant.ExpiresAt.UTC().Format(time.RFC3339))
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		started = c
		return nil
	})
	if err != nil {
		s.discardGrant(ctx, actor, issued.Grant)
		err = translate(err, "failed to start stage")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementStarted(stage.String())
	}
	expires := issued.Grant.ExpiresAt
	s.emitter.Emit(ctx, notify.Event{
		Kind:        notify.KindStageStarted,
		CandidateID: id.String(),
		Stage:       stage.String(),
		GrantID:     issued.Grant.ID.String(),
		Secret:      issued.Secret,
		ExpiresAt:   &expires,
		OccurredAt:  requestcontext.Now(ctx),
	})
	s.logger.InfoContext(ctx, "stage started",
		"candidate_id", id.String(),
		"stage", stage.String(),
		"grant_id", issued.Grant.ID.String(),
		"actor_id", actor.String(),
	)
	return &StartResult{Candidate: started, Grant: issued}, nil
}

// checkStartable enforces the stage order. Terminal candidates are an illegal
// transition; anything else out of sequence is OutOfOrder.
func checkStartable(c *models.Candidate, stage domain.Stage) error {
	if c.IsTerminal() {
		return dErrors.New(dErrors.CodeIllegalTransition, "candidate has reached a final decision")
	}
	if c.Stage == stage.Previous() && c.Status == models.StatusPassed {
		return nil
	}
	return dErrors.New(dErrors.CodeOutOfOrder, "stage "+stage.String()+" cannot start from "+c.StateLabel())
}

// discardGrant revokes a grant whose stage transition did not commit.
func (s *Service) discardGrant(ctx context.Context, actor domain.ActorID, g *vaultmodels.Grant) {
	if _, err := s.vault.Revoke(ctx, actor, g.ID, vaultmodels.ReasonSuperseded); err != nil {
		if s.metrics != nil {
			s.metrics.IncrementCleanupFailure()
		}
		s.logger.ErrorContext(ctx, "failed to revoke grant of aborted stage start",
			"candidate_id", g.SubjectID.String(),
			"grant_id", g.ID.String(),
			"error", err,
		)
	}
}
