package service

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"gatehouse/internal/audit"
	"gatehouse/internal/notify"
	"gatehouse/internal/stagegate/models"
	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/requestcontext"
)

// SubmitResult reports a committed gate decision. Next is set when a passed
// stage automatically opened the following one.
type SubmitResult struct {
	Candidate *models.Candidate
	Outcome   models.Outcome
	Next      *StartResult
}

// SubmitStage1 records the automated assessment. The weighted score approves,
// rejects, or parks the candidate in manual review.
func (s *Service) SubmitStage1(ctx context.Context, actor domain.ActorID, id domain.CandidateID, in Stage1Score) (*SubmitResult, error) {
	score, decision, err := EvaluateStage1(s.rules.Stage1, in)
	if err != nil {
		return nil, err
	}
	rule := s.rules.Stage1
	return s.decide(ctx, "stagegate.SubmitStage1", actor, id, domain.Stage1, models.StatusInProgress,
		func(*models.Candidate) models.Outcome {
			return models.Outcome{
				Decision: decision,
				Score:    &score,
				Details: map[string]string{
					"iq":                formatFloat(in.IQ),
					"technical":         formatFloat(in.Technical),
					"weighted_score":    formatFloat(score),
					"auto_approve_at":   formatFloat(rule.AutoApproveAt),
					"manual_review_min": formatFloat(rule.ManualReviewMin),
				},
			}
		})
}

// ResolveManualReview settles a Stage 1 candidate parked in manual review.
// The reviewer is recorded as the deciding actor.
func (s *Service) ResolveManualReview(ctx context.Context, reviewer domain.ActorID, id domain.CandidateID, verdict models.Verdict) (*SubmitResult, error) {
	decision := models.DecisionPassed
	switch verdict {
	case models.VerdictApprove:
	case models.VerdictReject:
		decision = models.DecisionRejected
	default:
		return nil, dErrors.New(dErrors.CodeValidation, "decision must be one of [approve reject]")
	}
	return s.decide(ctx, "stagegate.ResolveManualReview", reviewer, id, domain.Stage1, models.StatusManualReview,
		func(c *models.Candidate) models.Outcome {
			return models.Outcome{
				Decision: decision,
				Score:    c.Score(domain.Stage1),
				Details: map[string]string{
					"reviewer_id": reviewer.String(),
					"verdict":     string(verdict),
				},
			}
		})
}

// SubmitStage2 records the interviewer's score and recommendation.
func (s *Service) SubmitStage2(ctx context.Context, evaluator domain.ActorID, id domain.CandidateID, in Stage2Evaluation) (*SubmitResult, error) {
	decision, err := EvaluateStage2(s.rules.Stage2, in)
	if err != nil {
		return nil, err
	}
	score := in.Score
	minPass := s.rules.Stage2.MinPass
	return s.decide(ctx, "stagegate.SubmitStage2", evaluator, id, domain.Stage2, models.StatusInProgress,
		func(*models.Candidate) models.Outcome {
			return models.Outcome{
				Decision: decision,
				Score:    &score,
				Details: map[string]string{
					"score":          formatFloat(in.Score),
					"recommendation": string(in.Recommendation),
					"min_pass":       formatFloat(minPass),
				},
			}
		})
}

// SubmitStage3 records both executive decisions. It is the only path to Hired.
func (s *Service) SubmitStage3(ctx context.Context, actor domain.ActorID, id domain.CandidateID, in Stage3Evaluation) (*SubmitResult, error) {
	final, decision, err := EvaluateStage3(s.rules.Stage3, in)
	if err != nil {
		return nil, err
	}
	rule := s.rules.Stage3
	return s.decide(ctx, "stagegate.SubmitStage3", actor, id, domain.Stage3, models.StatusInProgress,
		func(*models.Candidate) models.Outcome {
			return models.Outcome{
				Decision: decision,
				Score:    &final,
				Details: map[string]string{
					"score_a":      formatFloat(in.ScoreA),
					"decision_a":   string(in.DecisionA),
					"score_b":      formatFloat(in.ScoreB),
					"decision_b":   string(in.DecisionB),
					"weight_a":     formatFloat(rule.WeightA),
					"weight_b":     formatFloat(rule.WeightB),
					"require_both": strconv.FormatBool(rule.RequireBoth),
					"final_score":  formatFloat(final),
				},
			}
		})
}

// decide commits one gate decision for stage. The candidate must sit at stage
// with status want. After the commit the stage's Active grant is revoked, the
// decision event is emitted and, on a pass, the next stage is started.
func (s *Service) decide(
	ctx context.Context,
	op string,
	actor domain.ActorID,
	id domain.CandidateID,
	stage domain.Stage,
	want models.Status,
	build func(c *models.Candidate) models.Outcome,
) (result *SubmitResult, err error) {
	ctx, span := s.startSpan(ctx, op, id, attribute.String("stage", stage.String()))
	defer func() { endSpan(span, err) }()

	if err = requireActor(actor); err != nil {
		return nil, err
	}

	var (
		decided *models.Candidate
		outcome models.Outcome
	)
	err = s.inTx(ctx, id, func(ctx context.Context, stores Stores) error {
		c, err := stores.Candidates.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := checkDecidable(c, stage, want); err != nil {
			return err
		}

		now := requestcontext.Now(ctx)
		o := build(c)
		o.Seq = c.NextSeq()
		o.Stage = stage
		o.ActorID = actor
		o.DecidedAt = now

		before := c.StateLabel()
		applyDecision(c, o.Decision)
		c.UpdatedAt = now
		if err := stores.Candidates.AppendOutcome(ctx, id, o); err != nil {
			return err
		}
		if err := stores.Candidates.Update(ctx, c); err != nil {
			return err
		}
		c.Outcomes = append(c.Outcomes, o)

		entry := audit.NewEntry(ctx, audit.EntityCandidate, id.String(), auditEventFor(o.Decision)).
			By(actor).
			Transition(before, c.StateLabel()).
			With("stage", stage.String()).
			With("decision", string(o.Decision))
		for k, v := range o.Details {
			entry = entry.With(k, v)
		}
		if err := stores.Audit.Append(ctx, &entry); err != nil {
			return err
		}
		decided = c
		outcome = o
		return nil
	})
	if err != nil {
		err = translate(err, "failed to record stage decision")
		return nil, err
	}
	span.SetAttributes(attribute.String("decision", string(outcome.Decision)))

	if s.metrics != nil {
		s.metrics.IncrementTransition(stage.String(), string(outcome.Decision))
	}
	s.logger.InfoContext(ctx, "stage decision recorded",
		"candidate_id", id.String(),
		"stage", stage.String(),
		"decision", string(outcome.Decision),
		"actor_id", actor.String(),
	)

	s.closeStageGrants(ctx, actor, id, stage)
	s.emitDecision(ctx, id, stage, outcome)

	result = &SubmitResult{Candidate: decided, Outcome: outcome}
	if outcome.Decision == models.DecisionPassed {
		if next := stage.Next(); next != "" {
			result.Next = s.autoStart(ctx, id, stage, next)
			if result.Next != nil {
				result.Candidate = result.Next.Candidate
			}
		}
	}
	return result, nil
}

// checkDecidable rejects decisions on terminal candidates, on stages not yet
// reached (OutOfOrder) and on stages already left or not awaiting this input.
func checkDecidable(c *models.Candidate, stage domain.Stage, want models.Status) error {
	switch {
	case c.IsTerminal():
		return dErrors.New(dErrors.CodeIllegalTransition, "candidate has reached a final decision")
	case c.Stage.Rank() < stage.Rank():
		return dErrors.New(dErrors.CodeOutOfOrder, stage.String()+" has not started for this candidate")
	case c.Stage != stage:
		return dErrors.New(dErrors.CodeIllegalTransition, stage.String()+" is already closed for this candidate")
	case c.Status != want:
		return dErrors.New(dErrors.CodeIllegalTransition, "candidate is "+string(c.Status)+" at "+stage.String())
	}
	return nil
}

func applyDecision(c *models.Candidate, d models.Decision) {
	switch d {
	case models.DecisionPassed:
		c.Status = models.StatusPassed
	case models.DecisionManualReview:
		c.Status = models.StatusManualReview
	case models.DecisionRejected:
		c.Stage = domain.StageRejected
		c.Status = models.StatusClosed
	case models.DecisionHired:
		c.Stage = domain.StageHired
		c.Status = models.StatusClosed
	}
}

func auditEventFor(d models.Decision) audit.EventKind {
	switch d {
	case models.DecisionPassed:
		return audit.EventStagePassed
	case models.DecisionManualReview:
		return audit.EventManualReview
	case models.DecisionHired:
		return audit.EventHired
	}
	return audit.EventRejected
}

// closeStageGrants revokes any Active grant left for stage. Consumed grants
// stay as they are. Failures are logged; the decision has already committed.
func (s *Service) closeStageGrants(ctx context.Context, actor domain.ActorID, id domain.CandidateID, stage domain.Stage) {
	grants, err := s.vault.ListBySubject(ctx, id)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementCleanupFailure()
		}
		s.logger.ErrorContext(ctx, "failed to list grants of closed stage",
			"candidate_id", id.String(), "stage", stage.String(), "error", err)
		return
	}
	for _, g := range grants {
		if g.Stage != stage || !g.IsActive() {
			continue
		}
		if _, err := s.vault.Revoke(ctx, actor, g.ID, vaultmodels.ReasonStageClosed); err != nil {
			if s.metrics != nil {
				s.metrics.IncrementCleanupFailure()
			}
			s.logger.ErrorContext(ctx, "failed to revoke grant of closed stage",
				"candidate_id", id.String(), "grant_id", g.ID.String(), "error", err)
		}
	}
}

func (s *Service) emitDecision(ctx context.Context, id domain.CandidateID, stage domain.Stage, o models.Outcome) {
	var kind notify.Kind
	switch o.Decision {
	case models.DecisionPassed:
		kind = notify.KindStagePassed
	case models.DecisionManualReview:
		kind = notify.KindManualReviewRequired
	case models.DecisionRejected:
		kind = notify.KindCandidateRejected
	case models.DecisionHired:
		kind = notify.KindCandidateHired
	default:
		return
	}
	s.emitter.Emit(ctx, notify.Event{
		Kind:        kind,
		CandidateID: id.String(),
		Stage:       stage.String(),
		Score:       o.Score,
		OccurredAt:  o.DecidedAt,
	})
}

// autoStart opens next after a pass. The pass stays committed when this
// fails; staff can start the stage by hand.
func (s *Service) autoStart(ctx context.Context, id domain.CandidateID, passed, next domain.Stage) *StartResult {
	started, err := s.StartStage(ctx, domain.SystemActor, id, next)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementAutoStartFailure(next.String())
		}
		s.logger.ErrorContext(ctx, "failed to start next stage automatically",
			"candidate_id", id.String(),
			"passed_stage", passed.String(),
			"stage", next.String(),
			"error", err,
		)
		return nil
	}
	return started
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
