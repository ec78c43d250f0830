package service

import (
	"fmt"
	"math"

	"gatehouse/internal/policy"
	"gatehouse/internal/stagegate/models"
	dErrors "gatehouse/pkg/domain-errors"
)

// Stage1Score holds the automated assessment sub-scores, each a percentage.
type Stage1Score struct {
	IQ        float64
	Technical float64
}

// Stage2Evaluation is the interviewer's submission.
type Stage2Evaluation struct {
	Score          float64
	Recommendation models.Recommendation
}

// Stage3Evaluation is the dual executive submission. A is weighted by
// Stage3Rule.WeightA, B by WeightB.
type Stage3Evaluation struct {
	ScoreA    float64
	DecisionA models.Verdict
	ScoreB    float64
	DecisionB models.Verdict
}

// round2 rounds half away from zero to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func checkScore(field string, v, max float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s must lie within 0..%g", field, max))
	}
	return nil
}

// EvaluateStage1 computes the weighted percentage and the gate decision.
// The score is rounded before it is compared against the thresholds.
func EvaluateStage1(rule policy.Stage1Rule, in Stage1Score) (float64, models.Decision, error) {
	if err := checkScore("iq", in.IQ, 100); err != nil {
		return 0, "", err
	}
	if err := checkScore("technical", in.Technical, 100); err != nil {
		return 0, "", err
	}
	score := round2(in.IQ*rule.IQWeight + in.Technical*rule.TechnicalWeight)
	switch {
	case score >= rule.AutoApproveAt:
		return score, models.DecisionPassed, nil
	case score < rule.ManualReviewMin:
		return score, models.DecisionRejected, nil
	default:
		return score, models.DecisionManualReview, nil
	}
}

// EvaluateStage2 passes iff the score meets MinPass and the interviewer did
// not recommend rejection. Borderline with a passing score advances.
func EvaluateStage2(rule policy.Stage2Rule, in Stage2Evaluation) (models.Decision, error) {
	if err := checkScore("score", in.Score, 10); err != nil {
		return "", err
	}
	switch in.Recommendation {
	case models.RecommendationApprove, models.RecommendationBorderline, models.RecommendationReject:
	default:
		return "", dErrors.New(dErrors.CodeValidation, "recommendation must be one of [approve borderline reject]")
	}
	if in.Score >= rule.MinPass && in.Recommendation != models.RecommendationReject {
		return models.DecisionPassed, nil
	}
	return models.DecisionRejected, nil
}

// EvaluateStage3 computes the weighted final score and the hiring decision.
// With RequireBoth both executives must approve, otherwise either suffices.
func EvaluateStage3(rule policy.Stage3Rule, in Stage3Evaluation) (float64, models.Decision, error) {
	if err := checkScore("score_a", in.ScoreA, 10); err != nil {
		return 0, "", err
	}
	if err := checkScore("score_b", in.ScoreB, 10); err != nil {
		return 0, "", err
	}
	for _, v := range []models.Verdict{in.DecisionA, in.DecisionB} {
		if v != models.VerdictApprove && v != models.VerdictReject {
			return 0, "", dErrors.New(dErrors.CodeValidation, "decision must be one of [approve reject]")
		}
	}

	final := round2(in.ScoreA*rule.WeightA + in.ScoreB*rule.WeightB)
	a := in.DecisionA == models.VerdictApprove
	b := in.DecisionB == models.VerdictApprove
	hired := a || b
	if rule.RequireBoth {
		hired = a && b
	}
	if hired {
		return final, models.DecisionHired, nil
	}
	return final, models.DecisionRejected, nil
}
