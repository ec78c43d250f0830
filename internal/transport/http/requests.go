package httptransport

import (
	"strings"
	"time"

	dErrors "gatehouse/pkg/domain-errors"
)

type intakeRequest struct {
	Name  string `json:"name" validate:"required,notblank,max=200"`
	Email string `json:"email" validate:"required,email,max=254"`
}

func (r *intakeRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
}

type startRequest struct {
	Stage string `json:"stage" validate:"required"`
}

// Scores are pointers so a missing field is told apart from a zero score.
type stage1Request struct {
	IQ        *float64 `json:"iq" validate:"required"`
	Technical *float64 `json:"technical" validate:"required"`
}

type reviewRequest struct {
	Verdict string `json:"verdict" validate:"required,oneof=approve reject"`
}

func (r *reviewRequest) Normalize() {
	r.Verdict = strings.ToLower(strings.TrimSpace(r.Verdict))
}

type stage2Request struct {
	Score          *float64 `json:"score" validate:"required"`
	Recommendation string   `json:"recommendation" validate:"required,oneof=approve borderline reject"`
}

func (r *stage2Request) Normalize() {
	r.Recommendation = strings.ToLower(strings.TrimSpace(r.Recommendation))
}

type stage3Request struct {
	ScoreA    *float64 `json:"score_a" validate:"required"`
	DecisionA string   `json:"decision_a" validate:"required,oneof=approve reject"`
	ScoreB    *float64 `json:"score_b" validate:"required"`
	DecisionB string   `json:"decision_b" validate:"required,oneof=approve reject"`
}

func (r *stage3Request) Normalize() {
	r.DecisionA = strings.ToLower(strings.TrimSpace(r.DecisionA))
	r.DecisionB = strings.ToLower(strings.TrimSpace(r.DecisionB))
}

type revokeRequest struct {
	Reason string `json:"reason" validate:"required,notblank,max=200"`
}

type extendRequest struct {
	By     string `json:"by" validate:"required"`
	Reason string `json:"reason" validate:"required,notblank,max=200"`

	by time.Duration
}

func (r *extendRequest) Validate() error {
	d, err := time.ParseDuration(strings.TrimSpace(r.By))
	if err != nil || d <= 0 {
		return dErrors.New(dErrors.CodeValidation, "by must be a positive duration such as 24h")
	}
	r.by = d
	return nil
}

type failedAttemptRequest struct {
	Secret string `json:"secret" validate:"required,max=256"`
}

type accessRequest struct {
	Secret string `json:"secret" validate:"required,max=256"`
	Stage  string `json:"stage" validate:"required,max=32"`
}

func (r *accessRequest) Normalize() {
	r.Secret = strings.TrimSpace(r.Secret)
	r.Stage = strings.ToLower(strings.TrimSpace(r.Stage))
}
