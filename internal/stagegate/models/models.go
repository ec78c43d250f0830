package models

import (
	"fmt"
	"strings"
	"time"

	vaultmodels "gatehouse/internal/vault/models"
	"gatehouse/pkg/domain"
)

// Status is a candidate's position within its current stage.
type Status string

const (
	StatusInProgress   Status = "in_progress"
	StatusManualReview Status = "manual_review"
	// StatusPassed on stage N means the candidate may start stage N+1.
	StatusPassed Status = "passed"
	// StatusClosed marks the terminal stages Hired and Rejected.
	StatusClosed Status = "closed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusInProgress, StatusManualReview, StatusPassed, StatusClosed:
		return true
	}
	return false
}

// Decision is the recorded result of a stage gate.
type Decision string

const (
	DecisionPassed       Decision = "passed"
	DecisionRejected     Decision = "rejected"
	DecisionManualReview Decision = "manual_review"
	DecisionHired        Decision = "hired"
)

// Verdict is a reviewer's or executive's binary call.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// ParseVerdict accepts approve/reject in any case.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case VerdictApprove, VerdictReject:
		return v, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Recommendation is the interviewer's Stage 2 call.
type Recommendation string

const (
	RecommendationApprove    Recommendation = "approve"
	RecommendationBorderline Recommendation = "borderline"
	RecommendationReject     Recommendation = "reject"
)

// ParseRecommendation accepts approve/borderline/reject in any case.
func ParseRecommendation(s string) (Recommendation, error) {
	switch r := Recommendation(strings.ToLower(strings.TrimSpace(s))); r {
	case RecommendationApprove, RecommendationBorderline, RecommendationReject:
		return r, nil
	}
	return "", fmt.Errorf("unknown recommendation %q", s)
}

// Outcome is one entry of a candidate's append-only decision history.
// ActorID is the evaluator, reviewer or executive panel that decided.
type Outcome struct {
	Seq       int
	Stage     domain.Stage
	Decision  Decision
	Score     *float64
	ActorID   domain.ActorID
	Details   map[string]string
	DecidedAt time.Time
}

// Candidate is owned by the stage gate. It is created at intake, mutated only
// by committed transitions and never deleted.
type Candidate struct {
	ID        domain.CandidateID
	Name      string
	Email     string
	Stage     domain.Stage
	Status    Status
	Outcomes  []Outcome
	CreatedAt time.Time
	UpdatedAt time.Time
	// Version increments on every committed update.
	Version int
}

func (c *Candidate) Clone() *Candidate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Outcomes = make([]Outcome, len(c.Outcomes))
	for i, o := range c.Outcomes {
		cp.Outcomes[i] = o.Clone()
	}
	return &cp
}

func (o Outcome) Clone() Outcome {
	if o.Score != nil {
		v := *o.Score
		o.Score = &v
	}
	if o.Details != nil {
		d := make(map[string]string, len(o.Details))
		for k, v := range o.Details {
			d[k] = v
		}
		o.Details = d
	}
	return o
}

func (c *Candidate) IsTerminal() bool { return c.Stage.IsTerminal() }

// StateLabel is the compact state string written to audit before/after columns.
func (c *Candidate) StateLabel() string {
	return c.Stage.String() + "/" + string(c.Status)
}

// Score returns the most recent scored outcome for stage, or nil.
func (c *Candidate) Score(stage domain.Stage) *float64 {
	for i := len(c.Outcomes) - 1; i >= 0; i-- {
		o := c.Outcomes[i]
		if o.Stage == stage && o.Score != nil {
			v := *o.Score
			return &v
		}
	}
	return nil
}

// NextSeq is the sequence number for the next appended outcome.
func (c *Candidate) NextSeq() int { return len(c.Outcomes) + 1 }

// OutcomeView is the JSON shape of an outcome on the staff surface.
type OutcomeView struct {
	Seq       int               `json:"seq"`
	Stage     string            `json:"stage"`
	Decision  string            `json:"decision"`
	Score     *float64          `json:"score,omitempty"`
	ActorID   string            `json:"actor_id"`
	Details   map[string]string `json:"details,omitempty"`
	DecidedAt time.Time         `json:"decided_at"`
}

// CandidateView is the staff status response: candidate state, outcome
// history and every grant issued to the candidate (never secrets or digests).
type CandidateView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Email     string             `json:"email"`
	Stage     string             `json:"stage"`
	Status    string             `json:"status"`
	Outcomes  []OutcomeView      `json:"outcomes"`
	Grants    []vaultmodels.View `json:"grants"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// NewCandidateView assembles the staff view.
func NewCandidateView(c *Candidate, grants []*vaultmodels.Grant) CandidateView {
	v := CandidateView{
		ID:        c.ID.String(),
		Name:      c.Name,
		Email:     c.Email,
		Stage:     c.Stage.String(),
		Status:    string(c.Status),
		Outcomes:  make([]OutcomeView, 0, len(c.Outcomes)),
		Grants:    make([]vaultmodels.View, 0, len(grants)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, o := range c.Outcomes {
		o = o.Clone()
		v.Outcomes = append(v.Outcomes, OutcomeView{
			Seq:       o.Seq,
			Stage:     o.Stage.String(),
			Decision:  string(o.Decision),
			Score:     o.Score,
			ActorID:   o.ActorID.String(),
			Details:   o.Details,
			DecidedAt: o.DecidedAt,
		})
	}
	for _, g := range grants {
		v.Grants = append(v.Grants, g.View())
	}
	return v
}
