package httptransport

import (
	"time"

	"gatehouse/internal/audit"
	sgmodels "gatehouse/internal/stagegate/models"
	sgservice "gatehouse/internal/stagegate/service"
	vaultmodels "gatehouse/internal/vault/models"
)

type candidateSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toSummary(c *sgmodels.Candidate) candidateSummary {
	return candidateSummary{
		ID:        c.ID.String(),
		Name:      c.Name,
		Email:     c.Email,
		Stage:     c.Stage.String(),
		Status:    string(c.Status),
		Version:   c.Version,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

type listResponse struct {
	Candidates []candidateSummary `json:"candidates"`
}

// issuedGrantResponse is the only response that ever carries a secret.
type issuedGrantResponse struct {
	vaultmodels.View
	Secret string `json:"secret"`
}

type startResponse struct {
	Candidate candidateSummary    `json:"candidate"`
	Grant     issuedGrantResponse `json:"grant"`
}

func toStartResponse(res *sgservice.StartResult) startResponse {
	return startResponse{
		Candidate: toSummary(res.Candidate),
		Grant: issuedGrantResponse{
			View:   res.Grant.Grant.View(),
			Secret: res.Grant.Secret,
		},
	}
}

type submitResponse struct {
	Candidate candidateSummary     `json:"candidate"`
	Outcome   sgmodels.OutcomeView `json:"outcome"`
	Next      *startResponse       `json:"next,omitempty"`
}

func toSubmitResponse(res *sgservice.SubmitResult) submitResponse {
	o := res.Outcome.Clone()
	out := submitResponse{
		Candidate: toSummary(res.Candidate),
		Outcome: sgmodels.OutcomeView{
			Seq:       o.Seq,
			Stage:     o.Stage.String(),
			Decision:  string(o.Decision),
			Score:     o.Score,
			ActorID:   o.ActorID.String(),
			Details:   o.Details,
			DecidedAt: o.DecidedAt,
		},
	}
	if res.Next != nil {
		next := toStartResponse(res.Next)
		out.Next = &next
	}
	return out
}

type grantsResponse struct {
	Grant vaultmodels.View `json:"grant"`
}

type auditEntryView struct {
	Seq         int64             `json:"seq"`
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	ActorID     string            `json:"actor_id"`
	EntityKind  string            `json:"entity_kind"`
	EntityID    string            `json:"entity_id"`
	EventKind   string            `json:"event_kind"`
	BeforeState string            `json:"before_state,omitempty"`
	AfterState  string            `json:"after_state,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

type auditResponse struct {
	Entries []auditEntryView `json:"entries"`
}

func toAuditResponse(entries []audit.Entry) auditResponse {
	out := auditResponse{Entries: make([]auditEntryView, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, auditEntryView{
			Seq:         e.Seq,
			ID:          e.ID,
			Timestamp:   e.Timestamp,
			ActorID:     e.ActorID.String(),
			EntityKind:  string(e.EntityKind),
			EntityID:    e.EntityID,
			EventKind:   string(e.EventKind),
			BeforeState: e.BeforeState,
			AfterState:  e.AfterState,
			Details:     e.Details,
		})
	}
	return out
}

type accessResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Stage     string    `json:"stage"`
}

// meResponse is the candidate's own view. It carries no internal IDs, scores
// or evaluator identities.
type meResponse struct {
	Name      string        `json:"name"`
	Stage     string        `json:"stage"`
	Status    string        `json:"status"`
	History   []meMilestone `json:"history"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type meMilestone struct {
	Stage     string    `json:"stage"`
	Decision  string    `json:"decision"`
	DecidedAt time.Time `json:"decided_at"`
}

func toMeResponse(c *sgmodels.Candidate) meResponse {
	out := meResponse{
		Name:      c.Name,
		Stage:     c.Stage.String(),
		Status:    string(c.Status),
		History:   make([]meMilestone, 0, len(c.Outcomes)),
		UpdatedAt: c.UpdatedAt,
	}
	for _, o := range c.Outcomes {
		out.History = append(out.History, meMilestone{
			Stage:     o.Stage.String(),
			Decision:  string(o.Decision),
			DecidedAt: o.DecidedAt,
		})
	}
	return out
}
