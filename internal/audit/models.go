package audit

import (
	"context"
	"time"

	"gatehouse/pkg/domain"
	"gatehouse/pkg/requestcontext"
)

// EntityKind names the aggregate an entry is about.
type EntityKind string

const (
	EntityGrant     EntityKind = "grant"
	EntityCandidate EntityKind = "candidate"
	// EntitySecret records failures against secrets that matched no grant.
	EntitySecret EntityKind = "secret"
	// EntityClient records probe detection per client source.
	EntityClient EntityKind = "client"
)

// EventKind names what happened.
type EventKind string

const (
	EventIssued           EventKind = "issued"
	EventValidated        EventKind = "validated"
	EventConsumed         EventKind = "consumed"
	EventValidateRejected EventKind = "validate-rejected"
	EventFailedAttempt    EventKind = "failed-attempt"
	EventRevoked          EventKind = "revoked"
	EventRevokedLockout   EventKind = "revoked-lockout"
	EventExpired          EventKind = "expired"
	EventExtended         EventKind = "extended"
	EventAutoExtended     EventKind = "auto-extended"
	EventReminderSent     EventKind = "reminder-sent"
	EventProbeSuspected   EventKind = "probe-suspected"

	EventCandidateCreated EventKind = "candidate-created"
	EventStageStarted     EventKind = "stage-started"
	EventStagePassed      EventKind = "stage-passed"
	EventManualReview     EventKind = "manual-review"
	EventRejected         EventKind = "rejected"
	EventHired            EventKind = "hired"
)

// Entry is one immutable audit record. Seq is assigned by the store on append
// and orders entries by insertion; ID is a ULID minted by the writer.
type Entry struct {
	Seq         int64
	ID          string
	Timestamp   time.Time
	ActorID     domain.ActorID
	EntityKind  EntityKind
	EntityID    string
	EventKind   EventKind
	BeforeState string
	AfterState  string
	Details     map[string]string
}

// NewEntry stamps an entry with a fresh ID, the request time and the caller
// identity carried by ctx.
func NewEntry(ctx context.Context, kind EntityKind, entityID string, event EventKind) Entry {
	return Entry{
		ID:         NewID(),
		Timestamp:  requestcontext.Now(ctx),
		ActorID:    requestcontext.Actor(ctx),
		EntityKind: kind,
		EntityID:   entityID,
		EventKind:  event,
	}
}

// Transition sets the before/after states and returns e for chaining.
func (e Entry) Transition(before, after string) Entry {
	e.BeforeState = before
	e.AfterState = after
	return e
}

// With adds a detail. Empty values are skipped.
func (e Entry) With(key, value string) Entry {
	if value == "" {
		return e
	}
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// By overrides the actor taken from context.
func (e Entry) By(actor domain.ActorID) Entry {
	if actor != "" {
		e.ActorID = actor
	}
	return e
}
