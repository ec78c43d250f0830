// Package notify carries lifecycle events to the external notifier. Emission
// never blocks the caller: events are queued and delivered to sinks by a
// background dispatcher.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind names a notification event.
type Kind string

const (
	KindStageStarted         Kind = "stage_started"
	KindStagePassed          Kind = "stage_passed"
	KindManualReviewRequired Kind = "manual_review_required"
	KindCandidateRejected    Kind = "candidate_rejected"
	KindCandidateHired       Kind = "candidate_hired"
	KindGrantExpired         Kind = "grant_expired"
	KindReminderDue          Kind = "reminder_due"
	KindGrantExtended        Kind = "grant_extended"
	KindGrantReissued        Kind = "grant_reissued"
)

// Event is one notification. Secret is set only on StageStarted and
// GrantReissued, which deliver a fresh credential to the candidate.
// On ReminderDue, Offset is the most urgent offset and Offsets lists every
// offset that fell due in the same sweep, most urgent first.
type Event struct {
	Kind        Kind            `json:"kind"`
	CandidateID string          `json:"candidate_id"`
	Stage       string          `json:"stage,omitempty"`
	GrantID     string          `json:"grant_id,omitempty"`
	Secret      string          `json:"secret,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Offset      time.Duration   `json:"offset_ns,omitempty"`
	Offsets     []time.Duration `json:"offsets_ns,omitempty"`
	Score       *float64        `json:"score,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// LogValue keeps the secret out of logs.
func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("candidate_id", e.CandidateID),
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage))
	}
	if e.GrantID != "" {
		attrs = append(attrs, slog.String("grant_id", e.GrantID))
	}
	if e.Offset > 0 {
		attrs = append(attrs, slog.Duration("offset", e.Offset))
	}
	if len(e.Offsets) > 1 {
		attrs = append(attrs, slog.Int("offsets_due", len(e.Offsets)))
	}
	if e.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *e.ExpiresAt))
	}
	if e.Secret != "" {
		attrs = append(attrs, slog.Bool("carries_secret", true))
	}
	return slog.GroupValue(attrs...)
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Sink delivers an event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// Discard is an Emitter that drops everything.
type Discard struct{}

func (Discard) Emit(context.Context, Event) {}
