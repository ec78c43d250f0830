package models

import (
	"slices"
	"time"

	"gatehouse/pkg/domain"
)

// Status is the lifecycle state of a grant. Only Active grants validate.
type Status string

const (
	StatusActive   Status = "active"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusConsumed, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// Revocation reasons recorded on the grant and in audit details.
const (
	ReasonStageClosed = "stage-closed"
	ReasonLockout     = "lockout"
	ReasonSuperseded  = "superseded"
)

// Grant is a single-purpose, time-bounded access credential. The plaintext
// secret is never stored; SecretDigest is a keyed hash of it.
type Grant struct {
	ID             domain.GrantID
	SubjectID      domain.CandidateID
	Stage          domain.Stage
	SecretDigest   string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	MaxUses        int
	UseCount       int
	FailedAttempts int
	Status         Status
	AutoExtended   bool
	ExtensionCount int
	RemindersSent  []time.Duration
	ConsumedAt     *time.Time
	ExpiredAt      *time.Time
	RevokedAt      *time.Time
	RevokeReason   string
}

// Clone returns a deep copy so stores never share slices or pointers with callers.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	c := *g
	c.RemindersSent = slices.Clone(g.RemindersSent)
	c.ConsumedAt = cloneTime(g.ConsumedAt)
	c.ExpiredAt = cloneTime(g.ExpiredAt)
	c.RevokedAt = cloneTime(g.RevokedAt)
	return &c
}

// IsActive reports whether the grant can still be presented.
func (g *Grant) IsActive() bool { return g.Status == StatusActive }

// IsPastExpiry reports whether now is strictly after the expiry instant.
func (g *Grant) IsPastExpiry(now time.Time) bool { return now.After(g.ExpiresAt) }

// UsesExhausted reports whether the grant has no uses left.
func (g *Grant) UsesExhausted() bool { return g.UseCount >= g.MaxUses }

// ReminderSent reports whether a reminder at offset has already been emitted.
func (g *Grant) ReminderSent(offset time.Duration) bool {
	return slices.Contains(g.RemindersSent, offset)
}

// Consume records one successful use and flips to Consumed at the limit.
func (g *Grant) Consume(now time.Time) {
	g.UseCount++
	if g.UseCount >= g.MaxUses {
		g.Status = StatusConsumed
		g.ConsumedAt = &now
	}
}

// Expire marks the grant Expired.
func (g *Grant) Expire(now time.Time) {
	g.Status = StatusExpired
	g.ExpiredAt = &now
}

// Revoke marks the grant Revoked with reason.
func (g *Grant) Revoke(now time.Time, reason string) {
	g.Status = StatusRevoked
	g.RevokedAt = &now
	g.RevokeReason = reason
}

// MarkReminders adds offsets to the sent set, ignoring ones already present.
func (g *Grant) MarkReminders(offsets ...time.Duration) {
	for _, o := range offsets {
		if !g.ReminderSent(o) {
			g.RemindersSent = append(g.RemindersSent, o)
		}
	}
	slices.Sort(g.RemindersSent)
}

// IssuedGrant is returned exactly once at issuance. Secret is the only copy
// of the plaintext credential.
type IssuedGrant struct {
	Grant  *Grant
	Secret string
}

// View is the read-only projection exposed outside the vault. It never
// carries the digest or secret.
type View struct {
	ID             string    `json:"id"`
	Stage          string    `json:"stage"`
	Status         string    `json:"status"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	UseCount       int       `json:"use_count"`
	MaxUses        int       `json:"max_uses"`
	AutoExtended   bool      `json:"auto_extended"`
	ExtensionCount int       `json:"extension_count"`
	RevokeReason   string    `json:"revoke_reason,omitempty"`
}

func (g *Grant) View() View {
	return View{
		ID:             g.ID.String(),
		Stage:          g.Stage.String(),
		Status:         string(g.Status),
		IssuedAt:       g.IssuedAt,
		ExpiresAt:      g.ExpiresAt,
		UseCount:       g.UseCount,
		MaxUses:        g.MaxUses,
		AutoExtended:   g.AutoExtended,
		ExtensionCount: g.ExtensionCount,
		RevokeReason:   g.RevokeReason,
	}
}

// StateLabel is the compact state string written to audit before/after columns.
func (g *Grant) StateLabel() string {
	return string(g.Status) + "/" + g.ExpiresAt.UTC().Format(time.RFC3339)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
