package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/pkg/domain"
)

func newGrant(maxUses int) *Grant {
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	return &Grant{
		ID:        domain.NewGrantID(),
		SubjectID: domain.NewCandidateID(),
		Stage:     domain.Stage1,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		MaxUses:   maxUses,
		Status:    StatusActive,
	}
}

func TestGrant_ConsumeFlipsAtLimit(t *testing.T) {
	g := newGrant(2)
	at := g.IssuedAt.Add(time.Minute)

	g.Consume(at)
	assert.Equal(t, StatusActive, g.Status)
	assert.Nil(t, g.ConsumedAt)

	g.Consume(at)
	assert.Equal(t, StatusConsumed, g.Status)
	require.NotNil(t, g.ConsumedAt)
	assert.True(t, g.UsesExhausted())
}

func TestGrant_IsPastExpiryIsStrict(t *testing.T) {
	g := newGrant(1)
	assert.False(t, g.IsPastExpiry(g.ExpiresAt))
	assert.True(t, g.IsPastExpiry(g.ExpiresAt.Add(time.Nanosecond)))
}

func TestGrant_MarkRemindersDeduplicates(t *testing.T) {
	g := newGrant(1)
	g.MarkReminders(24*time.Hour, 3*time.Hour)
	g.MarkReminders(24 * time.Hour)

	assert.Equal(t, []time.Duration{3 * time.Hour, 24 * time.Hour}, g.RemindersSent)
	assert.True(t, g.ReminderSent(3*time.Hour))
	assert.False(t, g.ReminderSent(6*time.Hour))
}

func TestGrant_CloneIsDeep(t *testing.T) {
	g := newGrant(1)
	g.MarkReminders(24 * time.Hour)
	g.Revoke(g.IssuedAt, ReasonLockout)

	c := g.Clone()
	c.RemindersSent[0] = time.Minute
	*c.RevokedAt = time.Time{}

	assert.Equal(t, 24*time.Hour, g.RemindersSent[0])
	assert.False(t, g.RevokedAt.IsZero())
}

func TestGrant_ViewOmitsDigest(t *testing.T) {
	g := newGrant(1)
	g.SecretDigest = "abc"
	v := g.View()

	assert.Equal(t, g.ID.String(), v.ID)
	assert.Equal(t, "stage1", v.Stage)
	assert.Equal(t, "active", v.Status)
}
