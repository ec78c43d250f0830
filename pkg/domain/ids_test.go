package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "gatehouse/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs"
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseCandidateID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseGrantID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseCandidateID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseCandidateID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, CandidateID(validUUID), id)
		assert.Equal(t, validUUID.String(), id.String())
	})
}

func TestParseActorID(t *testing.T) {
	_, err := ParseActorID("")
	require.Error(t, err)

	id, err := ParseActorID("staff-7")
	require.NoError(t, err)
	assert.Equal(t, ActorID("staff-7"), id)
}

// TestTypeDistinction is a compile-time check - if this compiles, the invariant holds.
func TestTypeDistinction(t *testing.T) {
	candidateID := NewCandidateID()
	grantID := NewGrantID()

	// var _ CandidateID = grantID   // compile error

	assert.NotEqual(t, uuid.UUID(candidateID), uuid.UUID(grantID))
	assert.False(t, candidateID.IsNil())
	assert.True(t, GrantID{}.IsNil())
}
