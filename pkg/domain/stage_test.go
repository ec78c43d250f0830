package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	cases := map[string]Stage{
		"stage1":   Stage1,
		"2":        Stage2,
		" Stage3 ": Stage3,
		"hired":    StageHired,
		"intake":   StageIntake,
	}
	for in, want := range cases {
		got, err := ParseStage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStage("stage4")
	require.Error(t, err)
}

func TestParseAssessmentStage(t *testing.T) {
	_, err := ParseAssessmentStage("hired")
	require.Error(t, err)

	st, err := ParseAssessmentStage("1")
	require.NoError(t, err)
	assert.Equal(t, Stage1, st)
}

func TestStageOrdering(t *testing.T) {
	assert.Less(t, StageIntake.Rank(), Stage1.Rank())
	assert.Less(t, Stage1.Rank(), Stage2.Rank())
	assert.Less(t, Stage2.Rank(), Stage3.Rank())
	assert.Less(t, Stage3.Rank(), StageHired.Rank())
	assert.Equal(t, StageHired.Rank(), StageRejected.Rank())
	assert.Equal(t, -1, Stage("bogus").Rank())

	assert.Equal(t, Stage2, Stage1.Next())
	assert.Equal(t, Stage(""), Stage3.Next())
	assert.Equal(t, Stage1, Stage2.Previous())
	assert.Equal(t, StageIntake, Stage1.Previous())

	assert.True(t, StageRejected.IsTerminal())
	assert.False(t, Stage3.IsTerminal())
	assert.True(t, Stage3.IsAssessment())
	assert.False(t, StageIntake.IsAssessment())
}
