package validation

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "gatehouse/pkg/domain-errors"
)

type scoreRequest struct {
	CandidateName  string  `json:"candidate_name" validate:"required,notblank,max=200"`
	Email          string  `json:"email" validate:"required,email"`
	Score          float64 `json:"score" validate:"finite,gte=0,lte=10"`
	Recommendation string  `json:"recommendation" validate:"oneof=approve borderline reject"`
}

func valid() scoreRequest {
	return scoreRequest{CandidateName: "Ada", Email: "ada@example.com", Score: 7, Recommendation: "approve"}
}

func TestValidate(t *testing.T) {
	t.Run("accepts a valid request", func(t *testing.T) {
		req := valid()
		require.NoError(t, Validate(&req))
	})

	cases := []struct {
		name    string
		mutate  func(*scoreRequest)
		message string
	}{
		{"blank name", func(r *scoreRequest) { r.CandidateName = "   " }, "candidate_name must not be blank"},
		{"bad email", func(r *scoreRequest) { r.Email = "nope" }, "email must be a valid email"},
		{"score above range", func(r *scoreRequest) { r.Score = 10.5 }, "score must be at most 10"},
		{"negative score", func(r *scoreRequest) { r.Score = -1 }, "score must be at least 0"},
		{"NaN score", func(r *scoreRequest) { r.Score = math.NaN() }, "score must be a finite number"},
		{"unknown recommendation", func(r *scoreRequest) { r.Recommendation = "maybe" }, "recommendation must be one of [approve borderline reject]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid()
			tc.mutate(&req)
			err := Validate(&req)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			assert.Equal(t, tc.message, err.Error())
		})
	}
}

func TestCheckStringLength(t *testing.T) {
	require.NoError(t, CheckStringLength("reason", "ok", MaxReasonLength))
	err := CheckStringLength("reason", strings.Repeat("x", MaxReasonLength+1), MaxReasonLength)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestToSnakeCase(t *testing.T) {
	assert.Equal(t, "score_a", toSnakeCase("ScoreA"))
	assert.Equal(t, "candidate_id", toSnakeCase("CandidateID"))
}
