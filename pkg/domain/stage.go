package domain

import (
	"fmt"
	"strings"
)

// Stage is a candidate's position in the evaluation pipeline. Grants are
// scoped to the three assessment stages only.
type Stage string

const (
	StageIntake   Stage = "intake"
	Stage1        Stage = "stage1"
	Stage2        Stage = "stage2"
	Stage3        Stage = "stage3"
	StageHired    Stage = "hired"
	StageRejected Stage = "rejected"
)

// Rejected can follow any stage, so it shares the terminal rank with Hired.
var stageRank = map[Stage]int{
	StageIntake:   0,
	Stage1:        1,
	Stage2:        2,
	Stage3:        3,
	StageHired:    4,
	StageRejected: 4,
}

// AssessmentStages lists the stages that are gated by an access grant, in order.
var AssessmentStages = []Stage{Stage1, Stage2, Stage3}

// ParseStage accepts the canonical lowercase names and the numeric shorthand "1".."3".
func ParseStage(s string) (Stage, error) {
	switch v := Stage(strings.ToLower(strings.TrimSpace(s))); v {
	case StageIntake, Stage1, Stage2, Stage3, StageHired, StageRejected:
		return v, nil
	case "1":
		return Stage1, nil
	case "2":
		return Stage2, nil
	case "3":
		return Stage3, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// ParseAssessmentStage is ParseStage restricted to Stage1..Stage3.
func ParseAssessmentStage(s string) (Stage, error) {
	st, err := ParseStage(s)
	if err != nil {
		return "", err
	}
	if !st.IsAssessment() {
		return "", fmt.Errorf("stage %q has no assessment", s)
	}
	return st, nil
}

func (s Stage) String() string { return string(s) }

func (s Stage) IsValid() bool {
	_, ok := stageRank[s]
	return ok
}

// Rank orders stages for monotonicity checks. Unknown stages rank -1.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

func (s Stage) IsTerminal() bool { return s == StageHired || s == StageRejected }

func (s Stage) IsAssessment() bool { return s == Stage1 || s == Stage2 || s == Stage3 }

// Next returns the assessment stage that follows s, or "" when none does.
func (s Stage) Next() Stage {
	switch s {
	case StageIntake:
		return Stage1
	case Stage1:
		return Stage2
	case Stage2:
		return Stage3
	}
	return ""
}

// Previous returns the stage that must be Passed before s can start.
func (s Stage) Previous() Stage {
	switch s {
	case Stage1:
		return StageIntake
	case Stage2:
		return Stage1
	case Stage3:
		return Stage2
	}
	return ""
}
