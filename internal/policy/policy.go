// Package policy holds the immutable evaluation and grant rules. A Rules value
// is built once at startup (defaults, optionally overlaid by a YAML file),
// validated, and handed to each component by value.
package policy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gatehouse/pkg/domain"
)

// Stage1Rule gates the automated first assessment. Scores at or above
// AutoApproveAt pass, scores below ManualReviewMin are rejected, and the band
// in between is parked for a reviewer.
type Stage1Rule struct {
	AutoApproveAt   float64 `yaml:"auto_approve_at"`
	ManualReviewMin float64 `yaml:"manual_review_min"`
	IQWeight        float64 `yaml:"iq_weight"`
	TechnicalWeight float64 `yaml:"technical_weight"`
}

// Stage2Rule gates the human-evaluated interview.
type Stage2Rule struct {
	MinPass float64 `yaml:"min_pass"`
}

// Stage3Rule gates the dual executive interview. A is the first executive
// (CTO in practice), B the second.
type Stage3Rule struct {
	WeightA     float64 `yaml:"weight_a"`
	WeightB     float64 `yaml:"weight_b"`
	RequireBoth bool    `yaml:"require_both"`
}

// GrantRule configures access grants for one assessment stage.
type GrantRule struct {
	TTL             time.Duration   `yaml:"ttl"`
	MaxLifetime     time.Duration   `yaml:"max_lifetime"`
	MaxUses         int             `yaml:"max_uses"`
	ReminderOffsets []time.Duration `yaml:"reminder_offsets"`
}

// WeekendRule moves expiries that would fall on a non-working day.
type WeekendRule struct {
	Enabled    bool          `yaml:"enabled"`
	Lookahead  time.Duration `yaml:"lookahead"`
	Days       []string      `yaml:"days"`
	AnchorHour int           `yaml:"anchor_hour"`
	Location   string        `yaml:"location"`
}

// Rules is the full rule set.
type Rules struct {
	Stage1            Stage1Rule                 `yaml:"stage1"`
	Stage2            Stage2Rule                 `yaml:"stage2"`
	Stage3            Stage3Rule                 `yaml:"stage3"`
	Grants            map[domain.Stage]GrantRule `yaml:"grants"`
	Weekend           WeekendRule                `yaml:"weekend"`
	MaxFailedAttempts int                        `yaml:"max_failed_attempts"`
}

const day = 24 * time.Hour

// Default returns the production rule set.
func Default() Rules {
	return Rules{
		Stage1: Stage1Rule{
			AutoApproveAt:   70,
			ManualReviewMin: 50,
			IQWeight:        0.4,
			TechnicalWeight: 0.6,
		},
		Stage2: Stage2Rule{MinPass: 6},
		Stage3: Stage3Rule{WeightA: 0.6, WeightB: 0.4, RequireBoth: true},
		Grants: map[domain.Stage]GrantRule{
			domain.Stage1: {TTL: 7 * day, MaxLifetime: 30 * day, MaxUses: 1, ReminderOffsets: []time.Duration{24 * time.Hour, 3 * time.Hour}},
			domain.Stage2: {TTL: 3 * day, MaxLifetime: 14 * day, MaxUses: 1, ReminderOffsets: []time.Duration{24 * time.Hour, 6 * time.Hour}},
			domain.Stage3: {TTL: 3 * day, MaxLifetime: 14 * day, MaxUses: 1, ReminderOffsets: []time.Duration{24 * time.Hour, 6 * time.Hour}},
		},
		Weekend: WeekendRule{
			Enabled:    true,
			Lookahead:  3 * day,
			Days:       []string{"saturday", "sunday"},
			AnchorHour: 9,
			Location:   "UTC",
		},
		MaxFailedAttempts: 3,
	}
}

// Grant returns the grant rule for stage. ok is false for stages without grants.
func (r Rules) Grant(stage domain.Stage) (GrantRule, bool) {
	g, ok := r.Grants[stage]
	return g, ok
}

// Validate reports the first inconsistency in r.
func (r Rules) Validate() error {
	s1 := r.Stage1
	if s1.ManualReviewMin >= s1.AutoApproveAt {
		return fmt.Errorf("stage1: manual_review_min (%v) must be below auto_approve_at (%v)", s1.ManualReviewMin, s1.AutoApproveAt)
	}
	if s1.AutoApproveAt > 100 || s1.ManualReviewMin < 0 {
		return fmt.Errorf("stage1: thresholds must lie within 0..100")
	}
	if !sumsToOne(s1.IQWeight, s1.TechnicalWeight) {
		return fmt.Errorf("stage1: weights must sum to 1.0")
	}
	if r.Stage2.MinPass < 0 || r.Stage2.MinPass > 10 {
		return fmt.Errorf("stage2: min_pass must lie within 0..10")
	}
	if !sumsToOne(r.Stage3.WeightA, r.Stage3.WeightB) {
		return fmt.Errorf("stage3: weights must sum to 1.0")
	}
	for _, st := range domain.AssessmentStages {
		g, ok := r.Grants[st]
		if !ok {
			return fmt.Errorf("grants: missing rule for %s", st)
		}
		if g.TTL <= 0 {
			return fmt.Errorf("grants.%s: ttl must be positive", st)
		}
		if g.MaxLifetime < g.TTL {
			return fmt.Errorf("grants.%s: max_lifetime must be at least ttl", st)
		}
		if g.MaxUses < 1 {
			return fmt.Errorf("grants.%s: max_uses must be at least 1", st)
		}
		for _, off := range g.ReminderOffsets {
			if off <= 0 || off >= g.TTL {
				return fmt.Errorf("grants.%s: reminder offset %s must lie within (0, ttl)", st, off)
			}
		}
	}
	if r.MaxFailedAttempts < 1 {
		return fmt.Errorf("max_failed_attempts must be at least 1")
	}
	if r.Weekend.Enabled {
		if _, err := r.Weekend.Weekdays(); err != nil {
			return err
		}
		if _, err := r.Weekend.Loc(); err != nil {
			return err
		}
		if r.Weekend.AnchorHour < 0 || r.Weekend.AnchorHour > 23 {
			return fmt.Errorf("weekend: anchor_hour must lie within 0..23")
		}
		if r.Weekend.Lookahead <= 0 {
			return fmt.Errorf("weekend: lookahead must be positive")
		}
	}
	return nil
}

func sumsToOne(a, b float64) bool {
	return a >= 0 && b >= 0 && math.Abs(a+b-1) < 1e-9
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// Weekdays parses Days into a set.
func (w WeekendRule) Weekdays() (map[time.Weekday]bool, error) {
	set := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("weekend: unknown day %q", d)
		}
		set[wd] = true
	}
	if len(set) == 7 {
		return nil, fmt.Errorf("weekend: at least one business day is required")
	}
	return set, nil
}

// Loc resolves Location, defaulting to UTC.
func (w WeekendRule) Loc() (*time.Location, error) {
	if w.Location == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(w.Location)
	if err != nil {
		return nil, fmt.Errorf("weekend: %w", err)
	}
	return loc, nil
}
