package social

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type RuleType string

const (
	RuleCommentToDM RuleType = "comment_to_dm"
	RuleDMOnly      RuleType = "dm_only"
	RuleCommentOnly RuleType = "comment_only"
)

// TimeOfDay is a wall-clock time with minute precision, encoded as "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) IsZero() bool { return t.Hour == 0 && t.Minute == 0 }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// HourRange is the half-open window [Start, End). 00:00-00:00 means all day.
type HourRange struct {
	Start TimeOfDay `json:"start"`
	End   TimeOfDay `json:"end"`
}

func (h HourRange) AllDay() bool { return h.Start.IsZero() && h.End.IsZero() }

func (h HourRange) Contains(t time.Time) bool {
	if h.AllDay() {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	return m >= h.Start.Minutes() && m < h.End.Minutes()
}

type Schedule struct {
	// ActiveDays empty means every day.
	ActiveDays  []time.Weekday `json:"activeDays"`
	ActiveHours HourRange      `json:"activeHours"`
	// Timezone is an IANA name; empty uses the service default.
	Timezone string `json:"timezone,omitempty"`
}

func (s Schedule) ActiveOn(day time.Weekday) bool {
	if len(s.ActiveDays) == 0 {
		return true
	}
	for _, d := range s.ActiveDays {
		if d == day {
			return true
		}
	}
	return false
}

// Location resolves Timezone, falling back to def.
func (s Schedule) Location(def *time.Location) (*time.Location, error) {
	if s.Timezone == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Limits of zero disable the corresponding check.
type Limits struct {
	MaxActionsPerDay int           `json:"maxActionsPerDay"`
	Cooldown         time.Duration `json:"cooldown"`
}

type AutomationRule struct {
	ID               string        `json:"id"`
	WorkspaceID      string        `json:"workspaceId"`
	Name             string        `json:"name,omitempty"`
	Type             RuleType      `json:"type"`
	Keywords         []string      `json:"keywords"`
	TargetMediaIDs   []string      `json:"targetMediaIds"`
	CommentResponses []string      `json:"commentResponses"`
	DMResponses      []string      `json:"dmResponses"`
	DMButtonText     string        `json:"dmButtonText,omitempty"`
	DMButtonURL      string        `json:"dmButtonUrl,omitempty"`
	CommentDelay     time.Duration `json:"commentDelay"`
	IsActive         bool          `json:"isActive"`
	Schedule         Schedule      `json:"schedule"`
	Limits           Limits        `json:"limits"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// Validate returns a *RuleConfigError describing the first authoring
// problem found, or nil.
func (r AutomationRule) Validate() error {
	fail := func(format string, args ...any) error {
		return &RuleConfigError{RuleID: r.ID, WorkspaceID: r.WorkspaceID, Reason: fmt.Sprintf(format, args...)}
	}

	hasKeyword := false
	for _, k := range r.Keywords {
		if strings.TrimSpace(k) != "" {
			hasKeyword = true
			break
		}
	}
	if !hasKeyword {
		return fail("keyword set is empty")
	}

	switch r.Type {
	case RuleCommentToDM, RuleDMOnly:
		if len(r.DMResponses) == 0 {
			return fail("%s rule has no dm responses", r.Type)
		}
	case RuleCommentOnly:
		if len(r.CommentResponses) == 0 {
			return fail("comment_only rule has no comment responses")
		}
	default:
		return fail("unknown rule type %q", r.Type)
	}

	if r.CommentDelay < 0 {
		return fail("negative comment delay")
	}
	if r.Limits.MaxActionsPerDay < 0 || r.Limits.Cooldown < 0 {
		return fail("negative limits")
	}

	h := r.Schedule.ActiveHours
	if !h.AllDay() && h.Start.Minutes() >= h.End.Minutes() {
		return fail("active hours %s-%s must not cross midnight", h.Start, h.End)
	}
	for _, d := range r.Schedule.ActiveDays {
		if d < time.Sunday || d > time.Saturday {
			return fail("invalid weekday %d", d)
		}
	}
	if _, err := r.Schedule.Location(nil); err != nil {
		return fail("unknown timezone %q", r.Schedule.Timezone)
	}
	return nil
}

// RuleExecutionState carries per-rule counters. LastResponseIndex is -1
// before the first firing.
type RuleExecutionState struct {
	RuleID            string    `json:"ruleId"`
	WorkspaceID       string    `json:"workspaceId"`
	ActionsFiredToday int       `json:"actionsFiredToday"`
	LastFiredAt       time.Time `json:"lastFiredAt"`
	LastResponseIndex int       `json:"lastResponseIndex"`
}

func NewExecutionState(workspaceID, ruleID string) RuleExecutionState {
	return RuleExecutionState{RuleID: ruleID, WorkspaceID: workspaceID, LastResponseIndex: -1}
}

// FiredOn returns the firing count attributable to the local day of now.
// Counts recorded on an earlier local day read as zero.
func (s RuleExecutionState) FiredOn(now time.Time, loc *time.Location) int {
	if s.LastFiredAt.IsZero() || !SameLocalDay(s.LastFiredAt, now, loc) {
		return 0
	}
	return s.ActionsFiredToday
}

// SameLocalDay reports whether a and b fall on the same calendar day in loc.
func SameLocalDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
