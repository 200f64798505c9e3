// Package rules decides which automation rules fire for an inbound event
// and defines the store those rules are read from.
package rules

import (
	"strings"
	"time"

	"golang.org/x/text/cases"

	"frameworks/api_automation/internal/metrics"
	"frameworks/api_automation/internal/social"
	"frameworks/pkg/logging"
)

// Action is one platform call planned for a match.
type Action struct {
	Kind social.ActionKind
	// Target is a media id for comments and an author handle for DMs.
	Target     string
	Text       string
	ButtonText string
	ButtonURL  string
	Delay      time.Duration
}

// Match is one rule that fires for an event. Actions[0] is the primary
// action whose success commits the firing.
type Match struct {
	Rule          social.AutomationRule
	ResponseIndex int
	Response      string
	Target        string
	Actions       []Action
}

type Matcher struct {
	logger     logging.Logger
	metrics    *metrics.Metrics
	defaultLoc *time.Location
}

// NewMatcher returns a Matcher evaluating schedules in defaultLoc unless
// a rule names its own timezone.
func NewMatcher(logger logging.Logger, m *metrics.Metrics, defaultLoc *time.Location) *Matcher {
	if logger == nil {
		logger = logging.NewLogger()
	}
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Matcher{logger: logger, metrics: m, defaultLoc: defaultLoc}
}

// Match returns every rule that fires for ev at now. Rules are evaluated
// independently; a malformed rule is skipped with a warning and never
// prevents the others from matching.
func (m *Matcher) Match(ev social.SocialEvent, rules []social.AutomationRule, state map[string]social.RuleExecutionState, now time.Time) []Match {
	text := fold(ev.Text)
	var out []Match

	for _, r := range rules {
		if !r.IsActive || r.WorkspaceID != ev.WorkspaceID || !Compatible(r.Type, ev.Category) {
			continue
		}
		if err := r.Validate(); err != nil {
			m.metrics.RuleConfigError()
			m.logger.WithFields(logging.Fields{
				"workspace_id": r.WorkspaceID,
				"rule_id":      r.ID,
				"event_id":     ev.ID,
			}).WithError(err).Warn("Skipping malformed automation rule")
			continue
		}
		if !targets(r, ev.SourceMediaID) || !containsKeyword(text, r.Keywords) {
			continue
		}

		loc := m.location(r)
		if !InSchedule(r.Schedule, now.In(loc)) {
			continue
		}

		st, ok := state[r.ID]
		if !ok {
			st = social.NewExecutionState(r.WorkspaceID, r.ID)
		}
		if !WithinLimits(r.Limits, st, now, loc) {
			continue
		}

		m.metrics.RuleMatched(string(r.Type))
		out = append(out, PlanNext(r, ev, st.LastResponseIndex))
	}
	return out
}

// Location returns the zone r's schedule and daily counter are kept in.
func (m *Matcher) Location(r social.AutomationRule) *time.Location { return m.location(r) }

func (m *Matcher) location(r social.AutomationRule) *time.Location {
	loc, err := r.Schedule.Location(m.defaultLoc)
	if err != nil {
		return m.defaultLoc
	}
	return loc
}

// Compatible reports whether a rule type reacts to category.
func Compatible(t social.RuleType, c social.Category) bool {
	switch c {
	case social.CategoryComment:
		return t == social.RuleCommentToDM || t == social.RuleCommentOnly
	case social.CategoryMessage:
		return t == social.RuleDMOnly
	}
	return false
}

// InSchedule checks weekday and [start, end) for a time already in the
// rule's location.
func InSchedule(s social.Schedule, local time.Time) bool {
	return s.ActiveOn(local.Weekday()) && s.ActiveHours.Contains(local)
}

// WithinLimits applies the daily cap and cooldown.
func WithinLimits(l social.Limits, st social.RuleExecutionState, now time.Time, loc *time.Location) bool {
	if l.MaxActionsPerDay > 0 && st.FiredOn(now, loc) >= l.MaxActionsPerDay {
		return false
	}
	if l.Cooldown > 0 && !st.LastFiredAt.IsZero() && now.Sub(st.LastFiredAt) < l.Cooldown {
		return false
	}
	return true
}

// NextResponseIndex is (last + 1) mod n.
func NextResponseIndex(last, n int) int {
	if n <= 0 {
		return 0
	}
	if last < -1 {
		last = -1
	}
	return (last + 1) % n
}

func targets(r social.AutomationRule, mediaID string) bool {
	if len(r.TargetMediaIDs) == 0 {
		return true
	}
	for _, id := range r.TargetMediaIDs {
		if id == mediaID {
			return true
		}
	}
	return false
}

func containsKeyword(foldedText string, keywords []string) bool {
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if strings.Contains(foldedText, fold(k)) {
			return true
		}
	}
	return false
}

// fold uses a fresh Caser per call; Casers are not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(s)
}

func primaryResponses(r social.AutomationRule) []string {
	if r.Type != social.RuleDMOnly && len(r.CommentResponses) > 0 {
		return r.CommentResponses
	}
	return r.DMResponses
}

// PlanNext plans r's actions for ev using the variant after last.
func PlanNext(r social.AutomationRule, ev social.SocialEvent, last int) Match {
	return plan(r, ev, NextResponseIndex(last, len(primaryResponses(r))))
}

func plan(r social.AutomationRule, ev social.SocialEvent, idx int) Match {
	dm := func(delay time.Duration) Action {
		return Action{
			Kind:       social.ActionDM,
			Target:     ev.AuthorHandle,
			Text:       r.DMResponses[idx%len(r.DMResponses)],
			ButtonText: r.DMButtonText,
			ButtonURL:  r.DMButtonURL,
			Delay:      delay,
		}
	}
	comment := func(delay time.Duration) Action {
		return Action{
			Kind:   social.ActionComment,
			Target: ev.SourceMediaID,
			Text:   r.CommentResponses[idx],
			Delay:  delay,
		}
	}

	var actions []Action
	switch r.Type {
	case social.RuleCommentToDM:
		if len(r.CommentResponses) > 0 {
			actions = []Action{comment(0), dm(r.CommentDelay)}
		} else {
			actions = []Action{dm(r.CommentDelay)}
		}
	case social.RuleCommentOnly:
		actions = []Action{comment(r.CommentDelay)}
	case social.RuleDMOnly:
		actions = []Action{dm(0)}
	}

	return Match{
		Rule:          r,
		ResponseIndex: idx,
		Response:      actions[0].Text,
		Target:        actions[0].Target,
		Actions:       actions,
	}
}
