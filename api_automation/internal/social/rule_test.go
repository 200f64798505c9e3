package social

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validRule() AutomationRule {
	return AutomationRule{
		ID:               "r1",
		WorkspaceID:      "ws",
		Type:             RuleCommentToDM,
		Keywords:         []string{"price"},
		CommentResponses: []string{"check your DMs"},
		DMResponses:      []string{"here is the link"},
		IsActive:         true,
	}
}

func TestAutomationRuleValidate(t *testing.T) {
	require.NoError(t, validRule().Validate())

	cases := map[string]func(r *AutomationRule){
		"empty keywords":      func(r *AutomationRule) { r.Keywords = []string{" ", ""} },
		"dm_only without dms": func(r *AutomationRule) { r.Type = RuleDMOnly; r.DMResponses = nil },
		"comment_to_dm no dm": func(r *AutomationRule) { r.DMResponses = nil },
		"comment_only empty":  func(r *AutomationRule) { r.Type = RuleCommentOnly; r.CommentResponses = nil },
		"unknown type":        func(r *AutomationRule) { r.Type = "story_reply" },
		"crosses midnight": func(r *AutomationRule) {
			r.Schedule.ActiveHours = HourRange{Start: TimeOfDay{Hour: 22}, End: TimeOfDay{Hour: 2}}
		},
		"empty window": func(r *AutomationRule) {
			r.Schedule.ActiveHours = HourRange{Start: TimeOfDay{Hour: 9}, End: TimeOfDay{Hour: 9}}
		},
		"bad timezone":   func(r *AutomationRule) { r.Schedule.Timezone = "Mars/Olympus" },
		"negative limit": func(r *AutomationRule) { r.Limits.MaxActionsPerDay = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := validRule()
			mutate(&r)
			err := r.Validate()
			require.ErrorIs(t, err, ErrRuleConfig)
			var cfgErr *RuleConfigError
			require.True(t, errors.As(err, &cfgErr))
			require.Equal(t, "r1", cfgErr.RuleID)
		})
	}
}

func TestHourRangeContains(t *testing.T) {
	h := HourRange{Start: TimeOfDay{Hour: 9}, End: TimeOfDay{Hour: 17}}
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	require.False(t, h.Contains(day.Add(8*time.Hour+59*time.Minute)))
	require.True(t, h.Contains(day.Add(9*time.Hour)))
	require.True(t, h.Contains(day.Add(16*time.Hour+59*time.Minute)))
	require.False(t, h.Contains(day.Add(17*time.Hour)))
	require.True(t, HourRange{}.Contains(day.Add(23*time.Hour)))
}

func TestTimeOfDayJSON(t *testing.T) {
	var h HourRange
	require.NoError(t, json.Unmarshal([]byte(`{"start":"09:30","end":"17:00"}`), &h))
	require.Equal(t, TimeOfDay{Hour: 9, Minute: 30}, h.Start)

	out, err := json.Marshal(h)
	require.NoError(t, err)
	require.JSONEq(t, `{"start":"09:30","end":"17:00"}`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"start":"25:00"}`), &h))
}

func TestExecutionStateFiredOn(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	s := NewExecutionState("ws", "r1")
	require.Equal(t, -1, s.LastResponseIndex)
	require.Equal(t, 0, s.FiredOn(time.Now(), loc))

	// 23:30 local on Mar 2
	s.LastFiredAt = time.Date(2026, 3, 3, 4, 30, 0, 0, time.UTC)
	s.ActionsFiredToday = 4
	require.Equal(t, 4, s.FiredOn(time.Date(2026, 3, 3, 4, 50, 0, 0, time.UTC), loc))
	// 00:10 local on Mar 3
	require.Equal(t, 0, s.FiredOn(time.Date(2026, 3, 3, 5, 10, 0, 0, time.UTC), loc))
}

func TestErrorTaxonomy(t *testing.T) {
	rl := &RateLimitError{WorkspaceID: "ws", Action: ActionDM, RetryAfter: time.Minute, Err: errors.New("429")}
	require.ErrorIs(t, rl, ErrRateLimited)
	require.ErrorIs(t, rl, ErrDispatch)

	d := &DispatchError{WorkspaceID: "ws", Action: ActionComment, StatusCode: 401, Err: errors.New("token expired")}
	require.ErrorIs(t, d, ErrDispatch)
	require.NotErrorIs(t, d, ErrRateLimited)

	te := &TransportError{WorkspaceID: "ws", Op: "connect", Attempt: 2, Err: errors.New("refused")}
	require.ErrorIs(t, te, ErrTransport)
	require.Contains(t, te.Error(), "attempt 2")

	require.ErrorIs(t, &PollError{WorkspaceID: "ws", Err: errors.New("timeout")}, ErrPoll)
}

func TestSocialEventValidate(t *testing.T) {
	e := SocialEvent{ID: "e1", WorkspaceID: "ws", Category: CategoryComment}
	require.NoError(t, e.Validate())
	require.Equal(t, DedupKey{ID: "e1", Category: CategoryComment}, e.Key())

	e.Category = "reaction"
	require.Error(t, e.Validate())
}
