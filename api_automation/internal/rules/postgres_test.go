package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"frameworks/api_automation/internal/social"
)

var ruleColumns = []string{
	"id", "workspace_id", "name", "rule_type", "keywords", "target_media_ids",
	"comment_responses", "dm_responses", "dm_button_text", "dm_button_url",
	"comment_delay_ms", "is_active", "active_days", "active_start", "active_end",
	"timezone", "max_actions_per_day", "cooldown_ms", "created_at",
}

func newMockStore(t *testing.T, feed ChangeFeed) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, feed, logrus.New()), mock
}

func TestPostgresGetActiveRules(t *testing.T) {
	store, mock := newMockStore(t, nil)
	created := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM automation_rules").
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows(ruleColumns).
			AddRow("r1", "ws-1", "Price", "comment_to_dm", "{price,cost}", "{p1}",
				"{\"Sent you a DM!\"}", "{\"Here is the list\"}", "Shop", "https://shop.example",
				int64(900000), true, "{1,2,3}", "09:00", "17:00",
				"Europe/Lisbon", 50, int64(600000), created).
			AddRow("r2", "ws-1", "", "dm_only", "{hi}", "{}", "{}", "{hello}", "", "",
				int64(0), true, "{}", "25:00", "00:00", "", 0, int64(0), created))

	rules, err := store.GetActiveRules(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, rules, 1, "rule with unreadable hours is skipped")

	r := rules[0]
	require.Equal(t, social.RuleCommentToDM, r.Type)
	require.Equal(t, []string{"price", "cost"}, r.Keywords)
	require.Equal(t, []string{"p1"}, r.TargetMediaIDs)
	require.Equal(t, []string{"Sent you a DM!"}, r.CommentResponses)
	require.Equal(t, 15*time.Minute, r.CommentDelay)
	require.Equal(t, 10*time.Minute, r.Limits.Cooldown)
	require.Equal(t, 50, r.Limits.MaxActionsPerDay)
	require.Equal(t, []time.Weekday{time.Monday, time.Tuesday, time.Wednesday}, r.Schedule.ActiveDays)
	require.Equal(t, social.TimeOfDay{Hour: 9}, r.Schedule.ActiveHours.Start)
	require.Equal(t, social.TimeOfDay{Hour: 17}, r.Schedule.ActiveHours.End)
	require.Equal(t, "Europe/Lisbon", r.Schedule.Timezone)
	require.NoError(t, r.Validate())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetActiveRulesQueryError(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectQuery("FROM automation_rules").WillReturnError(errors.New("connection reset"))

	_, err := store.GetActiveRules(context.Background(), "ws-1")
	require.ErrorContains(t, err, "query active rules")
}

func TestPostgresGetExecutionStateDefaultsWhenMissing(t *testing.T) {
	store, mock := newMockStore(t, nil)
	mock.ExpectQuery("FROM automation_rule_state WHERE rule_id").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "workspace_id", "actions_fired_today", "last_fired_at", "last_response_index"}))

	st, err := store.GetExecutionState(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", st.RuleID)
	require.Equal(t, -1, st.LastResponseIndex)
	require.True(t, st.LastFiredAt.IsZero())
}

func TestPostgresGetExecutionStates(t *testing.T) {
	store, mock := newMockStore(t, nil)
	fired := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM automation_rule_state WHERE workspace_id").
		WithArgs("ws-1").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "workspace_id", "actions_fired_today", "last_fired_at", "last_response_index"}).
			AddRow("r1", "ws-1", 3, fired, 2).
			AddRow("r2", "ws-1", 0, nil, -1))

	states, err := store.GetExecutionStates(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, 3, states["r1"].ActionsFiredToday)
	require.Equal(t, fired, states["r1"].LastFiredAt)
	require.True(t, states["r2"].LastFiredAt.IsZero())
}

func TestPostgresSaveExecutionStateUpserts(t *testing.T) {
	store, mock := newMockStore(t, nil)
	fired := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO automation_rule_state").
		WithArgs("r1", "ws-1", 4, fired, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.SaveExecutionState(context.Background(), social.RuleExecutionState{
		RuleID: "r1", WorkspaceID: "ws-1", ActionsFiredToday: 4, LastFiredAt: fired, LastResponseIndex: 1,
	}))

	mock.ExpectExec("INSERT INTO automation_rule_state").
		WithArgs("r2", "ws-1", 0, nil, -1).
		WillReturnError(errors.New("deadlock detected"))
	err := store.SaveExecutionState(context.Background(), social.NewExecutionState("ws-1", "r2"))
	require.ErrorContains(t, err, "save execution state r2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOnRuleChangedDelegatesToFeed(t *testing.T) {
	store, _ := newMockStore(t, nil)
	store.OnRuleChanged("ws-1", func() {})()

	mem := NewMemoryStore()
	withFeed, _ := newMockStore(t, mem)
	fired := make(chan struct{}, 1)
	unsubscribe := withFeed.OnRuleChanged("ws-1", func() { fired <- struct{}{} })
	mem.PutRule(priceRule("r1"))
	<-fired
	unsubscribe()
	mem.PutRule(priceRule("r2"))
	require.Empty(t, fired)
}
