package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/logging"
)

// ChangeFeed delivers rule write notifications.
type ChangeFeed interface {
	OnRuleChanged(workspaceID string, cb func()) (unsubscribe func())
}

// PostgresStore reads rules and persists execution state in Postgres.
// Change notifications come from feed.
type PostgresStore struct {
	db     *sql.DB
	feed   ChangeFeed
	logger logging.Logger
}

func NewPostgresStore(db *sql.DB, feed ChangeFeed, logger logging.Logger) *PostgresStore {
	return &PostgresStore{db: db, feed: feed, logger: logger}
}

const selectActiveRules = `
	SELECT id, workspace_id, name, rule_type, keywords, target_media_ids,
	       comment_responses, dm_responses, dm_button_text, dm_button_url,
	       comment_delay_ms, is_active, active_days, active_start, active_end,
	       timezone, max_actions_per_day, cooldown_ms, created_at
	FROM automation_rules
	WHERE workspace_id = $1 AND is_active
	ORDER BY created_at, id`

func (s *PostgresStore) GetActiveRules(ctx context.Context, workspaceID string) ([]social.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, selectActiveRules, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var out []social.AutomationRule
	for rows.Next() {
		var (
			r                   social.AutomationRule
			days                pq.Int64Array
			start, end          string
			delayMs, cooldownMs int64
		)
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Type,
			pq.Array(&r.Keywords), pq.Array(&r.TargetMediaIDs),
			pq.Array(&r.CommentResponses), pq.Array(&r.DMResponses),
			&r.DMButtonText, &r.DMButtonURL, &delayMs, &r.IsActive, &days,
			&start, &end, &r.Schedule.Timezone, &r.Limits.MaxActionsPerDay,
			&cooldownMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}

		r.CommentDelay = time.Duration(delayMs) * time.Millisecond
		r.Limits.Cooldown = time.Duration(cooldownMs) * time.Millisecond
		for _, d := range days {
			r.Schedule.ActiveDays = append(r.Schedule.ActiveDays, time.Weekday(d))
		}
		if r.Schedule.ActiveHours.Start, err = social.ParseTimeOfDay(start); err == nil {
			r.Schedule.ActiveHours.End, err = social.ParseTimeOfDay(end)
		}
		if err != nil {
			s.logger.WithFields(logging.Fields{
				"workspace_id": r.WorkspaceID,
				"rule_id":      r.ID,
			}).WithError(err).Warn("Skipping rule with unreadable active hours")
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

const selectStateColumns = `
	SELECT rule_id, workspace_id, actions_fired_today, last_fired_at, last_response_index
	FROM automation_rule_state`

func (s *PostgresStore) GetExecutionState(ctx context.Context, ruleID string) (social.RuleExecutionState, error) {
	row := s.db.QueryRowContext(ctx, selectStateColumns+` WHERE rule_id = $1`, ruleID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return social.NewExecutionState("", ruleID), nil
	}
	if err != nil {
		return social.RuleExecutionState{}, fmt.Errorf("get execution state %s: %w", ruleID, err)
	}
	return st, nil
}

func (s *PostgresStore) GetExecutionStates(ctx context.Context, workspaceID string) (map[string]social.RuleExecutionState, error) {
	rows, err := s.db.QueryContext(ctx, selectStateColumns+` WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query execution states: %w", err)
	}
	defer rows.Close()

	out := make(map[string]social.RuleExecutionState)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution state: %w", err)
		}
		out[st.RuleID] = st
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveExecutionState(ctx context.Context, st social.RuleExecutionState) error {
	var lastFired sql.NullTime
	if !st.LastFiredAt.IsZero() {
		lastFired = sql.NullTime{Time: st.LastFiredAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rule_state
			(rule_id, workspace_id, actions_fired_today, last_fired_at, last_response_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (rule_id) DO UPDATE SET
			actions_fired_today = EXCLUDED.actions_fired_today,
			last_fired_at = EXCLUDED.last_fired_at,
			last_response_index = EXCLUDED.last_response_index,
			updated_at = NOW()`,
		st.RuleID, st.WorkspaceID, st.ActionsFiredToday, lastFired, st.LastResponseIndex)
	if err != nil {
		return fmt.Errorf("save execution state %s: %w", st.RuleID, err)
	}
	return nil
}

func (s *PostgresStore) OnRuleChanged(workspaceID string, cb func()) func() {
	if s.feed == nil {
		return func() {}
	}
	return s.feed.OnRuleChanged(workspaceID, cb)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (social.RuleExecutionState, error) {
	var (
		st        social.RuleExecutionState
		lastFired sql.NullTime
	)
	if err := row.Scan(&st.RuleID, &st.WorkspaceID, &st.ActionsFiredToday, &lastFired, &st.LastResponseIndex); err != nil {
		return st, err
	}
	if lastFired.Valid {
		st.LastFiredAt = lastFired.Time
	}
	return st, nil
}
