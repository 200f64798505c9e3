package rules

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"frameworks/pkg/logging"
	"frameworks/pkg/redis"
)

// ChangeChannel carries RuleChange messages from the rule CRUD API.
const ChangeChannel = "lookout:rule_changes"

type RuleChange struct {
	WorkspaceID string `json:"workspaceId"`
	RuleID      string `json:"ruleId,omitempty"`
}

// RedisChangeFeed turns Redis pub/sub rule writes into per-workspace
// callbacks.
type RedisChangeFeed struct {
	listeners

	pubsub  *redis.TypedPubSub[RuleChange]
	channel string
	logger  logging.Logger
}

func NewRedisChangeFeed(client goredis.UniversalClient, logger logging.Logger) *RedisChangeFeed {
	return &RedisChangeFeed{
		pubsub:  redis.NewTypedPubSub[RuleChange](client, logger),
		channel: ChangeChannel,
		logger:  logger,
	}
}

// Run subscribes and dispatches until ctx is done. ready is closed once
// the subscription is live.
func (f *RedisChangeFeed) Run(ctx context.Context, ready chan<- struct{}) error {
	return f.pubsub.Subscribe(ctx, f.channel, ready, func(c RuleChange) {
		if c.WorkspaceID == "" {
			f.logger.Warn("Ignoring rule change without workspace id")
			return
		}
		f.logger.WithFields(logging.Fields{
			"workspace_id": c.WorkspaceID,
			"rule_id":      c.RuleID,
		}).Debug("Rule changed")
		f.notify(c.WorkspaceID)
	})
}

// Publish announces a rule write to every replica.
func (f *RedisChangeFeed) Publish(ctx context.Context, c RuleChange) error {
	return f.pubsub.Publish(ctx, f.channel, c)
}
