package orchestrator

import (
	"context"
	"errors"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/redis"
)

// Notifier receives a cache-invalidation signal for every delivered event.
type Notifier interface {
	Notify(ctx context.Context, inv social.Invalidation) error
}

type NotifierFunc func(ctx context.Context, inv social.Invalidation) error

func (f NotifierFunc) Notify(ctx context.Context, inv social.Invalidation) error { return f(ctx, inv) }

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, inv social.Invalidation) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, inv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InvalidationChannel is the Redis channel other dashboard replicas
// subscribe to.
const InvalidationChannel = "lookout:invalidations"

// RedisNotifier publishes invalidations over Redis pub/sub.
type RedisNotifier struct {
	PubSub  *redis.TypedPubSub[social.Invalidation]
	Channel string
}

func (n RedisNotifier) Notify(ctx context.Context, inv social.Invalidation) error {
	ch := n.Channel
	if ch == "" {
		ch = InvalidationChannel
	}
	return n.PubSub.Publish(ctx, ch, inv)
}
