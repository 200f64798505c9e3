// Package automation runs matched rules against the platform: one actor
// per workspace evaluates events in order, reserves rate capacity and
// dispatches actions on the shared pool.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"frameworks/api_automation/internal/metrics"
	"frameworks/api_automation/internal/platform"
	"frameworks/api_automation/internal/rules"
	"frameworks/api_automation/internal/social"
	"frameworks/pkg/cache"
	"frameworks/pkg/clients"
	"frameworks/pkg/clock"
	"frameworks/pkg/logging"
	"frameworks/pkg/workpool"
)

var (
	ErrClosed   = errors.New("automation engine closed")
	ErrAttached = errors.New("workspace already attached")
)

// Dispatcher is the platform action sink, satisfied by *platform.Client.
type Dispatcher interface {
	PostComment(ctx context.Context, workspaceID, mediaID, text string) (platform.Result, error)
	SendDirectMessage(ctx context.Context, workspaceID, recipient, text, buttonText, buttonURL string) (platform.Result, error)
}

type Config struct {
	Store      rules.Store
	Matcher    *rules.Matcher
	Dispatcher Dispatcher
	Pool       *workpool.Pool
	Outcomes   OutcomeSink

	RuleCacheTTL time.Duration
	// RetryDelay is the backoff before the single dispatch retry.
	RetryDelay time.Duration
	// RateLimitBackoff pauses a workspace after a platform 429. A longer
	// Retry-After wins.
	RateLimitBackoff time.Duration
	DispatchTimeout  time.Duration
	StoreTimeout     time.Duration

	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.RuleCacheTTL <= 0 {
		c.RuleCacheTTL = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 5 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger()
	}
	if c.Matcher == nil {
		c.Matcher = rules.NewMatcher(c.Logger, c.Metrics, time.UTC)
	}
	if c.Pool == nil {
		c.Pool = workpool.New(8, c.Logger)
	}
	if c.Outcomes == nil {
		c.Outcomes = OutcomeSinkFunc(func(OutcomeRecord) {})
	}
	return c
}

// Engine owns the per-workspace actors.
type Engine struct {
	cfg   Config
	rules *cache.Cache[[]social.AutomationRule]
	retry retrypolicy.RetryPolicy[platform.Result]

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg: cfg,
		rules: cache.New[[]social.AutomationRule](cache.Options{
			TTL:   cfg.RuleCacheTTL,
			Clock: cfg.Clock,
		}, cache.MetricsHooks{}),
		retry: clients.NewRetryPolicy[platform.Result](clients.RetryConfig{
			MaxRetries: 1,
			BaseDelay:  cfg.RetryDelay,
			ShouldRetry: func(err error) bool {
				return !errors.Is(err, social.ErrRateLimited) && !errors.Is(err, context.Canceled)
			},
		}),
		workers: make(map[string]*worker),
	}
}

// Attach starts the actor that consumes events for workspaceID. The actor
// stops when events is closed or on Detach.
func (e *Engine) Attach(workspaceID string, events <-chan social.SocialEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.workers[workspaceID]; ok {
		return ErrAttached
	}
	w := newWorker(e, workspaceID, events)
	e.workers[workspaceID] = w
	go w.run()
	return nil
}

// Detach stops the workspace actor. Deferred actions are abandoned.
func (e *Engine) Detach(workspaceID string) {
	e.mu.Lock()
	w, ok := e.workers[workspaceID]
	e.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

// Status reports the actor state for workspaceID.
func (e *Engine) Status(workspaceID string) (WorkerStatus, bool) {
	e.mu.Lock()
	w, ok := e.workers[workspaceID]
	e.mu.Unlock()
	if !ok {
		return WorkerStatus{}, false
	}
	return w.status(), true
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	for _, w := range workers {
		w.cancel()
		<-w.done
	}
}

func (e *Engine) remove(w *worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workers[w.workspaceID] == w {
		delete(e.workers, w.workspaceID)
	}
}

func (e *Engine) loadRules(ctx context.Context, workspaceID string) ([]social.AutomationRule, error) {
	return e.rules.Get(ctx, workspaceID, func(ctx context.Context, ws string) ([]social.AutomationRule, error) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		defer cancel()
		return e.cfg.Store.GetActiveRules(ctx, ws)
	})
}

func (e *Engine) dispatch(ctx context.Context, workspaceID string, a rules.Action) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	start := time.Now()
	_, err := clients.Execute(ctx, func(ctx context.Context) (platform.Result, error) {
		switch a.Kind {
		case social.ActionComment:
			return e.cfg.Dispatcher.PostComment(ctx, workspaceID, a.Target, a.Text)
		case social.ActionDM:
			return e.cfg.Dispatcher.SendDirectMessage(ctx, workspaceID, a.Target, a.Text, a.ButtonText, a.ButtonURL)
		}
		return platform.Result{}, fmt.Errorf("unknown action %q", a.Kind)
	}, e.retry)
	e.cfg.Metrics.DispatchTook(string(a.Kind), time.Since(start))
	return err
}
