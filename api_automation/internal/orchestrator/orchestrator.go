// Package orchestrator owns the per-workspace registry that merges push
// and poll delivery into one deduplicated, ordered event stream.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"frameworks/api_automation/internal/metrics"
	"frameworks/api_automation/internal/polling"
	"frameworks/api_automation/internal/social"
	"frameworks/api_automation/internal/transport"
	"frameworks/pkg/cache"
	"frameworks/pkg/clock"
	"frameworks/pkg/logging"
	"frameworks/pkg/workpool"
)

var (
	ErrNotActive = errors.New("workspace is not active")
	ErrClosed    = errors.New("orchestrator closed")
)

// Source is the push side, satisfied by *transport.Transport.
type Source interface {
	OnEvent(transport.EventFunc)
	OnStateChange(transport.StateChangeFunc)
	Connect(workspaceID string) error
	Disconnect(workspaceID string)
	State(workspaceID string) transport.State
}

// Poller is the pull side, satisfied by *polling.Poller.
type Poller interface {
	Poll(ctx context.Context, workspaceID string, categories []social.Category) ([]social.SocialEvent, error)
	NextAllowed(workspaceID string) time.Time
	Forget(workspaceID string)
}

type Config struct {
	// PushCategories arrive over the push channel and are only polled
	// while it is degraded. Everything else in PollIntervals is always polled.
	PushCategories []social.Category
	PollIntervals  map[social.Category]time.Duration

	DedupSize     int
	DedupTTL      time.Duration
	InboxSize     int
	NotifyTimeout time.Duration

	// OnActivate receives the first subscription of a newly active
	// workspace before any event is merged. It must not block.
	OnActivate func(workspaceID string, sub *Subscription)

	Notifier Notifier
	Pool     *workpool.Pool
	Clock    clock.Clock
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

// DefaultPollIntervals polls conversational categories every three minutes
// and slow-moving counters every ten.
func DefaultPollIntervals() map[social.Category]time.Duration {
	return map[social.Category]time.Duration{
		social.CategoryComment:       3 * time.Minute,
		social.CategoryMention:       3 * time.Minute,
		social.CategoryMessage:       3 * time.Minute,
		social.CategoryMediaUpdate:   5 * time.Minute,
		social.CategoryStoryInsight:  10 * time.Minute,
		social.CategoryAccountReview: 10 * time.Minute,
	}
}

func DefaultPushCategories() []social.Category {
	return []social.Category{
		social.CategoryComment,
		social.CategoryMention,
		social.CategoryMessage,
		social.CategoryMediaUpdate,
	}
}

func (c Config) withDefaults() Config {
	if c.PushCategories == nil {
		c.PushCategories = DefaultPushCategories()
	}
	if c.PollIntervals == nil {
		c.PollIntervals = DefaultPollIntervals()
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 10000
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 30 * time.Minute
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger()
	}
	return c
}

// Status is a point-in-time view of one workspace.
type Status struct {
	WorkspaceID string                            `json:"workspaceId"`
	State       transport.State                   `json:"state"`
	Authority   map[social.Category]social.Origin `json:"authority"`
	Delivered   uint64                            `json:"delivered"`
	Deduped     uint64                            `json:"deduped"`
	Subscribers int                               `json:"subscribers"`
}

// Orchestrator is the workspace registry. Activate and Deactivate are the
// only way workspaces enter or leave it.
type Orchestrator struct {
	cfg    Config
	source Source
	poller Poller
	push   map[social.Category]bool

	mu         sync.Mutex
	workspaces map[string]*workspace
	closed     bool
}

func New(cfg Config, source Source, poller Poller) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		source:     source,
		poller:     poller,
		push:       make(map[social.Category]bool, len(cfg.PushCategories)),
		workspaces: make(map[string]*workspace),
	}
	for _, c := range cfg.PushCategories {
		o.push[c] = true
	}
	source.OnEvent(o.handlePush)
	source.OnStateChange(o.handleStateChange)
	return o
}

// Activate registers workspaceID, opens its push connection and starts
// its merge and poll workers. Activating an active workspace is a no-op.
func (o *Orchestrator) Activate(workspaceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if _, ok := o.workspaces[workspaceID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &workspace{
		id:     workspaceID,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan social.SocialEvent, o.cfg.InboxSize),
		wake:   make(chan struct{}, 1),
		seen: cache.New[struct{}](cache.Options{
			TTL:        o.cfg.DedupTTL,
			MaxEntries: o.cfg.DedupSize,
			Clock:      o.cfg.Clock,
		}, cache.MetricsHooks{}),
		subs: make(map[*Subscription]struct{}),
		log:  logging.ForWorkspace(o.cfg.Logger, workspaceID),
	}
	o.workspaces[workspaceID] = w

	if err := o.source.Connect(workspaceID); err != nil {
		delete(o.workspaces, workspaceID)
		cancel()
		return err
	}

	if o.cfg.OnActivate != nil {
		sub, _ := w.subscribe()
		o.cfg.OnActivate(workspaceID, sub)
	}

	w.wg.Add(2)
	go o.merge(w)
	go o.pollLoop(w)
	w.log.Info("Workspace activated")
	return nil
}

// Deactivate stops the workspace's workers, disconnects its push channel
// and closes every subscription. Unknown workspaces are ignored.
func (o *Orchestrator) Deactivate(workspaceID string) {
	o.mu.Lock()
	w, ok := o.workspaces[workspaceID]
	delete(o.workspaces, workspaceID)
	o.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	o.source.Disconnect(workspaceID)
	w.wg.Wait()
	w.closeSubscriptions()
	o.poller.Forget(workspaceID)
	w.log.Info("Workspace deactivated")
}

// Subscribe returns the workspace's unified event stream. The channel is
// closed when the workspace is deactivated.
func (o *Orchestrator) Subscribe(workspaceID string) (*Subscription, error) {
	o.mu.Lock()
	w, ok := o.workspaces[workspaceID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrNotActive
	}
	return w.subscribe()
}

// Authority reports which origin currently delivers category.
func (o *Orchestrator) Authority(workspaceID string, category social.Category) social.Origin {
	if o.push[category] && o.source.State(workspaceID) != transport.StateDegraded {
		return social.OriginPush
	}
	return social.OriginPoll
}

func (o *Orchestrator) Status(workspaceID string) (Status, error) {
	o.mu.Lock()
	w, ok := o.workspaces[workspaceID]
	o.mu.Unlock()
	if !ok {
		return Status{}, ErrNotActive
	}

	st := Status{
		WorkspaceID: workspaceID,
		State:       o.source.State(workspaceID),
		Authority:   make(map[social.Category]social.Origin, len(social.AllCategories)),
		Delivered:   w.delivered.Load(),
		Deduped:     w.deduped.Load(),
	}
	for _, c := range social.AllCategories {
		st.Authority[c] = o.Authority(workspaceID, c)
	}
	w.subMu.Lock()
	st.Subscribers = len(w.subs)
	w.subMu.Unlock()
	return st, nil
}

// Active lists the registered workspace ids.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.workspaces))
	for id := range o.workspaces {
		ids = append(ids, id)
	}
	return ids
}

// Close deactivates every workspace and rejects further activations.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	for _, id := range o.Active() {
		o.Deactivate(id)
	}
}

func (o *Orchestrator) lookup(workspaceID string) *workspace {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.workspaces[workspaceID]
}

// handlePush runs on the transport's reader goroutine. Blocking here
// applies backpressure to that one connection.
func (o *Orchestrator) handlePush(ev social.SocialEvent) {
	w := o.lookup(ev.WorkspaceID)
	if w == nil {
		return
	}
	w.enqueue(ev)
}

func (o *Orchestrator) handleStateChange(workspaceID string, from, to transport.State) {
	w := o.lookup(workspaceID)
	if w == nil {
		return
	}
	switch {
	case to == transport.StateDegraded:
		w.log.WithField("from", from).Warn("Push channel degraded; polling is authoritative")
	case from == transport.StateDegraded && to == transport.StateConnected:
		w.log.Info("Push channel recovered; handing categories back to push")
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// merge is the single consumer of the workspace inbox. It owns the dedup
// cache, so delivery order equals receipt order.
func (o *Orchestrator) merge(w *workspace) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Merge worker panicked")
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.inbox:
			key := ev.Key().String()
			if _, dup := w.seen.Peek(key); dup {
				w.deduped.Add(1)
				o.cfg.Metrics.EventDeduped(string(ev.Origin))
				continue
			}
			w.seen.Set(key, struct{}{}, o.cfg.DedupTTL)
			o.cfg.Metrics.EventReceived(string(ev.Origin), string(ev.Category))

			if !w.deliver(ev) {
				return
			}
			w.delivered.Add(1)
			o.notify(w, ev)
		}
	}
}

func (o *Orchestrator) notify(w *workspace, ev social.SocialEvent) {
	if o.cfg.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, o.cfg.NotifyTimeout)
	defer cancel()
	inv := social.Invalidation{WorkspaceID: ev.WorkspaceID, Category: ev.Category}
	if err := o.cfg.Notifier.Notify(ctx, inv); err != nil {
		w.log.WithError(err).WithField("category", ev.Category).Debug("Invalidation notify failed")
	}
}

// pollLoop polls always-polled categories on their interval and push
// categories only while the push channel is degraded. Failures are logged
// and retried on the next tick.
func (o *Orchestrator) pollLoop(w *workspace) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Poll worker panicked")
		}
	}()

	next := make(map[social.Category]time.Time, len(o.cfg.PollIntervals))
	tick := make(chan struct{}, 1)
	var timer clock.Timer

	for {
		now := o.cfg.Clock.Now()
		degraded := o.source.State(w.id) == transport.StateDegraded

		var due []social.Category
		var wait time.Duration
		for _, cat := range social.AllCategories {
			interval, ok := o.cfg.PollIntervals[cat]
			if !ok || interval <= 0 {
				continue
			}
			if o.push[cat] && !degraded {
				// Poll at once the next time push degrades.
				delete(next, cat)
				continue
			}
			at := next[cat]
			if !now.Before(at) {
				due = append(due, cat)
				continue
			}
			if d := at.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		}

		if len(due) > 0 {
			o.pollDue(w, due, next, now)
			if w.ctx.Err() != nil {
				return
			}
			continue
		}

		if wait > 0 {
			timer = o.cfg.Clock.AfterFunc(wait, func() {
				select {
				case tick <- struct{}{}:
				default:
				}
			})
		}
		select {
		case <-w.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.wake:
		case <-tick:
		}
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
}

func (o *Orchestrator) pollDue(w *workspace, due []social.Category, next map[social.Category]time.Time, now time.Time) {
	events, err := o.runPoll(w, due)
	switch {
	case errors.Is(err, polling.ErrThrottled):
		at := o.poller.NextAllowed(w.id)
		if !at.After(now) {
			at = now.Add(time.Second)
		}
		for _, cat := range due {
			next[cat] = at
		}
		return
	case err != nil:
		if w.ctx.Err() == nil {
			w.log.WithError(err).WithField("categories", due).Warn("Poll failed; retrying next interval")
		}
	default:
		for _, ev := range events {
			if !w.enqueue(ev) {
				return
			}
		}
	}
	for _, cat := range due {
		next[cat] = now.Add(o.cfg.PollIntervals[cat])
	}
}

type pollResult struct {
	events []social.SocialEvent
	err    error
}

// runPoll executes one poll on the shared pool when one is configured.
func (o *Orchestrator) runPoll(w *workspace, cats []social.Category) ([]social.SocialEvent, error) {
	if o.cfg.Pool == nil {
		return o.poller.Poll(w.ctx, w.id, cats)
	}
	done := make(chan pollResult, 1)
	err := o.cfg.Pool.Submit(w.ctx, func(ctx context.Context) {
		events, err := o.poller.Poll(ctx, w.id, cats)
		done <- pollResult{events: events, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.events, r.err
	case <-w.ctx.Done():
		return nil, w.ctx.Err()
	}
}

type workspace struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logging.Entry

	inbox chan social.SocialEvent
	wake  chan struct{}
	seen  *cache.Cache[struct{}]

	delivered atomic.Uint64
	deduped   atomic.Uint64

	subMu      sync.Mutex
	subs       map[*Subscription]struct{}
	subsClosed bool
}

func (w *workspace) enqueue(ev social.SocialEvent) bool {
	select {
	case w.inbox <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *workspace) subscribe() (*Subscription, error) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	if w.subsClosed {
		return nil, ErrNotActive
	}
	s := &Subscription{
		ch:   make(chan social.SocialEvent),
		done: make(chan struct{}),
	}
	s.remove = func() {
		w.subMu.Lock()
		delete(w.subs, s)
		w.subMu.Unlock()
	}
	w.subs[s] = struct{}{}
	return s, nil
}

// deliver hands ev to every subscriber in turn. It reports false once
// the workspace is shutting down.
func (w *workspace) deliver(ev social.SocialEvent) bool {
	w.subMu.Lock()
	subs := make([]*Subscription, 0, len(w.subs))
	for s := range w.subs {
		subs = append(subs, s)
	}
	w.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-w.ctx.Done():
			return false
		}
	}
	return true
}

func (w *workspace) closeSubscriptions() {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	w.subsClosed = true
	for s := range w.subs {
		close(s.ch)
		delete(w.subs, s)
	}
}

// Subscription is one consumer of a workspace stream.
type Subscription struct {
	ch     chan social.SocialEvent
	done   chan struct{}
	once   sync.Once
	remove func()
}

func (s *Subscription) Events() <-chan social.SocialEvent { return s.ch }

// Close detaches the subscriber. Events are no longer delivered to it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.remove()
	})
}
