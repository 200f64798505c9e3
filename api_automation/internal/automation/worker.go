package automation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"frameworks/api_automation/internal/rules"
	"frameworks/api_automation/internal/social"
	"frameworks/pkg/clock"
	"frameworks/pkg/logging"
)

type WorkerState string

const (
	StateIdle        WorkerState = "idle"
	StateEvaluating  WorkerState = "evaluating"
	StateDispatching WorkerState = "dispatching"
)

type WorkerStatus struct {
	State       WorkerState `json:"state"`
	Pending     int         `json:"pending"`
	InFlight    int         `json:"inFlight"`
	PausedUntil time.Time   `json:"pausedUntil,omitzero"`
}

// firing is one matched rule holding a reservation against its daily cap
// and cooldown until the primary action resolves. index and actions are
// replanned when the primary action is dispatched.
type firing struct {
	id      string
	rule    social.AutomationRule
	event   social.SocialEvent
	index   int
	at      time.Time
	loc     *time.Location
	actions []rules.Action
}

type task struct {
	firing  *firing
	action  rules.Action
	primary bool
	dueAt   time.Time
	timer   clock.Timer
}

type result struct {
	task *task
	err  error
}

// worker is the single writer of its workspace's execution state.
type worker struct {
	e           *Engine
	workspaceID string
	events      <-chan social.SocialEvent
	log         logging.Entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	fired        chan *task
	resultMu     sync.Mutex
	results      []result
	resultSignal chan struct{}

	states       map[string]social.RuleExecutionState
	statesLoaded bool
	reserved     map[string][]*firing
	pending      map[*task]struct{}
	inflight     int
	pausedUntil  time.Time

	// At most one primary action per rule is in flight; the rest queue in
	// due order so round robin advances only over successful sends.
	sending map[string]bool
	queued  map[string][]*task

	statusMu sync.Mutex
	st       WorkerStatus
}

func newWorker(e *Engine, workspaceID string, events <-chan social.SocialEvent) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		e:            e,
		workspaceID:  workspaceID,
		events:       events,
		log:          logging.ForWorkspace(e.cfg.Logger, workspaceID),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		fired:        make(chan *task),
		resultSignal: make(chan struct{}, 1),
		states:       make(map[string]social.RuleExecutionState),
		reserved:     make(map[string][]*firing),
		sending:      make(map[string]bool),
		queued:       make(map[string][]*task),
		pending:      make(map[*task]struct{}),
		st:           WorkerStatus{State: StateIdle},
	}
}

func (w *worker) run() {
	defer close(w.done)
	defer w.e.remove(w)

	unsubscribe := w.e.cfg.Store.OnRuleChanged(w.workspaceID, func() {
		w.e.rules.Delete(w.workspaceID)
	})
	defer unsubscribe()

	for {
		w.publishStatus()
		select {
		case ev, ok := <-w.events:
			if !ok {
				w.shutdown()
				return
			}
			w.safely(func() { w.handleEvent(ev) })
		case t := <-w.fired:
			w.safely(func() { w.fire(t) })
		case <-w.resultSignal:
			w.safely(w.drainResults)
		case <-w.ctx.Done():
			w.shutdown()
			return
		}
	}
}

func (w *worker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Automation worker panicked")
		}
	}()
	fn()
}

func (w *worker) handleEvent(ev social.SocialEvent) {
	w.setState(StateEvaluating)
	now := w.e.cfg.Clock.Now()
	log := w.log.WithFields(logging.Fields{"event_id": ev.ID, "category": ev.Category, "origin": ev.Origin})

	ruleset, err := w.e.loadRules(w.ctx, w.workspaceID)
	if err != nil {
		log.WithError(err).Warn("Could not load rules, skipping event")
		return
	}
	if len(ruleset) == 0 {
		return
	}
	if err := w.ensureStates(); err != nil {
		log.WithError(err).Warn("Could not load rule execution state, skipping event")
		return
	}

	for _, m := range w.e.cfg.Matcher.Match(ev, ruleset, w.effectiveStates(now), now) {
		f := &firing{
			id:      uuid.NewString(),
			rule:    m.Rule,
			event:   ev,
			index:   m.ResponseIndex,
			at:      now,
			loc:     w.e.cfg.Matcher.Location(m.Rule),
			actions: m.Actions,
		}
		rlog := log.WithField("rule_id", m.Rule.ID)

		if now.Before(w.pausedUntil) {
			for _, a := range m.Actions {
				w.record(&task{firing: f, action: a, dueAt: now.Add(a.Delay)}, OutcomeThrottled, social.ErrRateLimited)
			}
			rlog.WithField("paused_until", w.pausedUntil).Warn("Workspace is rate limited, dropping match")
			continue
		}

		w.reserved[m.Rule.ID] = append(w.reserved[m.Rule.ID], f)
		rlog.WithField("actions", len(m.Actions)).Info("Automation rule matched")
		w.schedule(&task{firing: f, action: m.Actions[0], primary: true}, now, m.Actions[0].Delay)
	}
}

func (w *worker) ensureStates() error {
	if w.statesLoaded {
		return nil
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.e.cfg.StoreTimeout)
	defer cancel()
	states, err := w.e.cfg.Store.GetExecutionStates(ctx, w.workspaceID)
	if err != nil {
		return err
	}
	for id, st := range states {
		w.states[id] = st
	}
	w.statesLoaded = true
	return nil
}

// effectiveStates folds open reservations into the committed counters so
// the matcher sees them as fired. LastResponseIndex stays committed.
func (w *worker) effectiveStates(now time.Time) map[string]social.RuleExecutionState {
	out := make(map[string]social.RuleExecutionState, len(w.states)+len(w.reserved))
	for id, st := range w.states {
		out[id] = st
	}
	for id, fs := range w.reserved {
		if len(fs) == 0 {
			continue
		}
		st, ok := out[id]
		if !ok {
			st = social.NewExecutionState(w.workspaceID, id)
		}
		loc := fs[0].loc
		count := st.FiredOn(now, loc)
		last := st.LastFiredAt
		for _, f := range fs {
			if social.SameLocalDay(f.at, now, loc) {
				count++
			}
			if f.at.After(last) {
				last = f.at
			}
		}
		st.ActionsFiredToday = count
		st.LastFiredAt = last
		out[id] = st
	}
	return out
}

func (w *worker) schedule(t *task, now time.Time, delay time.Duration) {
	t.dueAt = now.Add(delay)
	if w.ctx.Err() != nil {
		w.record(t, OutcomeAbandoned, nil)
		if t.primary {
			w.release(t.firing)
		}
		return
	}
	if delay <= 0 {
		w.start(t)
		return
	}
	w.pending[t] = struct{}{}
	t.timer = w.e.cfg.Clock.AfterFunc(delay, func() {
		select {
		case w.fired <- t:
		case <-w.ctx.Done():
		}
	})
}

func (w *worker) fire(t *task) {
	if _, ok := w.pending[t]; !ok {
		return
	}
	delete(w.pending, t)

	if now := w.e.cfg.Clock.Now(); now.Before(w.pausedUntil) {
		w.record(t, OutcomeThrottled, social.ErrRateLimited)
		if t.primary {
			w.release(t.firing)
		}
		return
	}
	w.start(t)
}

func (w *worker) start(t *task) {
	if !t.primary {
		w.submit(t)
		return
	}
	id := t.firing.rule.ID
	if w.sending[id] {
		w.queued[id] = append(w.queued[id], t)
		return
	}
	w.sending[id] = true

	// Pick the variant from committed state so a failed send leaves no gap.
	f := t.firing
	st, ok := w.states[id]
	if !ok {
		st = social.NewExecutionState(w.workspaceID, id)
	}
	m := rules.PlanNext(f.rule, f.event, st.LastResponseIndex)
	f.index = m.ResponseIndex
	f.actions = m.Actions
	t.action = m.Actions[0]
	w.log.WithFields(logging.Fields{
		"rule_id":        id,
		"event_id":       f.event.ID,
		"response_index": f.index,
	}).Debug("Dispatching automation response")
	w.submit(t)
}

// nextPrimary hands the rule's send slot to the oldest queued primary.
func (w *worker) nextPrimary(ruleID string) {
	delete(w.sending, ruleID)
	for len(w.queued[ruleID]) > 0 && !w.sending[ruleID] {
		t := w.queued[ruleID][0]
		w.queued[ruleID] = w.queued[ruleID][1:]
		switch {
		case w.ctx.Err() != nil:
			w.record(t, OutcomeAbandoned, nil)
			w.release(t.firing)
		case w.e.cfg.Clock.Now().Before(w.pausedUntil):
			w.record(t, OutcomeThrottled, social.ErrRateLimited)
			w.release(t.firing)
		default:
			w.start(t)
		}
	}
	if len(w.queued[ruleID]) == 0 {
		delete(w.queued, ruleID)
	}
}

func (w *worker) submit(t *task) {
	w.inflight++
	w.setState(StateDispatching)
	err := w.e.cfg.Pool.Submit(w.ctx, func(ctx context.Context) {
		w.pushResult(result{task: t, err: w.e.dispatch(ctx, w.workspaceID, t.action)})
	})
	if err != nil {
		w.inflight--
		w.complete(t, err)
	}
}

func (w *worker) pushResult(r result) {
	w.resultMu.Lock()
	w.results = append(w.results, r)
	w.resultMu.Unlock()
	select {
	case w.resultSignal <- struct{}{}:
	default:
	}
}

func (w *worker) drainResults() {
	w.resultMu.Lock()
	batch := w.results
	w.results = nil
	w.resultMu.Unlock()

	for _, r := range batch {
		w.inflight--
		w.complete(r.task, r.err)
	}
}

func (w *worker) complete(t *task, err error) {
	now := w.e.cfg.Clock.Now()
	log := w.log.WithFields(logging.Fields{
		"rule_id":  t.firing.rule.ID,
		"event_id": t.firing.event.ID,
		"action":   t.action.Kind,
	})

	switch {
	case err == nil:
		w.record(t, OutcomeFired, nil)
		if t.primary {
			w.commit(t.firing)
			for _, a := range t.firing.actions[1:] {
				w.schedule(&task{firing: t.firing, action: a}, now, a.Delay-t.action.Delay)
			}
			w.nextPrimary(t.firing.rule.ID)
		}
		return
	case w.ctx.Err() != nil:
		w.record(t, OutcomeAbandoned, err)
	case errors.Is(err, social.ErrRateLimited):
		backoff := w.e.cfg.RateLimitBackoff
		var rl *social.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > backoff {
			backoff = rl.RetryAfter
		}
		if until := now.Add(backoff); until.After(w.pausedUntil) {
			w.pausedUntil = until
		}
		log.WithError(err).WithField("retry_after", backoff).Warn("Platform rate limited the workspace, pausing dispatch")
		w.record(t, OutcomeFailed, err)
	default:
		log.WithError(err).Error("Action dispatch failed")
		w.record(t, OutcomeFailed, err)
	}
	if t.primary {
		w.release(t.firing)
		w.nextPrimary(t.firing.rule.ID)
	}
}

// commit turns a reservation into persisted counters.
func (w *worker) commit(f *firing) {
	w.release(f)

	st, ok := w.states[f.rule.ID]
	if !ok {
		st = social.NewExecutionState(w.workspaceID, f.rule.ID)
	}
	switch {
	case st.LastFiredAt.IsZero():
		st.ActionsFiredToday = 1
	case social.SameLocalDay(st.LastFiredAt, f.at, f.loc):
		st.ActionsFiredToday++
	case f.at.After(st.LastFiredAt):
		st.ActionsFiredToday = 1
	}
	if f.at.After(st.LastFiredAt) {
		st.LastFiredAt = f.at
	}
	st.LastResponseIndex = f.index
	st.WorkspaceID = w.workspaceID
	w.states[f.rule.ID] = st

	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.e.cfg.StoreTimeout)
	defer cancel()
	if err := w.e.cfg.Store.SaveExecutionState(ctx, st); err != nil {
		w.log.WithError(err).WithField("rule_id", f.rule.ID).Error("Failed to persist rule execution state")
	}
}

func (w *worker) release(f *firing) {
	fs := w.reserved[f.rule.ID]
	for i, r := range fs {
		if r == f {
			fs = append(fs[:i], fs[i+1:]...)
			break
		}
	}
	if len(fs) == 0 {
		delete(w.reserved, f.rule.ID)
		return
	}
	w.reserved[f.rule.ID] = fs
}

func (w *worker) record(t *task, o Outcome, err error) {
	rec := OutcomeRecord{
		ID:          uuid.NewString(),
		FiringID:    t.firing.id,
		WorkspaceID: w.workspaceID,
		RuleID:      t.firing.rule.ID,
		EventID:     t.firing.event.ID,
		Action:      t.action.Kind,
		Target:      t.action.Target,
		Text:        t.action.Text,
		Outcome:     o,
		ScheduledAt: t.dueAt,
		At:          w.e.cfg.Clock.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	w.e.cfg.Metrics.DispatchOutcome(string(t.action.Kind), string(o))
	w.e.cfg.Outcomes.Record(rec)
}

// shutdown abandons deferred actions and waits for in-flight dispatches,
// whose contexts are already cancelled.
func (w *worker) shutdown() {
	w.cancel()

	abandoned := 0
	for t := range w.pending {
		t.timer.Stop()
		delete(w.pending, t)
		w.record(t, OutcomeAbandoned, nil)
		abandoned++
	}
	if abandoned > 0 {
		w.log.WithField("abandoned", abandoned).Info("Dropped deferred actions on deactivation")
	}

	for w.inflight > 0 {
		<-w.resultSignal
		w.drainResults()
	}
	w.reserved = make(map[string][]*firing)
	w.publishStatus()
}

func (w *worker) setState(s WorkerState) {
	w.statusMu.Lock()
	w.st.State = s
	w.statusMu.Unlock()
}

func (w *worker) publishStatus() {
	queued := 0
	for _, ts := range w.queued {
		queued += len(ts)
	}
	st := WorkerStatus{
		State:       StateIdle,
		Pending:     len(w.pending) + queued,
		InFlight:    w.inflight,
		PausedUntil: w.pausedUntil,
	}
	if st.Pending > 0 || st.InFlight > 0 {
		st.State = StateDispatching
	}
	w.statusMu.Lock()
	w.st = st
	w.statusMu.Unlock()
}

func (w *worker) status() WorkerStatus {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	return w.st
}
