package rules

import (
	"context"
	"sync"

	"frameworks/api_automation/internal/social"
)

// Store is the read side of rule persistence plus execution counters.
type Store interface {
	GetActiveRules(ctx context.Context, workspaceID string) ([]social.AutomationRule, error)
	GetExecutionState(ctx context.Context, ruleID string) (social.RuleExecutionState, error)
	// GetExecutionStates returns every stored state for a workspace keyed by rule id.
	GetExecutionStates(ctx context.Context, workspaceID string) (map[string]social.RuleExecutionState, error)
	SaveExecutionState(ctx context.Context, state social.RuleExecutionState) error
	// OnRuleChanged registers cb for rule writes in workspaceID and returns
	// a function that removes it.
	OnRuleChanged(workspaceID string, cb func()) (unsubscribe func())
}

// listeners is the in-process callback registry shared by the stores and
// the Redis change feed.
type listeners struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func()
}

func (l *listeners) OnRuleChanged(workspaceID string, cb func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[string]map[int]func())
	}
	if l.subs[workspaceID] == nil {
		l.subs[workspaceID] = make(map[int]func())
	}
	id := l.next
	l.next++
	l.subs[workspaceID][id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[workspaceID], id)
			if len(l.subs[workspaceID]) == 0 {
				delete(l.subs, workspaceID)
			}
		})
	}
}

func (l *listeners) notify(workspaceID string) {
	l.mu.Lock()
	cbs := make([]func(), 0, len(l.subs[workspaceID]))
	for _, cb := range l.subs[workspaceID] {
		cbs = append(cbs, cb)
	}
	l.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}
