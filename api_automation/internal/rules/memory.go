package rules

import (
	"context"
	"sort"
	"sync"

	"frameworks/api_automation/internal/social"
)

// MemoryStore keeps rules and counters in process. It backs local runs
// without DATABASE_URL and the engine tests.
type MemoryStore struct {
	listeners

	mu     sync.RWMutex
	rules  map[string]map[string]social.AutomationRule
	states map[string]social.RuleExecutionState
	saves  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:  make(map[string]map[string]social.AutomationRule),
		states: make(map[string]social.RuleExecutionState),
	}
}

// PutRule creates or replaces a rule and notifies change listeners.
func (s *MemoryStore) PutRule(r social.AutomationRule) {
	s.mu.Lock()
	if s.rules[r.WorkspaceID] == nil {
		s.rules[r.WorkspaceID] = make(map[string]social.AutomationRule)
	}
	s.rules[r.WorkspaceID][r.ID] = r
	s.mu.Unlock()
	s.notify(r.WorkspaceID)
}

func (s *MemoryStore) DeleteRule(workspaceID, ruleID string) {
	s.mu.Lock()
	delete(s.rules[workspaceID], ruleID)
	delete(s.states, ruleID)
	s.mu.Unlock()
	s.notify(workspaceID)
}

func (s *MemoryStore) GetActiveRules(_ context.Context, workspaceID string) ([]social.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]social.AutomationRule, 0, len(s.rules[workspaceID]))
	for _, r := range s.rules[workspaceID] {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetExecutionState(_ context.Context, ruleID string) (social.RuleExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[ruleID]; ok {
		return st, nil
	}
	return social.NewExecutionState("", ruleID), nil
}

func (s *MemoryStore) GetExecutionStates(_ context.Context, workspaceID string) (map[string]social.RuleExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]social.RuleExecutionState)
	for id, st := range s.states {
		if st.WorkspaceID == workspaceID {
			out[id] = st
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveExecutionState(_ context.Context, st social.RuleExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.RuleID] = st
	s.saves++
	return nil
}

// Saves counts SaveExecutionState calls.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
