package social

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransport   = errors.New("transport error")
	ErrPoll        = errors.New("poll error")
	ErrRuleConfig  = errors.New("rule config error")
	ErrDispatch    = errors.New("dispatch error")
	ErrRateLimited = errors.New("rate limited")
)

// TransportError is a push channel connect or read failure.
type TransportError struct {
	WorkspaceID string
	Op          string
	Attempt     int
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s for workspace %s (attempt %d): %v", e.Op, e.WorkspaceID, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// PollError is a failed or timed out poll. The next tick retries.
type PollError struct {
	WorkspaceID string
	Categories  []Category
	Err         error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll %v for workspace %s: %v", e.Categories, e.WorkspaceID, e.Err)
}

func (e *PollError) Unwrap() error        { return e.Err }
func (e *PollError) Is(target error) bool { return target == ErrPoll }

// RuleConfigError marks a malformed rule that is skipped during matching.
type RuleConfigError struct {
	RuleID      string
	WorkspaceID string
	Reason      string
}

func (e *RuleConfigError) Error() string {
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
}

func (e *RuleConfigError) Is(target error) bool { return target == ErrRuleConfig }

// DispatchError is a platform rejection of a comment or DM.
type DispatchError struct {
	WorkspaceID string
	Action      ActionKind
	StatusCode  int
	Err         error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s for workspace %s: status %d: %v", e.Action, e.WorkspaceID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch %s for workspace %s: %v", e.Action, e.WorkspaceID, e.Err)
}

func (e *DispatchError) Unwrap() error        { return e.Err }
func (e *DispatchError) Is(target error) bool { return target == ErrDispatch }

// RateLimitError is a platform 429. It is also a dispatch error.
type RateLimitError struct {
	WorkspaceID string
	Action      ActionKind
	RetryAfter  time.Duration
	Err         error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("dispatch %s for workspace %s rate limited (retry after %s): %v", e.Action, e.WorkspaceID, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited || target == ErrDispatch
}
