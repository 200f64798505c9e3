// Package transport keeps one push connection per active workspace,
// reconnecting with exponential backoff and degrading to polling when
// push delivery keeps failing.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"frameworks/api_automation/internal/metrics"
	"frameworks/api_automation/internal/social"
	"frameworks/pkg/clock"
	"frameworks/pkg/logging"
)

var ErrClosed = errors.New("transport closed")

// Stream is one open push connection. ReadMessage blocks until a frame
// arrives or the stream fails; Close unblocks it.
type Stream interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a push connection already joined to the workspace room.
type Dialer interface {
	Dial(ctx context.Context, workspaceID string) (Stream, error)
}

type Config struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MaxReconnectAttempts consecutive connect failures degrade the
	// connection even when they are spaced wider than FailureWindow.
	MaxReconnectAttempts int
	// MaxWebhookFailures failures inside FailureWindow degrade the
	// connection. Every failure kind counts here, connect failures included,
	// so with a window wider than the backoff schedule this limit trips
	// before MaxReconnectAttempts.
	MaxWebhookFailures    int
	FailureWindow         time.Duration
	ConnectTimeout        time.Duration
	DegradedRetryInterval time.Duration

	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.MaxWebhookFailures <= 0 {
		c.MaxWebhookFailures = 3
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.DegradedRetryInterval <= 0 {
		c.DegradedRetryInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger()
	}
	return c
}

type (
	EventFunc       func(social.SocialEvent)
	StateChangeFunc func(workspaceID string, from, to State)
)

// Transport owns the per-workspace connection workers.
type Transport struct {
	cfg    Config
	dialer Dialer
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[string]*connection
	onEvent  EventFunc
	onChange StateChangeFunc
	closed   bool
}

func New(cfg Config, dialer Dialer) *Transport {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		dialer: dialer,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*connection),
	}
}

// OnEvent sets the callback that receives every parsed event exactly once.
func (t *Transport) OnEvent(cb EventFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = cb
}

// OnStateChange sets the callback notified on every connection transition.
func (t *Transport) OnStateChange(cb StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = cb
}

// Connect starts the worker for workspaceID. It is a no-op if one runs.
func (t *Transport) Connect(workspaceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.conns[workspaceID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	c := &connection{
		t:           t,
		workspaceID: workspaceID,
		cancel:      cancel,
		done:        make(chan struct{}),
		degradeCh:   make(chan struct{}, 1),
		state:       StateDisconnected,
		log:         logging.ForWorkspace(t.logger, workspaceID),
	}
	t.conns[workspaceID] = c
	t.cfg.Metrics.StateTransition("", string(StateDisconnected))
	go c.run(ctx)
	return nil
}

// Disconnect stops the worker, waits for it to exit and reports Closed.
func (t *Transport) Disconnect(workspaceID string) {
	t.mu.Lock()
	c, ok := t.conns[workspaceID]
	delete(t.conns, workspaceID)
	t.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	<-c.done
	c.setState(StateClosed)
}

// State returns the connection state, or Closed for unknown workspaces.
func (t *Transport) State(workspaceID string) State {
	t.mu.Lock()
	c, ok := t.conns[workspaceID]
	t.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return c.State()
}

// RecordWebhookFailure counts a failed platform webhook delivery against
// the workspace's failure window.
func (t *Transport) RecordWebhookFailure(workspaceID string) {
	t.mu.Lock()
	c, ok := t.conns[workspaceID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if c.addFailure(false) {
		select {
		case c.degradeCh <- struct{}{}:
		default:
		}
	}
}

// Close disconnects every workspace.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Disconnect(id)
	}
	t.cancel()
}

func (t *Transport) callbacks() (EventFunc, StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onEvent, t.onChange
}

type exitReason int

const (
	exitCancelled exitReason = iota
	exitClosed
	exitDegrade
)

type connection struct {
	t           *Transport
	workspaceID string
	cancel      context.CancelFunc
	done        chan struct{}
	degradeCh   chan struct{}
	log         logging.Entry

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	failures            []time.Time
}

func (c *connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	gaugeTo := string(to)
	if to == StateClosed {
		gaugeTo = ""
	}
	c.t.cfg.Metrics.StateTransition(string(from), gaugeTo)
	c.log.WithFields(logging.Fields{"from": from, "state": to}).Info("Push connection state changed")

	if _, onChange := c.t.callbacks(); onChange != nil {
		onChange(c.workspaceID, from, to)
	}
}

// addFailure records a failure in the sliding window and reports whether
// the connection should be degraded. Connect failures also count toward
// the consecutive limit.
func (c *connection) addFailure(connectFailure bool) bool {
	cfg := c.t.cfg
	now := cfg.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if connectFailure {
		c.consecutiveFailures++
	}
	cutoff := now.Add(-cfg.FailureWindow)
	kept := c.failures[:0]
	for _, ts := range c.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.failures = append(kept, now)

	if c.state == StateDegraded {
		return false
	}
	return c.consecutiveFailures >= cfg.MaxReconnectAttempts || len(c.failures) >= cfg.MaxWebhookFailures
}

func (c *connection) markConnected() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	recovering := c.state == StateDegraded
	if recovering {
		c.failures = nil
	}
	c.mu.Unlock()

	if recovering {
		// signals raised before the outage are already accounted for
		select {
		case <-c.degradeCh:
		default:
		}
	}
	c.setState(StateConnected)
}

func (c *connection) run(ctx context.Context) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", fmt.Sprint(r)).Error("Push connection worker panic")
		}
	}()

	cfg := c.t.cfg
	attempt := 0
	for ctx.Err() == nil {
		if c.State() != StateDegraded {
			c.setState(StateConnecting)
		}

		stream, err := c.dial(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := cfg.DegradedRetryInterval
			switch {
			case c.addFailure(true):
				c.setState(StateDegraded)
			case c.State() != StateDegraded:
				c.setState(StateDisconnected)
				wait = Backoff(attempt, cfg.BackoffBase, cfg.BackoffCap)
				attempt++
			}
			if !c.sleep(ctx, wait) {
				return
			}
			continue
		}

		attempt = 0
		c.markConnected()

		switch c.pump(ctx, stream) {
		case exitCancelled:
			return
		case exitDegrade:
			c.setState(StateDegraded)
			if !c.sleep(ctx, cfg.DegradedRetryInterval) {
				return
			}
		case exitClosed:
			wait := cfg.DegradedRetryInterval
			if c.addFailure(false) {
				c.setState(StateDegraded)
			} else {
				c.setState(StateDisconnected)
				wait = Backoff(attempt, cfg.BackoffBase, cfg.BackoffCap)
				attempt++
			}
			if !c.sleep(ctx, wait) {
				return
			}
		}
	}
}

func (c *connection) dial(ctx context.Context, attempt int) (Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, c.t.cfg.ConnectTimeout)
	defer cancel()

	stream, err := c.t.dialer.Dial(dctx, c.workspaceID)
	c.t.cfg.Metrics.ReconnectAttempt(err == nil)
	if err != nil {
		if ctx.Err() == nil {
			terr := &social.TransportError{WorkspaceID: c.workspaceID, Op: "connect", Attempt: attempt, Err: err}
			c.log.WithError(terr).WithField("attempt", attempt).Warn("Push connect failed")
		}
		return nil, err
	}
	return stream, nil
}

func (c *connection) pump(ctx context.Context, stream Stream) exitReason {
	readDone := make(chan error, 1)
	go func() {
		for {
			data, err := stream.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			c.handleFrame(data)
		}
	}()

	select {
	case <-ctx.Done():
		_ = stream.Close()
		<-readDone
		return exitCancelled
	case <-c.degradeCh:
		_ = stream.Close()
		<-readDone
		c.log.Warn("Webhook failure threshold reached, closing push connection")
		return exitDegrade
	case err := <-readDone:
		_ = stream.Close()
		terr := &social.TransportError{WorkspaceID: c.workspaceID, Op: "read", Err: err}
		c.log.WithError(terr).Warn("Push connection closed unexpectedly")
		return exitClosed
	}
}

func (c *connection) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.t.cfg.Clock.After(d):
		return true
	}
}

// wireEvent is the push frame format. WorkspaceID is optional since the
// room already scopes the stream.
type wireEvent struct {
	ID           string `json:"id"`
	WorkspaceID  string `json:"workspaceId"`
	Category     string `json:"category"`
	MediaID      string `json:"mediaId"`
	AuthorHandle string `json:"authorHandle"`
	Text         string `json:"text"`
}

func (c *connection) handleFrame(data []byte) {
	ev, err := c.parse(data)
	if err != nil {
		c.t.cfg.Metrics.EventMalformed("push")
		c.log.WithError(err).WithField("bytes", len(data)).Warn("Dropping malformed push payload")
		return
	}
	if onEvent, _ := c.t.callbacks(); onEvent != nil {
		onEvent(ev)
	}
}

func (c *connection) parse(data []byte) (social.SocialEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return social.SocialEvent{}, fmt.Errorf("decode push frame: %w", err)
	}
	if w.WorkspaceID != "" && w.WorkspaceID != c.workspaceID {
		return social.SocialEvent{}, fmt.Errorf("frame for workspace %s on %s channel", w.WorkspaceID, c.workspaceID)
	}
	ev := social.SocialEvent{
		ID:            w.ID,
		WorkspaceID:   c.workspaceID,
		Category:      social.Category(w.Category),
		SourceMediaID: w.MediaID,
		AuthorHandle:  w.AuthorHandle,
		Text:          w.Text,
		ReceivedAt:    c.t.cfg.Clock.Now(),
		Origin:        social.OriginPush,
	}
	return ev, ev.Validate()
}
