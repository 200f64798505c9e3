// Package polling pulls social events from the platform REST API while
// push delivery is degraded, and for categories that never arrive by push.
package polling

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"frameworks/api_automation/internal/metrics"
	"frameworks/api_automation/internal/social"
	"frameworks/pkg/clock"
	"frameworks/pkg/logging"
)

// ErrThrottled means the workspace was polled less than the minimum
// interval ago. No request was made.
var ErrThrottled = errors.New("poll throttled")

// Fetcher is the platform REST surface used for polling. since is the
// oldest previous successful poll start among categories, zero when any
// of them has never been polled.
type Fetcher interface {
	FetchEvents(ctx context.Context, workspaceID string, categories []social.Category, since time.Time) ([]social.SocialEvent, error)
}

type Config struct {
	// MinInterval is the per-workspace floor between poll requests.
	MinInterval time.Duration
	Timeout     time.Duration

	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

type Poller struct {
	fetcher Fetcher
	cfg     Config
	sf      singleflight.Group

	mu          sync.Mutex
	lastPoll map[string]time.Time
	// lastSuccess is per category: categories are polled on different
	// intervals and one poll must not advance another's cursor.
	lastSuccess map[string]map[social.Category]time.Time
}

func New(fetcher Fetcher, cfg Config) *Poller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Poller{
		fetcher:     fetcher,
		cfg:         cfg,
		lastPoll:    make(map[string]time.Time),
		lastSuccess: make(map[string]map[social.Category]time.Time),
	}
}

// Poll fetches categories for workspaceID. Concurrent identical calls
// share one request. Returned events carry Origin poll.
func (p *Poller) Poll(ctx context.Context, workspaceID string, categories []social.Category) ([]social.SocialEvent, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	cats := append([]social.Category(nil), categories...)
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	key := workspaceID + "|" + strings.Join(names, ",")

	v, err, _ := p.sf.Do(key, func() (any, error) {
		return p.pollOnce(ctx, workspaceID, cats)
	})
	if err != nil {
		return nil, err
	}
	return v.([]social.SocialEvent), nil
}

// NextAllowed returns when workspaceID may next be polled.
func (p *Poller) NextAllowed(workspaceID string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastPoll[workspaceID]
	if !ok {
		return time.Time{}
	}
	return last.Add(p.cfg.MinInterval)
}

// Forget drops a workspace's poll history.
func (p *Poller) Forget(workspaceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastPoll, workspaceID)
	delete(p.lastSuccess, workspaceID)
}

func (p *Poller) pollOnce(ctx context.Context, workspaceID string, cats []social.Category) ([]social.SocialEvent, error) {
	now := p.cfg.Clock.Now()

	p.mu.Lock()
	if last, ok := p.lastPoll[workspaceID]; ok && now.Sub(last) < p.cfg.MinInterval {
		p.mu.Unlock()
		return nil, ErrThrottled
	}
	p.lastPoll[workspaceID] = now
	since := p.sinceLocked(workspaceID, cats)
	p.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.fetcher.FetchEvents(fctx, workspaceID, cats, since)
	if err == nil && fctx.Err() != nil {
		err = fctx.Err()
	}
	if err != nil {
		p.cfg.Metrics.PollCompleted("error", time.Since(start))
		return nil, &social.PollError{WorkspaceID: workspaceID, Categories: cats, Err: err}
	}
	p.cfg.Metrics.PollCompleted("ok", time.Since(start))

	p.mu.Lock()
	cursors := p.lastSuccess[workspaceID]
	if cursors == nil {
		cursors = make(map[social.Category]time.Time)
		p.lastSuccess[workspaceID] = cursors
	}
	for _, c := range cats {
		cursors[c] = now
	}
	p.mu.Unlock()

	log := logging.ForWorkspace(p.cfg.Logger, workspaceID)
	events := make([]social.SocialEvent, 0, len(raw))
	for _, ev := range raw {
		ev.WorkspaceID = workspaceID
		ev.Origin = social.OriginPoll
		ev.ReceivedAt = p.cfg.Clock.Now()
		if err := ev.Validate(); err != nil {
			p.cfg.Metrics.EventMalformed("poll")
			log.WithError(err).Warn("Dropping malformed polled event")
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *Poller) sinceLocked(workspaceID string, cats []social.Category) time.Time {
	cursors := p.lastSuccess[workspaceID]
	var since time.Time
	for i, c := range cats {
		last, ok := cursors[c]
		if !ok {
			return time.Time{}
		}
		if i == 0 || last.Before(since) {
			since = last
		}
	}
	return since
}
