// Package platform is the REST client for the social platform: the poll
// fetcher and the comment/DM action sink.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/clients"
	"frameworks/pkg/logging"
)

// APIError is a non-2xx platform response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("platform returned status %d", e.StatusCode)
}

// Result identifies the object the platform created for an action.
type Result struct {
	ID string `json:"id"`
}

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logging.Logger
	// PollBreaker guards FetchEvents. Nil uses clients.DefaultCircuitBreakerConfig.
	PollBreaker *clients.CircuitBreakerConfig
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  logging.Logger
	breaker failsafe.Policy[[]social.SocialEvent]
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout, Transport: clients.DefaultTransport()}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	bc := clients.DefaultCircuitBreakerConfig("platform-poll")
	if cfg.PollBreaker != nil {
		bc = *cfg.PollBreaker
	}
	if bc.Logger == nil {
		bc.Logger = cfg.Logger
	}
	bc.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
		breaker: clients.NewCircuitBreaker[[]social.SocialEvent](bc),
	}
}

type wireEvent struct {
	ID           string          `json:"id"`
	Category     social.Category `json:"category"`
	MediaID      string          `json:"mediaId"`
	AuthorHandle string          `json:"authorHandle"`
	Text         string          `json:"text"`
}

type eventsResponse struct {
	Events []wireEvent `json:"events"`
}

// FetchEvents lists events for categories created after since. Calls go
// through a circuit breaker so a failing API is not hammered by every
// degraded workspace.
func (c *Client) FetchEvents(ctx context.Context, workspaceID string, categories []social.Category, since time.Time) ([]social.SocialEvent, error) {
	q := url.Values{}
	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = string(cat)
	}
	q.Set("categories", strings.Join(names, ","))
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/events?%s", c.baseURL, url.PathEscape(workspaceID), q.Encode())

	return clients.Execute(ctx, func(ctx context.Context) ([]social.SocialEvent, error) {
		var body eventsResponse
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
			return nil, err
		}
		events := make([]social.SocialEvent, 0, len(body.Events))
		for _, w := range body.Events {
			events = append(events, social.SocialEvent{
				ID:            w.ID,
				WorkspaceID:   workspaceID,
				Category:      w.Category,
				SourceMediaID: w.MediaID,
				AuthorHandle:  w.AuthorHandle,
				Text:          w.Text,
			})
		}
		return events, nil
	}, c.breaker)
}

type commentRequest struct {
	Text string `json:"text"`
}

type dmButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type dmRequest struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	Button    *dmButton `json:"button,omitempty"`
}

// PostComment publishes a public reply under mediaID.
func (c *Client) PostComment(ctx context.Context, workspaceID, mediaID, text string) (Result, error) {
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/media/%s/comments", c.baseURL, url.PathEscape(workspaceID), url.PathEscape(mediaID))
	var res Result
	err := c.do(ctx, http.MethodPost, endpoint, commentRequest{Text: text}, &res)
	return res, c.dispatchError(workspaceID, social.ActionComment, err)
}

// SendDirectMessage sends text to recipient, with an optional link button.
func (c *Client) SendDirectMessage(ctx context.Context, workspaceID, recipient, text, buttonText, buttonURL string) (Result, error) {
	endpoint := fmt.Sprintf("%s/v1/workspaces/%s/messages", c.baseURL, url.PathEscape(workspaceID))
	req := dmRequest{Recipient: recipient, Text: text}
	if buttonText != "" && buttonURL != "" {
		req.Button = &dmButton{Text: buttonText, URL: buttonURL}
	}
	var res Result
	err := c.do(ctx, http.MethodPost, endpoint, req, &res)
	return res, c.dispatchError(workspaceID, social.ActionDM, err)
}

// rateLimited carries Retry-After out of do.
type rateLimited struct {
	retryAfter time.Duration
	err        *APIError
}

func (e *rateLimited) Error() string { return e.err.Error() }
func (e *rateLimited) Unwrap() error { return e.err }

func (c *Client) dispatchError(workspaceID string, action social.ActionKind, err error) error {
	if err == nil {
		return nil
	}
	var rl *rateLimited
	if errors.As(err, &rl) {
		return &social.RateLimitError{WorkspaceID: workspaceID, Action: action, RetryAfter: rl.retryAfter, Err: rl.err}
	}
	de := &social.DispatchError{WorkspaceID: workspaceID, Action: action, Err: err}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		de.StatusCode = apiErr.StatusCode
	}
	return de
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: readMessage(resp.Body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &rateLimited{retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), err: apiErr}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
