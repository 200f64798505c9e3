package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/clients"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Token: "tok", Logger: logrus.New()})
}

func TestFetchEventsBuildsQueryAndNormalizes(t *testing.T) {
	since := time.Date(2026, 3, 2, 11, 57, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workspaces/ws-1/events", r.URL.Path)
		assert.Equal(t, "comment,message", r.URL.Query().Get("categories"))
		assert.Equal(t, "2026-03-02T11:57:00Z", r.URL.Query().Get("since"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"events":[{"id":"c1","category":"comment","mediaId":"p1","authorHandle":"@ana","text":"price?"}]}`))
	})

	events, err := c.FetchEvents(context.Background(), "ws-1", []social.Category{social.CategoryComment, social.CategoryMessage}, since)
	require.NoError(t, err)
	require.Equal(t, []social.SocialEvent{{
		ID: "c1", WorkspaceID: "ws-1", Category: social.CategoryComment,
		SourceMediaID: "p1", AuthorHandle: "@ana", Text: "price?",
	}}, events)
}

func TestFetchEventsOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{
		BaseURL: srv.URL,
		Logger:  logrus.New(),
		PollBreaker: &clients.CircuitBreakerConfig{
			Name:             "test",
			FailureThreshold: 2,
			Window:           2,
			Delay:            time.Hour,
			SuccessThreshold: 1,
		},
	})

	for i := 0; i < 2; i++ {
		_, err := c.FetchEvents(context.Background(), "ws-1", []social.Category{social.CategoryComment}, time.Time{})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	}
	_, err := c.FetchEvents(context.Background(), "ws-1", []social.Category{social.CategoryComment}, time.Time{})
	require.ErrorIs(t, err, clients.ErrCircuitOpen)
	require.Equal(t, int32(2), hits.Load())
}

func TestPostComment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/workspaces/ws-1/media/p1/comments", r.URL.Path)
		var body commentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Sent you a DM!", body.Text)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"reply-9"}`))
	})

	res, err := c.PostComment(context.Background(), "ws-1", "p1", "Sent you a DM!")
	require.NoError(t, err)
	require.Equal(t, "reply-9", res.ID)
}

func TestSendDirectMessageWithButton(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workspaces/ws-1/messages", r.URL.Path)
		var body dmRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "@ana", body.Recipient)
		if assert.NotNil(t, body.Button) {
			assert.Equal(t, "https://shop.example", body.Button.URL)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.SendDirectMessage(context.Background(), "ws-1", "@ana", "prices", "Shop", "https://shop.example")
	require.NoError(t, err)
}

func TestDispatchRateLimitMapsRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	})

	_, err := c.SendDirectMessage(context.Background(), "ws-1", "@ana", "hi", "", "")
	var rl *social.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 2*time.Minute, rl.RetryAfter)
	require.Equal(t, social.ActionDM, rl.Action)
	require.ErrorIs(t, err, social.ErrDispatch)
	require.Contains(t, err.Error(), "slow down")
}

func TestDispatchErrorCarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"token expired"}`))
	})

	_, err := c.PostComment(context.Background(), "ws-1", "p1", "hi")
	var de *social.DispatchError
	require.ErrorAs(t, err, &de)
	require.Equal(t, http.StatusUnauthorized, de.StatusCode)
	require.False(t, errors.Is(err, social.ErrRateLimited))
	require.Contains(t, err.Error(), "token expired")
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("", now))
	require.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	require.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	require.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}
