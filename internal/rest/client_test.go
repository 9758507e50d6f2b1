package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/pkg/logger"
)

// staticCreds is a scriptable credential provider.
type staticCreds struct {
	mu         sync.Mutex
	token      string
	csrf       string
	refreshed  int
	refreshErr error
	tokenAfter string
}

func (c *staticCreds) IsAuthenticated() bool { return c.Token() != "" }

func (c *staticCreds) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *staticCreds) CSRFToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrf
}

func (c *staticCreds) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed++
	if c.refreshErr != nil {
		return c.refreshErr
	}
	if c.tokenAfter != "" {
		c.token = c.tokenAfter
	}
	return nil
}

func TestSendMessageCarriesAuthAndCSRFHeaders(t *testing.T) {
	var gotAuth, gotCSRF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCSRF = r.Header.Get("X-CSRF-Token")

		var req model.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1", req.CorrelationID)

		json.NewEncoder(w).Encode(model.SendMessageResponse{Accepted: true, CorrelationID: req.CorrelationID})
	}))
	defer srv.Close()

	creds := &staticCreds{token: "tok", csrf: "anti-forgery"}
	c := NewClient(srv.URL, creds, logger.NewNop())

	resp, err := c.SendMessage(context.Background(), &model.SendMessageRequest{
		ConversationID: "conv-1",
		Content:        "hi",
		CorrelationID:  "c1",
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "c1", resp.CorrelationID)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "anti-forgery", gotCSRF)
}

func TestRetriesExactlyOnceAfterRefresh(t *testing.T) {
	var requests int
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		tokens = append(tokens, r.Header.Get("Authorization"))
		if requests == 1 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(model.SendMessageResponse{Accepted: true})
	}))
	defer srv.Close()

	creds := &staticCreds{token: "stale", tokenAfter: "fresh"}
	c := NewClient(srv.URL, creds, logger.NewNop())

	_, err := c.SendMessage(context.Background(), &model.SendMessageRequest{ConversationID: "conv-1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	assert.Equal(t, 1, creds.refreshed)
	assert.Equal(t, []string{"Bearer stale", "Bearer fresh"}, tokens)
}

func TestSecondRejectionPropagates(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "still unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &staticCreds{token: "stale", tokenAfter: "fresh"}
	c := NewClient(srv.URL, creds, logger.NewNop())

	_, err := c.SendMessage(context.Background(), &model.SendMessageRequest{ConversationID: "conv-1"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, 2, requests, "exactly one retry")
	assert.Equal(t, 1, creds.refreshed, "exactly one refresh")
}

func TestRefreshFailurePropagatesWithoutRetry(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &staticCreds{token: "stale", refreshErr: context.DeadlineExceeded}
	c := NewClient(srv.URL, creds, logger.NewNop())

	err := c.MarkRead(context.Background(), "conv-1")
	require.Error(t, err)
	assert.Equal(t, 1, requests, "no retry without a successful refresh")
}

func TestServerErrorsAreNotRetried(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	creds := &staticCreds{token: "tok"}
	c := NewClient(srv.URL, creds, logger.NewNop())

	err := c.ToggleReaction(context.Background(), "conv-1", "m1", "👍")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, 1, requests)
	assert.Zero(t, creds.refreshed)
}

func TestMessagesPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(model.ListMessagesResponse{
			Messages: []model.Message{{ID: "m1", ConversationID: "conv-1"}},
			HasMore:  true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticCreds{token: "tok"}, logger.NewNop())

	page, err := c.Messages(context.Background(), "conv-1", time.Time{}, 25)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.True(t, page.HasMore)
}
