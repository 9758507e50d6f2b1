// Package rest performs request/response calls against the backend API.
// Every request carries the bearer and anti-forgery tokens; a request
// rejected for stale credentials is retried exactly once after a
// successful silent refresh.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/internal/session"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

// APIError carries the HTTP status and backend message of a failed call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// credentialStatus reports whether a response status indicates stale or
// rejected credentials, the one case the client recovers from.
func credentialStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Client is the REST client for the messaging backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      session.Provider
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewClient creates a REST client bound to the given credential provider.
func NewClient(baseURL string, creds session.Provider, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		creds:      creds,
		logger:     log.Named("rest"),
		tracer:     otel.Tracer("rest"),
	}
}

// SendMessage submits a new message. The response is a provisional
// acknowledgment; the authoritative record arrives later over the
// realtime connection, matched by CorrelationID.
func (c *Client) SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	var out model.SendMessageResponse
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(req.ConversationID))
	if err := c.do(ctx, "send_message", http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ToggleReaction sets or replaces the caller's reaction on a message.
func (c *Client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages/%s/reactions",
		url.PathEscape(conversationID), url.PathEscape(messageID))
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, "toggle_reaction", http.MethodPost, path, body, nil)
}

// MarkRead marks a conversation read up to its latest message.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, "mark_read", http.MethodPost, path, nil, nil)
}

// Messages fetches one page of conversation history.
func (c *Client) Messages(ctx context.Context, conversationID string, before time.Time, limit int) (*model.ListMessagesResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}

	var out model.ListMessagesResponse
	path := fmt.Sprintf("/api/v1/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode())
	if err := c.do(ctx, "list_messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversations fetches the inbox preview list, newest activity first.
func (c *Client) Conversations(ctx context.Context) (*model.ListConversationsResponse, error) {
	var out model.ListConversationsResponse
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one API call. On a credential-rejected status it refreshes
// the session and retries the request exactly once; any further failure
// propagates to the caller.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, operation)
	defer span.End()

	start := time.Now()
	status, err := c.doOnce(ctx, method, path, body, out)
	if err == nil && credentialStatus(status) {
		if refreshErr := c.creds.Refresh(ctx); refreshErr != nil {
			metrics.RESTRequestDuration.WithLabelValues(operation, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
			return fmt.Errorf("credential refresh failed: %w", refreshErr)
		}
		metrics.RESTRetriesTotal.Inc()
		c.logger.Debug("retrying request after refresh",
			zap.String("operation", operation), zap.String("path", path))
		status, err = c.doOnce(ctx, method, path, body, out)
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	metrics.RESTRequestDuration.WithLabelValues(operation, strconv.Itoa(status)).Observe(time.Since(start).Seconds())

	if err != nil {
		return err
	}
	if status >= 400 {
		return &APIError{Status: status, Message: http.StatusText(status)}
	}
	return nil
}

// doOnce issues a single request. A non-2xx status is not an error here;
// the caller decides whether to retry or surface it.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf := c.creds.CSRFToken(); csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
