// Package session manages the client's backend credentials: token storage,
// expiry inspection and the silent refresh contract the realtime core
// depends on.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

// ErrNotAuthenticated is returned when an operation requires a session
// and none is available.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Provider is the credential contract consumed by the REST client and the
// connection lifecycle manager.
type Provider interface {
	// IsAuthenticated reports whether a usable session exists.
	IsAuthenticated() bool
	// Token returns the current access token ("" when unauthenticated).
	Token() string
	// CSRFToken returns the current anti-forgery token.
	CSRFToken() string
	// Refresh silently renews expired credentials. Concurrent callers are
	// coalesced onto one in-flight refresh and observe the same result.
	// An error means the session is no longer salvageable.
	Refresh(ctx context.Context) error
}

// refreshResponse is the backend's refresh endpoint payload.
type refreshResponse struct {
	AccessToken string `json:"access_token"`
	CSRFToken   string `json:"csrf_token"`
}

// TokenSource is the default Provider. It keeps the access and anti-forgery
// tokens in memory and refreshes them against the backend's refresh
// endpoint, which authenticates via an HTTP-only cookie managed by the
// http.Client's jar.
type TokenSource struct {
	refreshURL string
	httpClient *http.Client
	logger     *logger.Logger

	mu        sync.Mutex
	token     string
	csrfToken string
	inflight  *refreshCall
}

// refreshCall is one in-flight refresh shared by all concurrent callers.
type refreshCall struct {
	done chan struct{}
	err  error
}

// NewTokenSource creates a TokenSource. The initial tokens may be empty;
// the first Refresh establishes them.
func NewTokenSource(refreshURL string, httpClient *http.Client, log *logger.Logger) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenSource{
		refreshURL: refreshURL,
		httpClient: httpClient,
		logger:     log.Named("session"),
	}
}

// SetTokens installs credentials obtained out of band (login flow).
func (s *TokenSource) SetTokens(access, csrf string) {
	s.mu.Lock()
	s.token = access
	s.csrfToken = csrf
	s.mu.Unlock()
}

// Clear discards all credentials (logout).
func (s *TokenSource) Clear() {
	s.SetTokens("", "")
}

// Token returns the current access token.
func (s *TokenSource) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// CSRFToken returns the current anti-forgery token.
func (s *TokenSource) CSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfToken
}

// IsAuthenticated reports whether a non-expired access token is held.
// The token is inspected without signature verification: validation is the
// backend's job, the client only needs the expiry deadline.
func (s *TokenSource) IsAuthenticated() bool {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token == "" {
		return false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		// Opaque tokens are accepted as-is; the backend decides.
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return time.Now().Before(claims.ExpiresAt.Time)
}

// Refresh renews the session. All concurrent callers share one HTTP call.
func (s *TokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	call.err = s.doRefresh(ctx)
	close(call.done)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	if call.err != nil {
		metrics.RecordRefresh("failure")
		return call.err
	}
	metrics.RecordRefresh("success")
	return nil
}

func (s *TokenSource) doRefresh(ctx context.Context) error {
	s.logger.Debug("refreshing session")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	s.mu.Lock()
	if s.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", s.csrfToken)
	}
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var payload refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return errors.New("refresh response missing access token")
	}

	s.mu.Lock()
	s.token = payload.AccessToken
	if payload.CSRFToken != "" {
		s.csrfToken = payload.CSRFToken
	}
	s.mu.Unlock()

	s.logger.Info("session refreshed", zap.String("url", s.refreshURL))
	return nil
}
