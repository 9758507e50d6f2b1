package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedline/realtime-core/pkg/logger"
)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestIsAuthenticated(t *testing.T) {
	s := NewTokenSource("http://localhost/refresh", nil, logger.NewNop())

	assert.False(t, s.IsAuthenticated(), "no token")

	s.SetTokens(signedToken(t, time.Now().Add(time.Hour)), "csrf")
	assert.True(t, s.IsAuthenticated(), "valid token")

	s.SetTokens(signedToken(t, time.Now().Add(-time.Minute)), "csrf")
	assert.False(t, s.IsAuthenticated(), "expired token")

	s.SetTokens("opaque-session-token", "csrf")
	assert.True(t, s.IsAuthenticated(), "opaque tokens are the backend's problem")

	s.Clear()
	assert.False(t, s.IsAuthenticated())
}

func TestRefreshSwapsTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "old-csrf", r.Header.Get("X-CSRF-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-token","csrf_token":"new-csrf"}`))
	}))
	defer srv.Close()

	s := NewTokenSource(srv.URL, srv.Client(), logger.NewNop())
	s.SetTokens("old-token", "old-csrf")

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, "new-token", s.Token())
	assert.Equal(t, "new-csrf", s.CSRFToken())
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"access_token":"fresh"}`))
	}))
	defer srv.Close()

	s := NewTokenSource(srv.URL, srv.Client(), logger.NewNop())

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)

	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Refresh(context.Background())
		}(i)
	}

	// Let every goroutine reach Refresh before the server responds.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "all callers share one in-flight refresh")
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "fresh", s.Token())
}

func TestRefreshFailureIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session gone", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTokenSource(srv.URL, srv.Client(), logger.NewNop())
	s.SetTokens("old", "")

	err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, "old", s.Token(), "failed refresh leaves tokens untouched")
}

func TestRefreshAfterFailureIsAttemptedAgain(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"access_token":"second"}`))
	}))
	defer srv.Close()

	s := NewTokenSource(srv.URL, srv.Client(), logger.NewNop())

	require.Error(t, s.Refresh(context.Background()))
	require.NoError(t, s.Refresh(context.Background()), "a later refresh is a new flight")
	assert.Equal(t, "second", s.Token())
}
