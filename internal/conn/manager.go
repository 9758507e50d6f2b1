// Package conn owns the lifecycle of the single persistent connection to
// the messaging backend: connect/disconnect, credential failure recovery
// with a bounded refresh budget, and the state machine other components
// observe. One Manager exists per authenticated session.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/internal/session"
	"github.com/feedline/realtime-core/internal/transport"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

// State is the lifecycle state of the connection.
type State int

const (
	// Disconnected means no open connection and no recovery in progress.
	Disconnected State = iota
	// Connecting means a connection attempt is underway.
	Connecting
	// Connected means the transport is open and delivering events.
	Connected
	// AuthRecovering means a credential failure is being resolved via
	// silent refresh before the connection is reopened.
	AuthRecovering
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AuthRecovering:
		return "auth_recovering"
	default:
		return "disconnected"
	}
}

// Config configures a Manager.
type Config struct {
	// Factory constructs a transport bound to the given access token.
	Factory func(token string) transport.Transport
	// Credentials is the session provider used for auth checks and
	// silent refresh.
	Credentials session.Provider
	// Classifier decides credential-vs-transient for connection errors.
	// Defaults to IsCredentialError.
	Classifier Classifier
	// MaxCredentialRetries bounds refresh attempts per connection object.
	// Defaults to 3.
	MaxCredentialRetries int
	// ReconnectBaseDelay is the base of the jittered reopen delay after a
	// successful refresh. Defaults to 1s.
	ReconnectBaseDelay time.Duration
	// BindEvents is invoked for every transport object the manager
	// constructs, letting the event router attach its handlers. The
	// returned func is called when the transport is discarded.
	BindEvents func(transport.Transport) func()
	// OnLogout is the terminal escalation: the session could not be
	// salvaged and the application must log the user out.
	OnLogout func()

	Logger *logger.Logger
}

// Manager is the connection lifecycle manager.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	mu             sync.Mutex
	state          State
	tr             transport.Transport
	unbind         []func()
	refreshRetries int
	terminal       bool
	teardown       []func()
}

// NewManager creates a Manager. No connection is opened until Connect.
func NewManager(cfg Config) *Manager {
	if cfg.Classifier == nil {
		cfg.Classifier = IsCredentialError
	}
	if cfg.MaxCredentialRetries == 0 {
		cfg.MaxCredentialRetries = 3
	}
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		logger: log.Named("conn"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RegisterTeardown adds a hook run whenever the connection is torn down
// (explicit disconnect or forced logout). Session-scoped derived state
// such as typing sets and the presence map is cleared through these.
func (m *Manager) RegisterTeardown(fn func()) {
	m.mu.Lock()
	m.teardown = append(m.teardown, fn)
	m.mu.Unlock()
}

// Emit sends an outbound event through the live transport.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return errors.New("no active connection")
	}
	return tr.Emit(event, payload)
}

// Connect opens the connection. It is a no-op when already connected or
// connecting. An existing but closed connection object is resumed; when
// none exists one is constructed bound to the current credentials, and
// only if the caller is authenticated.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected || m.state == Connecting {
		m.mu.Unlock()
		return nil
	}

	tr := m.tr
	if tr == nil {
		if !m.cfg.Credentials.IsAuthenticated() {
			m.mu.Unlock()
			m.logger.Info("connect skipped: not authenticated")
			return nil
		}
		tr = m.cfg.Factory(m.cfg.Credentials.Token())
		m.tr = tr
		m.refreshRetries = 0
		m.terminal = false
		m.bindLocked(tr)
	}
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	if err := tr.Connect(ctx); err != nil {
		// A classified credential error has already moved the state to
		// AuthRecovering via the connect_error handler; anything else is
		// a plain failed attempt.
		m.mu.Lock()
		if m.state == Connecting {
			m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes and discards the connection object and clears all
// session-scoped derived state through the registered teardown hooks.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	tr := m.tr
	m.tr = nil
	unbind := m.unbind
	m.unbind = nil
	m.setStateLocked(Disconnected)
	hooks := append([]func(){}, m.teardown...)
	m.mu.Unlock()

	if tr != nil {
		if err := tr.Disconnect(); err != nil {
			m.logger.Warn("transport close", zap.Error(err))
		}
	}
	for _, u := range unbind {
		u()
	}
	for _, fn := range hooks {
		fn()
	}
}

// bindLocked attaches the manager's meta-event handlers and the caller's
// event bindings to a freshly constructed transport.
func (m *Manager) bindLocked(tr transport.Transport) {
	m.unbind = append(m.unbind,
		tr.On(model.EventConnect, func(json.RawMessage) { m.onOpen() }),
		tr.On(model.EventDisconnect, func(json.RawMessage) { m.onClose() }),
		tr.On(model.EventConnectError, func(p json.RawMessage) { m.onError(p) }),
	)
	if m.cfg.BindEvents != nil {
		m.unbind = append(m.unbind, m.cfg.BindEvents(tr))
	}
}

func (m *Manager) onOpen() {
	m.mu.Lock()
	m.setStateLocked(Connected)
	m.mu.Unlock()
	m.logger.Info("connection open")
}

func (m *Manager) onClose() {
	m.mu.Lock()
	// The transport retries transient drops on its own; only a close
	// from the connected state is a plain disconnect. Recovery states
	// keep their meaning.
	if m.state == Connected {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()
	m.logger.Info("connection closed")
}

func (m *Manager) onError(payload json.RawMessage) {
	var ev model.ErrorEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.logger.Warn("malformed connect_error payload", zap.Error(err))
		return
	}

	if !m.cfg.Classifier(ev.Reason) {
		// Transient: the transport's own backoff keeps retrying.
		m.logger.Debug("transient connection error", zap.String("reason", ev.Reason))
		return
	}

	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return
	}
	m.refreshRetries++
	retries := m.refreshRetries
	m.setStateLocked(AuthRecovering)
	m.mu.Unlock()

	m.logger.Warn("credential error on connection",
		zap.String("reason", ev.Reason), zap.Int("attempt", retries))

	if retries > m.cfg.MaxCredentialRetries {
		m.forceLogout("credential retry budget exhausted")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err := m.cfg.Credentials.Refresh(ctx)
	cancel()
	if err != nil {
		m.forceLogout("session refresh failed")
		return
	}

	m.mu.Lock()
	tr := m.tr
	m.mu.Unlock()
	if tr == nil {
		return
	}
	tr.SetToken(m.cfg.Credentials.Token())

	// Randomized delay before reopening so a fleet of clients whose
	// tokens expired together does not reconnect in lockstep.
	delay := jitteredDelay(m.cfg.ReconnectBaseDelay)
	m.logger.Info("reopening after refresh", zap.Duration("delay", delay))
	time.AfterFunc(delay, func() { m.reopen(tr) })
}

func (m *Manager) reopen(tr transport.Transport) {
	m.mu.Lock()
	if m.state != AuthRecovering || m.tr != tr {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	metrics.ReconnectsTotal.WithLabelValues("credential").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		m.logger.Warn("reopen failed", zap.Error(err))
	}
}

// forceLogout is the terminal outcome: the session is not salvageable.
func (m *Manager) forceLogout(reason string) {
	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return
	}
	m.terminal = true
	m.mu.Unlock()

	m.logger.Error("forcing logout", zap.String("reason", reason))
	metrics.ForcedLogoutsTotal.Inc()

	m.Disconnect()
	if m.cfg.OnLogout != nil {
		m.cfg.OnLogout()
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metrics.SetConnectionState(int(s))
}

func jitteredDelay(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}
