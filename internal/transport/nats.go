package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

// NATSConfig configures a NATS-backed transport.
type NATSConfig struct {
	// URL is the nats:// endpoint.
	URL string
	// Token is the connection credential presented on connect.
	Token string
	// SubjectPrefix scopes this session's subjects. Inbound events arrive
	// on <prefix>.in.<event>, outbound emits publish to <prefix>.out.<event>.
	SubjectPrefix string
}

// NATS is a Transport over core NATS pub/sub. The server library owns
// transient reconnection (unbounded, with its own backoff); this layer
// maps connection callbacks onto the connect/disconnect/connect_error
// meta events the lifecycle manager consumes.
type NATS struct {
	cfg      NATSConfig
	handlers *handlerSet
	logger   *logger.Logger

	mu    sync.Mutex
	conn  *nats.Conn
	subs  []*nats.Subscription
	token string
}

// NewNATS creates the transport without opening the connection.
func NewNATS(cfg NATSConfig, log *logger.Logger) *NATS {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "realtime"
	}
	return &NATS{
		cfg:      cfg,
		handlers: newHandlerSet(),
		logger:   log.Named("nats"),
		token:    cfg.Token,
	}
}

// SetToken updates the credential used for subsequent connects.
func (t *NATS) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Connected reports whether the NATS connection is currently open.
func (t *NATS) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

// On subscribes to a raw inbound event.
func (t *NATS) On(event string, h Handler) func() {
	return t.handlers.on(event, h)
}

// Connect establishes the connection and subscribes to the inbound
// subject space. No-op when already connected.
func (t *NATS) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil && t.conn.IsConnected() {
		t.mu.Unlock()
		return nil
	}
	token := t.token
	t.mu.Unlock()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.logger.Warn("NATS disconnected", zap.Error(err))
			t.handlers.dispatch(model.EventDisconnect, nil)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("NATS reconnected")
			metrics.ReconnectsTotal.WithLabelValues("transient").Inc()
			t.handlers.dispatch(model.EventConnect, nil)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			t.logger.Error("NATS error", zap.Error(err))
			t.emitError(err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		t.emitError(err)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := nc.Subscribe(t.cfg.SubjectPrefix+".in.>", func(msg *nats.Msg) {
		event := eventFromSubject(t.cfg.SubjectPrefix, msg.Subject)
		if event == "" {
			return
		}
		t.handlers.dispatch(event, json.RawMessage(msg.Data))
	})
	if err != nil {
		nc.Close()
		t.emitError(err)
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	t.mu.Lock()
	t.conn = nc
	t.subs = []*nats.Subscription{sub}
	t.mu.Unlock()

	// With RetryOnFailedConnect the library may still be dialing here;
	// the reconnect handler reports the eventual first connect.
	if nc.IsConnected() {
		t.handlers.dispatch(model.EventConnect, nil)
	}
	return nil
}

// Disconnect drains subscriptions and closes the connection.
func (t *NATS) Disconnect() error {
	t.mu.Lock()
	nc := t.conn
	subs := t.subs
	t.conn = nil
	t.subs = nil
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	nc.Close()
	t.handlers.dispatch(model.EventDisconnect, nil)
	return nil
}

// Emit publishes an outbound event.
func (t *NATS) Emit(event string, payload any) error {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return errors.New("transport not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return nc.Publish(t.cfg.SubjectPrefix+".out."+event, data)
}

func (t *NATS) emitError(err error) {
	payload, _ := json.Marshal(model.ErrorEvent{Reason: err.Error()})
	t.handlers.dispatch(model.EventConnectError, payload)
}

// eventFromSubject extracts the event name from <prefix>.in.<event>.
func eventFromSubject(prefix, subject string) string {
	lead := prefix + ".in."
	if len(subject) <= len(lead) || subject[:len(lead)] != lead {
		return ""
	}
	return subject[len(lead):]
}
