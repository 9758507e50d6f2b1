package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/feedline/realtime-core/internal/model"
	"github.com/feedline/realtime-core/pkg/logger"
	"github.com/feedline/realtime-core/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 128
)

// envelope is the wire frame: {"event": <name>, "data": <payload>}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Token is the access token presented on dial.
	Token string
	// ReconnectBaseDelay and ReconnectMaxDelay bound the transient
	// reconnect schedule. Zero values use 1s and 30s.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// WebSocket is a Transport over a single websocket. Outbound writes go
// through a buffered channel drained by one writer goroutine; unexpected
// read failures trigger an internal reconnect loop with exponential
// backoff that runs until Disconnect. Each failed redial surfaces a
// connect_error event so the lifecycle manager can classify the reason.
type WebSocket struct {
	cfg      WebSocketConfig
	dialer   *websocket.Dialer
	handlers *handlerSet
	logger   *logger.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan envelope
	done        chan struct{}
	intentional bool
	connected   bool
	retrying    bool
	token       string
}

// NewWebSocket creates the transport without opening the connection.
func NewWebSocket(cfg WebSocketConfig, log *logger.Logger) *WebSocket {
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &WebSocket{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: newHandlerSet(),
		logger:   log.Named("websocket"),
		token:    cfg.Token,
	}
}

// SetToken updates the token used for subsequent dials.
func (t *WebSocket) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Connected reports whether the socket is currently open.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// On subscribes to a raw inbound event.
func (t *WebSocket) On(event string, h Handler) func() {
	return t.handlers.on(event, h)
}

// Connect dials the endpoint. A dial failure is surfaced both as the
// returned error and as a connect_error event.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	token := t.token
	t.mu.Unlock()

	conn, err := t.dial(ctx, token)
	if err != nil {
		t.emitError(err)
		// A failed first dial enters the same transient retry schedule
		// as a dropped connection; the caller still sees the error.
		t.spawnReconnect()
		return err
	}

	t.start(conn)
	return nil
}

// Disconnect closes the socket and stops the internal reconnect loop.
func (t *WebSocket) Disconnect() error {
	t.mu.Lock()
	t.intentional = true
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(writeWait))
	err := conn.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(writeWait):
		}
	}
	return err
}

// Emit enqueues an outbound event. The send buffer keeps backpressure
// bounded; a full buffer means the connection is stalled and the write
// is rejected rather than queued without limit.
func (t *WebSocket) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	t.mu.Lock()
	send := t.send
	connected := t.connected
	t.mu.Unlock()

	if !connected || send == nil {
		return errors.New("transport not connected")
	}
	select {
	case send <- envelope{Event: event, Data: data}:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (t *WebSocket) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial rejected: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// start installs the open socket and launches the read and write loops.
// A concurrent winner keeps its socket; the loser's is closed.
func (t *WebSocket) start(conn *websocket.Conn) {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.send = make(chan envelope, sendBuffer)
	t.done = make(chan struct{})
	t.connected = true
	send, done := t.send, t.done
	t.mu.Unlock()

	go t.writeLoop(conn, send, done)
	go t.readLoop(conn, done)

	t.handlers.dispatch(model.EventConnect, nil)
}

func (t *WebSocket) writeLoop(conn *websocket.Conn, send chan envelope, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case env := <-send:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.onReadError(err)
			return
		}

		var env envelope
		if jsonErr := json.Unmarshal(data, &env); jsonErr != nil || env.Event == "" {
			t.logger.Warn("dropping malformed frame", zap.Error(jsonErr))
			continue
		}
		t.handlers.dispatch(env.Event, env.Data)
	}
}

// onReadError tears down the socket and, unless the close was requested,
// reports the disconnect and starts the transient reconnect loop.
func (t *WebSocket) onReadError(err error) {
	t.mu.Lock()
	intentional := t.intentional
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = nil
	t.send = nil
	t.connected = false
	t.mu.Unlock()

	t.handlers.dispatch(model.EventDisconnect, nil)
	if intentional {
		return
	}

	t.logger.Warn("connection lost", zap.Error(err))
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "" {
		// A close frame with a reason doubles as an error report from
		// the server (credential rejections arrive this way).
		t.emitError(errors.New(closeErr.Text))
	}
	t.spawnReconnect()
}

// spawnReconnect starts the backoff loop unless one is already running or
// the transport was closed on purpose.
func (t *WebSocket) spawnReconnect() {
	t.mu.Lock()
	if t.intentional || t.connected || t.retrying {
		t.mu.Unlock()
		return
	}
	t.retrying = true
	t.mu.Unlock()
	go t.reconnectLoop()
}

// reconnectLoop redials with exponential backoff until it succeeds or
// Disconnect is called. The schedule never gives up on its own: transient
// outages are this layer's responsibility, credential failures are
// escalated through connect_error and resolved by the lifecycle manager
// updating the token.
func (t *WebSocket) reconnectLoop() {
	defer func() {
		t.mu.Lock()
		t.retrying = false
		t.mu.Unlock()
	}()

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = t.cfg.ReconnectBaseDelay
	schedule.MaxInterval = t.cfg.ReconnectMaxDelay
	schedule.MaxElapsedTime = 0

	for {
		wait := schedule.NextBackOff()
		t.logger.Debug("scheduling reconnect", zap.Duration("delay", wait))
		time.Sleep(wait)

		t.mu.Lock()
		if t.intentional || t.connected {
			t.mu.Unlock()
			return
		}
		token := t.token
		t.mu.Unlock()

		metrics.ReconnectsTotal.WithLabelValues("transient").Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := t.dial(ctx, token)
		cancel()
		if err != nil {
			t.emitError(err)
			continue
		}

		t.start(conn)
		return
	}
}

func (t *WebSocket) emitError(err error) {
	payload, _ := json.Marshal(model.ErrorEvent{Reason: err.Error()})
	t.handlers.dispatch(model.EventConnectError, payload)
}
