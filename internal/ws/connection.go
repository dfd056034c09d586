package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"labchat/internal/metrics"
	"labchat/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected     = errors.New("stream is not connected")
	ErrConnectionFailed = errors.New("stream connection failed")
	ErrMissingToken     = errors.New("auth token is required")
)

const (
	defaultMaxAttempts   = 5
	defaultBaseDelay     = 500 * time.Millisecond
	defaultMaxDelay      = 10 * time.Second
	defaultHandshakeWait = 10 * time.Second
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// States lists every connection state.
var States = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed}

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type Config struct {
	URL string
	// MaxAttempts bounds consecutive reconnect attempts before the manager gives up.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Metrics     *metrics.Collectors
	Logger      *slog.Logger
}

// Manager owns the single event-stream connection of a session.
type Manager struct {
	cfg  Config
	log  *slog.Logger
	dial func(ctx context.Context, token string) (wsConnection, error)

	mu        sync.Mutex
	writeMu   sync.Mutex
	state     State
	token     string
	conn      wsConnection
	cancel    context.CancelFunc
	done      chan struct{}
	handler   func(models.Event)
	listeners []func(State)
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "stream"),
		state: StateDisconnected,
	}
	m.dial = m.dialWebsocket
	return m
}

func (m *Manager) dialWebsocket(ctx context.Context, token string) (wsConnection, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeWait,
	}
	header := http.Header{}
	header.Set("token", token)

	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", m.cfg.URL, err)
	}
	return conn, nil
}

// OnEvent sets the handler that receives every decoded inbound event, in
// emission order, on the read goroutine.
func (m *Manager) OnEvent(handler func(models.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// OnStateChange registers a listener called after every state transition.
func (m *Manager) OnStateChange(listener func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the stream for token and waits for the first connection
// outcome. It is a no-op while a connection with the same token is live or
// being established. After ctx expires the manager keeps trying in the
// background.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrMissingToken
	}

	m.mu.Lock()
	if m.cancel != nil && m.token == token && m.state != StateFailed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Either a different token (re-authentication) or a failed stream.
	m.Disconnect()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	first := make(chan error, 1)
	done := make(chan struct{})

	m.mu.Lock()
	m.token = token
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	m.setState(StateConnecting)

	go func() {
		defer close(done)
		m.run(runCtx, token, first)
	}()

	select {
	case err := <-first:
		return err
	case <-done:
		// Disconnected before the first outcome was reported.
		select {
		case err := <-first:
			return err
		default:
			return ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the stream down. Dependent state is cleared by the
// listeners of the resulting StateDisconnected transition.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	m.setState(StateDisconnected)
}

// Send writes an outbound event. Outbound events are fire-and-forget, so
// callers usually only log the error.
func (m *Manager) Send(msg models.ClientMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.MaxInterval = m.cfg.MaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts))
}

func (m *Manager) run(ctx context.Context, token string, first chan<- error) {
	b := m.newBackOff()
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}

	for {
		conn, err := m.dial(ctx, token)
		if err == nil {
			if !m.attach(ctx, conn) {
				_ = conn.Close()
				return
			}
			b.Reset()
			m.setState(StateConnected)
			report(nil)

			err = m.readLoop(conn)
			m.detach(conn)
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("stream connection lost", "error", err)

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			m.log.Error("giving up on stream connection", "attempts", m.cfg.MaxAttempts)
			m.setState(StateFailed)
			report(ErrConnectionFailed)
			return
		}

		m.cfg.Metrics.ReconnectAttempt()
		m.setState(StateReconnecting)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) attach(ctx context.Context, conn wsConnection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) detach(conn wsConnection) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) readLoop(conn wsConnection) error {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		m.cfg.Metrics.EventReceived(string(env.Type))
		ev, err := models.DecodeEvent(env)
		if err != nil {
			m.log.Debug("dropping inbound event", "type", env.Type, "error", err)
			continue
		}

		m.mu.Lock()
		handler := m.handler
		m.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	states := make([]string, len(States))
	for i, st := range States {
		states[i] = string(st)
	}
	m.cfg.Metrics.ConnectionState(string(s), states)

	for _, l := range listeners {
		l(s)
	}
}
