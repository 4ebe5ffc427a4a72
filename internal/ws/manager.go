package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"chat-client/internal/logger"
	"chat-client/internal/models"
	"chat-client/internal/observability"
)

var (
	ErrConnection   = errors.New("connection failed")
	ErrNotConnected = errors.New("not connected")
)

// ConnectionError reports a transport that could not be established.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a frame to the server
	pongWait       = 60 * time.Second    // time allowed to read the next pong from the server
	pingInterval   = (pongWait * 9) / 10 // send pings with this period
	maxMessageSize = int64(1 << 20)      // max inbound frame size
)

// Options configures a ConnectionManager.
type Options struct {
	URL            string
	Token          string
	ConnectTimeout time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

type stateListener struct {
	id int
	fn func(models.ConnectionState)
}

// ConnectionManager owns the single live transport of a chat session.
type ConnectionManager struct {
	opts Options
	log  *zap.Logger
	hub  *Hub

	mu        sync.Mutex
	conn      *websocket.Conn
	state     models.ConnectionState
	info      ConnInfo
	rooms     []string
	done      chan struct{}
	listeners []stateListener
	nextID    int

	writeMu sync.Mutex

	notifyMu     sync.Mutex
	lastNotified models.ConnectionState
}

// NewConnectionManager creates a disconnected manager.
func NewConnectionManager(opts Options) *ConnectionManager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := logger.OrNop(opts.Logger)
	return &ConnectionManager{
		opts: opts,
		log:  log,
		hub:  NewHub(log),
	}
}

// Connect dials the server within the connect timeout. Rooms joined earlier are
// joined again, in call order, before Connected is reported.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case models.Connected:
		m.mu.Unlock()
		return nil
	case models.Connecting:
		m.mu.Unlock()
		return &ConnectionError{URL: m.opts.URL, Err: errors.New("connect already in progress")}
	}
	m.state = models.Connecting
	listeners := m.listenersLocked()
	m.mu.Unlock()
	m.notifyState(listeners)

	ctx, span := otel.Tracer("chat-client/ws").Start(ctx, "ws.connect")
	defer span.End()

	target, redacted, err := dialURL(m.opts.URL, m.opts.Token)
	if err != nil {
		return m.connectFailed(m.opts.URL, err)
	}
	span.SetAttributes(attribute.String("ws.url", redacted))

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	conn, resp, err := m.opts.Dialer.DialContext(dialCtx, target, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return m.connectFailed(redacted, err)
	}

	m.mu.Lock()
	if m.state != models.Connecting {
		// Disconnect won the race
		m.mu.Unlock()
		conn.Close()
		return m.connectFailed(redacted, errors.New("disconnected while connecting"))
	}
	m.conn = conn
	m.done = make(chan struct{})
	m.info = ConnInfo{
		ConnID:      newConnID(),
		URL:         redacted,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	rooms := append([]string(nil), m.rooms...)
	done := m.done
	info := m.info
	m.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go m.readLoop(conn)
	go m.pingLoop(conn, done)

	for _, groupID := range rooms {
		if err := m.write(conn, models.EventJoinGroup, models.JoinGroupPayload{GroupID: groupID}); err != nil {
			m.log.Warn("join failed", zap.String("group_id", groupID), zap.Error(err))
		}
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		observability.IncConnectAttempt("error")
		return &ConnectionError{URL: redacted, Err: errors.New("connection closed during handshake")}
	}
	m.state = models.Connected
	listeners = m.listenersLocked()
	m.mu.Unlock()

	observability.IncConnectAttempt("ok")
	m.log.Info("connected", zap.String("conn_id", info.ConnID), zap.String("url", info.URL))
	m.notifyState(listeners)
	return nil
}

// JoinRoom sends a join for groupID, or queues it until the next Connect.
func (m *ConnectionManager) JoinRoom(groupID string) {
	m.mu.Lock()
	known := false
	for _, id := range m.rooms {
		if id == groupID {
			known = true
			break
		}
	}
	if !known {
		m.rooms = append(m.rooms, groupID)
	}
	conn := m.conn
	connected := m.state == models.Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.log.Debug("join queued", zap.String("group_id", groupID))
		return
	}
	if err := m.write(conn, models.EventJoinGroup, models.JoinGroupPayload{GroupID: groupID}); err != nil {
		m.log.Warn("join failed", zap.String("group_id", groupID), zap.Error(err))
	}
}

// On subscribes fn to an inbound event. The returned func unsubscribes it.
func (m *ConnectionManager) On(event string, fn Handler) func() {
	return m.hub.On(event, fn)
}

// OnStateChange subscribes fn to connection state transitions.
func (m *ConnectionManager) OnStateChange(fn func(models.ConnectionState)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info describes the live connection, if any.
func (m *ConnectionManager) Info() (ConnInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, m.conn != nil
}

// Emit sends an event. It fails with ErrNotConnected unless connected.
func (m *ConnectionManager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == models.Connected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return m.write(conn, event, payload)
}

// Disconnect closes the transport and clears every handler and state
// listener. Listeners see the final Disconnected transition. Safe to call repeatedly.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = models.Disconnected
	m.rooms = nil
	m.info = ConnInfo{}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	listeners := m.listenersLocked()
	m.listeners = nil
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
		m.log.Info("disconnected")
	}
	m.hub.Clear()
	m.notifyState(listeners)
}

func (m *ConnectionManager) write(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(models.Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	observability.IncWSEvent("outbound", event)
	return nil
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			m.dropped(conn, err)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			m.log.Warn("unreadable frame dropped", zap.Int("bytes", len(frame)), zap.Error(err))
			continue
		}
		observability.IncWSEvent("inbound", env.Event)
		if m.hub.Dispatch(env.Event, env.Data) == 0 {
			m.log.Debug("no handler for event", zap.String("event", env.Event))
		}
	}
}

func (m *ConnectionManager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// dropped handles a transport that went away without Disconnect.
func (m *ConnectionManager) dropped(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = models.Disconnected
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	conn.Close()

	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		m.log.Info("server closed connection", zap.Error(err))
	case errors.As(err, &netErr) && netErr.Timeout():
		m.log.Warn("connection timed out", zap.Error(err))
	default:
		m.log.Warn("connection lost", zap.Error(err))
	}
	observability.IncWSEvent("inbound", "ws_drop")
	m.notifyState(listeners)
}

func (m *ConnectionManager) connectFailed(url string, err error) error {
	m.mu.Lock()
	m.state = models.Disconnected
	listeners := m.listenersLocked()
	m.mu.Unlock()

	observability.IncConnectAttempt("error")
	m.log.Warn("connect failed", zap.String("url", url), zap.Error(err))
	m.notifyState(listeners)
	return &ConnectionError{URL: url, Err: err}
}

func (m *ConnectionManager) listenersLocked() []stateListener {
	out := make([]stateListener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

// notifyState reports the current state once per change, in order.
func (m *ConnectionManager) notifyState(listeners []stateListener) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	state := m.State()
	if state == m.lastNotified {
		return
	}
	m.lastNotified = state
	observability.SetConnectionState(int(state))
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("state listener panicked", zap.Any("panic", r))
				}
			}()
			l.fn(state)
		}()
	}
}
