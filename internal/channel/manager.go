package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/config"
)

// ErrNotConnected is returned by Publish while the channel is down.
// Callers use it to pick the REST fallback path.
var ErrNotConnected = errors.New("channel not connected")

// Handler consumes inbound frames for one subscribed topic.
type Handler func(Frame)

// Conn is the subset of the websocket connection the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc establishes a raw websocket connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type subscription struct {
	handlers map[int]Handler
}

// Manager owns the single multiplexed channel connection. It performs
// the auth handshake, reconnects with a fixed delay after a drop, and
// routes inbound frames to per-topic subscribers. Multiple subscribers
// of one topic share a single server-side subscription.
type Manager struct {
	cfg    config.ChannelConfig
	token  string
	logger *zap.Logger
	clock  clockwork.Clock
	dial   DialFunc

	mu        sync.Mutex
	conn      Conn
	connected bool
	closed    bool
	subs      map[string]*subscription
	nextSub   int

	writeMu sync.Mutex
}

// NewManager constructs a manager. The connection is not opened until
// Open is called.
func NewManager(cfg config.ChannelConfig, token string, logger *zap.Logger) *Manager {
	return newManager(cfg, token, logger, gorillaDial, clockwork.NewRealClock())
}

func newManager(cfg config.ChannelConfig, token string, logger *zap.Logger, dial DialFunc, clock clockwork.Clock) *Manager {
	return &Manager{
		cfg:    cfg,
		token:  token,
		logger: logger,
		clock:  clock,
		dial:   dial,
		subs:   make(map[string]*subscription),
	}
}

// Open dials the channel and performs the auth handshake. After a
// successful open, connection loss is recovered internally; the first
// dial failure is reported to the caller.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("channel manager closed")
	}
	m.mu.Unlock()
	return m.connect(ctx)
}

// Close tears the connection down and stops reconnection attempts.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the channel is currently usable.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe registers a handler for a topic and returns its
// unsubscribe function. The first subscriber of a topic sends the
// subscribe frame; the last one leaving sends the unsubscribe frame.
func (m *Manager) Subscribe(topic string, handler Handler) func() {
	m.mu.Lock()
	sub, ok := m.subs[topic]
	if !ok {
		sub = &subscription{handlers: make(map[int]Handler)}
		m.subs[topic] = sub
	}
	id := m.nextSub
	m.nextSub++
	sub.handlers[id] = handler
	first := len(sub.handlers) == 1
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()

	if first && connected {
		// best effort; reconnect replays every active topic anyway
		m.writeFrame(conn, Frame{
			ID:        uuid.NewString(),
			Type:      FrameSubscribe,
			Topic:     topic,
			Timestamp: m.clock.Now(),
		})
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(topic, id) })
	}
}

func (m *Manager) unsubscribe(topic string, id int) {
	m.mu.Lock()
	sub, ok := m.subs[topic]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(sub.handlers, id)
	last := len(sub.handlers) == 0
	if last {
		delete(m.subs, topic)
	}
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()

	if last && connected {
		m.writeFrame(conn, Frame{
			ID:        uuid.NewString(),
			Type:      FrameUnsubscribe,
			Topic:     topic,
			Timestamp: m.clock.Now(),
		})
	}
}

// Publish sends a fire-and-forget directive on a destination.
func (m *Manager) Publish(destination string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	return m.writeFrame(conn, Frame{
		ID:        uuid.NewString(),
		Type:      FramePublish,
		Topic:     destination,
		Payload:   raw,
		Timestamp: m.clock.Now(),
	})
}

func (m *Manager) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout())
	defer cancel()

	conn, err := m.dial(dialCtx, m.cfg.URL)
	if err != nil {
		return err
	}

	raw, _ := json.Marshal(AuthPayload{Token: m.token})
	if err := m.writeFrame(conn, Frame{
		ID:        uuid.NewString(),
		Type:      FrameAuth,
		Payload:   raw,
		Timestamp: m.clock.Now(),
	}); err != nil {
		_ = conn.Close()
		return err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return err
	}
	var reply Frame
	if err := json.Unmarshal(data, &reply); err != nil {
		_ = conn.Close()
		return err
	}
	if reply.Type != FrameAuthOK {
		_ = conn.Close()
		return errors.New("channel handshake refused")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return errors.New("channel manager closed")
	}
	m.conn = conn
	m.connected = true
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	m.mu.Unlock()

	// one subscribe frame per distinct active topic
	for _, topic := range topics {
		if err := m.writeFrame(conn, Frame{
			ID:        uuid.NewString(),
			Type:      FrameSubscribe,
			Topic:     topic,
			Timestamp: m.clock.Now(),
		}); err != nil {
			m.logger.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}

	m.logger.Info("channel connected", zap.Int("topics", len(topics)))
	go m.readLoop(conn)
	return nil
}

func (m *Manager) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn("unparseable frame", zap.Error(err))
			continue
		}
		m.dispatch(frame)
	}
}

func (m *Manager) dispatch(frame Frame) {
	m.mu.Lock()
	sub, ok := m.subs[frame.Topic]
	var handlers []Handler
	if ok {
		handlers = make([]Handler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.logger.Debug("dropping frame for unsubscribed topic", zap.String("topic", frame.Topic))
		return
	}
	for _, handler := range handlers {
		handler(frame)
	}
}

func (m *Manager) handleDisconnect(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		// a newer connection already replaced this one
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	closed := m.closed
	m.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	m.logger.Warn("channel disconnected", zap.Error(cause))
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	for {
		<-m.clock.After(m.cfg.ReconnectDelay())

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		if err := m.connect(context.Background()); err != nil {
			m.logger.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}
		return
	}
}

func (m *Manager) writeFrame(conn Conn, frame Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(m.clock.Now().Add(m.cfg.WriteTimeout()))
	return conn.WriteJSON(frame)
}
