package simulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/auth"
	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/domain"
)

const handshakeDeadline = 10 * time.Second

var errInvalidHandshake = errors.New("first frame must be auth")

// Hub terminates the websocket side of the simulator: it authenticates
// connecting clients, tracks their topic subscriptions, fans events
// out, and turns publish frames into store mutations.
type Hub struct {
	logger *zap.Logger
	tokens *auth.TokenManager
	store  *Store

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	userID string
	role   domain.ActorRole

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewHub constructs a hub over the given store.
func NewHub(store *Store, tokens *auth.TokenManager, logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		tokens:  tokens,
		store:   store,
		clients: make(map[*hubClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the client loop.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client, err := h.handshake(conn)
	if err != nil {
		h.logger.Warn("handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("channel client connected", zap.String("user_id", client.userID))

	h.readLoop(client)

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Info("channel client disconnected", zap.String("user_id", client.userID))
}

// Broadcast sends an event frame to every client subscribed to topic.
func (h *Hub) Broadcast(topic string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("unencodable broadcast payload", zap.Error(err))
		return
	}
	frame := channel.Frame{
		ID:        uuid.NewString(),
		Type:      channel.FrameEvent,
		Topic:     topic,
		Payload:   raw,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if !client.subscribed(topic) {
			continue
		}
		if err := client.write(frame); err != nil {
			h.logger.Debug("broadcast write failed",
				zap.String("user_id", client.userID), zap.Error(err))
		}
	}
}

func (h *Hub) handshake(conn *websocket.Conn) (*hubClient, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	var frame channel.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var payload channel.AuthPayload
	if frame.Type != channel.FrameAuth || json.Unmarshal(frame.Payload, &payload) != nil {
		return nil, errInvalidHandshake
	}
	claims, err := h.tokens.ParseToken(payload.Token)
	if err != nil {
		return nil, err
	}

	client := &hubClient{
		userID: claims.UserID,
		role:   claims.Role,
		conn:   conn,
		topics: make(map[string]struct{}),
	}
	if err := client.write(channel.Frame{
		ID:        uuid.NewString(),
		Type:      channel.FrameAuthOK,
		Timestamp: time.Now(),
	}); err != nil {
		return nil, err
	}
	return client, nil
}

func (h *Hub) readLoop(client *hubClient) {
	for {
		var frame channel.Frame
		if err := client.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case channel.FrameSubscribe:
			client.subscribe(frame.Topic)
		case channel.FrameUnsubscribe:
			client.unsubscribe(frame.Topic)
		case channel.FramePublish:
			h.handlePublish(client, frame)
		default:
			h.logger.Debug("ignoring frame", zap.String("type", string(frame.Type)))
		}
	}
}

// handlePublish routes a client directive: chat sends become store
// messages (echoed back by the store broadcast), typing signals are
// relayed verbatim with the identity pinned to the authenticated user.
func (h *Hub) handlePublish(client *hubClient, frame channel.Frame) {
	ticketID, kind, ok := splitTicketTopic(frame.Topic)
	if !ok {
		h.logger.Debug("publish on unknown destination", zap.String("topic", frame.Topic))
		return
	}

	switch kind {
	case "send":
		var payload channel.ChatPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.logger.Warn("unparseable chat payload", zap.Error(err))
			return
		}
		actor := Actor{UserID: client.userID, Role: client.role}
		if _, err := h.store.AddMessage(actor, ticketID, payload.Body, payload.Internal); err != nil {
			h.logger.Warn("channel send rejected",
				zap.String("ticket_id", ticketID), zap.Error(err))
		}
	case "typing":
		var payload channel.TypingPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.logger.Warn("unparseable typing payload", zap.Error(err))
			return
		}
		payload.UserID = client.userID
		h.Broadcast(channel.TypingTopic(ticketID), payload)
	default:
		h.logger.Debug("publish on read-only topic", zap.String("topic", frame.Topic))
	}
}

func (c *hubClient) subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
}

func (c *hubClient) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *hubClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *hubClient) write(frame channel.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

// splitTicketTopic parses "ticket.<id>.<kind>" destinations.
func splitTicketTopic(topic string) (ticketID, kind string, ok bool) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "ticket" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
