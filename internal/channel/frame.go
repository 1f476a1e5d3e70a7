package channel

import (
	"encoding/json"
	"time"
)

// FrameType enumerates wire frame kinds.
type FrameType string

const (
	FrameAuth        FrameType = "auth"
	FrameAuthOK      FrameType = "auth_ok"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
	FrameEvent       FrameType = "event"
	FrameError       FrameType = "error"
)

// Frame is the JSON envelope for all channel traffic.
type Frame struct {
	ID        string          `json:"id"`
	Type      FrameType       `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// AuthPayload carries the handshake token in the first client frame.
type AuthPayload struct {
	Token string `json:"token"`
}

// ChatPayload is published on a ticket's send destination.
type ChatPayload struct {
	Body     string `json:"body"`
	Internal bool   `json:"internal"`
}

// TypingPayload is published on a ticket's typing destination.
type TypingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// Per-ticket topics. The send destination is write-only; the server
// echoes accepted messages back on the messages/internal topics.
func MessagesTopic(ticketID string) string    { return "ticket." + ticketID + ".messages" }
func InternalTopic(ticketID string) string    { return "ticket." + ticketID + ".internal" }
func TypingTopic(ticketID string) string      { return "ticket." + ticketID + ".typing" }
func AttachmentsTopic(ticketID string) string { return "ticket." + ticketID + ".attachments" }
func SendDestination(ticketID string) string  { return "ticket." + ticketID + ".send" }

// Global topics.
const (
	TopicNewTickets  = "tickets.new"
	TopicAssignments = "assignments"
)
