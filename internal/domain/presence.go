package domain

import "time"

// TypingIndicator is a transient presence signal. It is never
// persisted; its lifetime is bounded by an expiry timer on the
// receiving side.
type TypingIndicator struct {
	TicketID string    `json:"ticket_id"`
	UserID   string    `json:"user_id"`
	Typing   bool      `json:"typing"`
	At       time.Time `json:"at"`
}
