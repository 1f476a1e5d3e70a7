package domain

import "time"

// Message captures communications in a ticket thread.
type Message struct {
	ID          string       `json:"id"`
	TicketID    string       `json:"ticket_id"`
	AuthorID    string       `json:"author_id"`
	AuthorRole  ActorRole    `json:"author_role"`
	Body        string       `json:"body"`
	Internal    bool         `json:"internal"`
	Edited      bool         `json:"edited"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Attachment stores metadata for a file attached to a message.
// MessageID may be empty on arrival when the owning message is not
// known locally yet.
type Attachment struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	FileName   string    `json:"file_name"`
	MimeType   string    `json:"mime_type"`
	SizeBytes  int64     `json:"size_bytes"`
	StorageKey string    `json:"storage_key"`
	CreatedAt  time.Time `json:"created_at"`
}
