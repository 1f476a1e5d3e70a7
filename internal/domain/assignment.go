package domain

import "time"

// AssignmentStatus tracks the hand-off decision for one assignment.
type AssignmentStatus string

const (
	AssignmentStatusPending  AssignmentStatus = "PENDING"
	AssignmentStatusAccepted AssignmentStatus = "ACCEPTED"
	AssignmentStatusRejected AssignmentStatus = "REJECTED"
)

// Terminal reports whether the assignment reached a final decision.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentStatusAccepted || s == AssignmentStatusRejected
}

// AssignmentMode distinguishes routing to a support line from routing
// to a named specialist.
type AssignmentMode string

const (
	AssignmentModeLine   AssignmentMode = "LINE"
	AssignmentModeDirect AssignmentMode = "DIRECT"
)

// Assignment models one hand-off of a ticket between lines/specialists.
type Assignment struct {
	ID           string           `json:"id"`
	TicketID     string           `json:"ticket_id"`
	FromLineID   *string          `json:"from_line_id,omitempty"`
	FromUserID   *string          `json:"from_user_id,omitempty"`
	ToLineID     *string          `json:"to_line_id,omitempty"`
	ToUserID     *string          `json:"to_user_id,omitempty"`
	Mode         AssignmentMode   `json:"mode"`
	Note         string           `json:"note,omitempty"`
	Status       AssignmentStatus `json:"status"`
	RejectReason *string          `json:"reject_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
}
