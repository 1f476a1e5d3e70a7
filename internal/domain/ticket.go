package domain

import "time"

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusNew            TicketStatus = "NEW"
	TicketStatusOpen           TicketStatus = "OPEN"
	TicketStatusPending        TicketStatus = "PENDING"
	TicketStatusEscalated      TicketStatus = "ESCALATED"
	TicketStatusResolved       TicketStatus = "RESOLVED"
	TicketStatusPendingClosure TicketStatus = "PENDING_CLOSURE"
	TicketStatusClosed         TicketStatus = "CLOSED"
	TicketStatusReopened       TicketStatus = "REOPENED"
	TicketStatusRejected       TicketStatus = "REJECTED"
	TicketStatusCancelled      TicketStatus = "CANCELLED"
)

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow    TicketPriority = "LOW"
	TicketPriorityMedium TicketPriority = "MEDIUM"
	TicketPriorityHigh   TicketPriority = "HIGH"
	TicketPriorityUrgent TicketPriority = "URGENT"
)

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID                 string         `json:"id"`
	Subject            string         `json:"subject"`
	Status             TicketStatus   `json:"status"`
	Priority           TicketPriority `json:"priority"`
	RequesterID        string         `json:"requester_id"`
	AssigneeID         *string        `json:"assignee_id,omitempty"`
	LineID             *string        `json:"line_id,omitempty"`
	CurrentAssignment  *Assignment    `json:"current_assignment,omitempty"`
	ClosureRequestedBy *string        `json:"closure_requested_by,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ClosedAt           *time.Time     `json:"closed_at,omitempty"`
}
