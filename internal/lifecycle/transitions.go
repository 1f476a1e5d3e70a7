package lifecycle

import (
	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

// The transition tables are keyed by (current status, role class) so
// the staff and requester rules live in one lookup instead of being
// duplicated across call sites. The collaborator evaluates the same
// tables server-side; the client consults them before attempting any
// change so illegal transitions are rejected without a round trip.
//
// CLOSED never appears as a target: it is reachable only through the
// closure confirmation protocol. REJECTED and CANCELLED are terminal.

type roleClass int

const (
	classStaff roleClass = iota
	classRequester
)

func classOf(role domain.ActorRole) roleClass {
	if role.Staff() {
		return classStaff
	}
	return classRequester
}

type transitionKey struct {
	from  domain.TicketStatus
	class roleClass
}

var transitions = map[transitionKey][]domain.TicketStatus{
	{domain.TicketStatusNew, classStaff}: {
		domain.TicketStatusOpen, domain.TicketStatusPending, domain.TicketStatusEscalated,
		domain.TicketStatusResolved, domain.TicketStatusRejected, domain.TicketStatusCancelled,
	},
	{domain.TicketStatusNew, classRequester}: {
		domain.TicketStatusCancelled,
	},
	{domain.TicketStatusOpen, classStaff}: {
		domain.TicketStatusPending, domain.TicketStatusEscalated,
		domain.TicketStatusResolved, domain.TicketStatusCancelled,
	},
	{domain.TicketStatusOpen, classRequester}: {
		domain.TicketStatusCancelled,
	},
	{domain.TicketStatusPending, classStaff}: {
		domain.TicketStatusOpen, domain.TicketStatusEscalated,
		domain.TicketStatusResolved, domain.TicketStatusCancelled,
	},
	{domain.TicketStatusPending, classRequester}: {
		// replying to a pending question reopens the conversation
		domain.TicketStatusOpen, domain.TicketStatusCancelled,
	},
	{domain.TicketStatusEscalated, classStaff}: {
		domain.TicketStatusOpen, domain.TicketStatusPending,
		domain.TicketStatusResolved, domain.TicketStatusCancelled,
	},
	{domain.TicketStatusResolved, classStaff}: {
		domain.TicketStatusPendingClosure, domain.TicketStatusReopened,
	},
	{domain.TicketStatusResolved, classRequester}: {
		domain.TicketStatusReopened,
	},
	{domain.TicketStatusReopened, classStaff}: {
		domain.TicketStatusOpen, domain.TicketStatusPending, domain.TicketStatusEscalated,
		domain.TicketStatusResolved, domain.TicketStatusCancelled,
	},
	{domain.TicketStatusReopened, classRequester}: {
		domain.TicketStatusCancelled,
	},
	// PENDING_CLOSURE resolves only through the closure protocol.
	// CLOSED, REJECTED, CANCELLED have no outbound edges.
}

// AllowedNext returns the transition targets legal for the role from
// the given status. The returned slice is shared; do not mutate it.
func AllowedNext(from domain.TicketStatus, role domain.ActorRole) []domain.TicketStatus {
	return transitions[transitionKey{from: from, class: classOf(role)}]
}

// CanTransition reports whether the role may move a ticket from one
// status to another.
func CanTransition(from, to domain.TicketStatus, role domain.ActorRole) bool {
	for _, candidate := range AllowedNext(from, role) {
		if candidate == to {
			return true
		}
	}
	return false
}

// AttemptTransition applies the status change when it is legal for the
// acting role and rejects it without mutating the ticket otherwise.
func AttemptTransition(ticket *domain.Ticket, target domain.TicketStatus, role domain.ActorRole) error {
	if !CanTransition(ticket.Status, target, role) {
		return util.NewIllegalTransition(string(ticket.Status), string(target), string(role))
	}
	ticket.Status = target
	return nil
}
