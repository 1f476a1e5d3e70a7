package lifecycle

import (
	"time"

	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

// Closure confirmation is a two-party micro-protocol: a specialist
// requests closure from RESOLVED, and only the ticket's requester may
// settle PENDING_CLOSURE, either by confirming (CLOSED) or by sending
// it back (REOPENED). The requesting specialist can never confirm
// their own request.

// RequestClosure moves a RESOLVED ticket to PENDING_CLOSURE on behalf
// of a specialist, recording who asked so confirmation can enforce
// separation of roles.
func RequestClosure(ticket *domain.Ticket, actorID string, role domain.ActorRole) error {
	if !role.Staff() {
		return util.NewForbidden("only staff may request closure")
	}
	if ticket.Status != domain.TicketStatusResolved {
		return util.NewIllegalTransition(string(ticket.Status), string(domain.TicketStatusPendingClosure), string(role))
	}
	ticket.Status = domain.TicketStatusPendingClosure
	ticket.ClosureRequestedBy = &actorID
	return nil
}

// ConfirmClosure closes a PENDING_CLOSURE ticket as the requester. An
// optional satisfaction rating (1-5) may accompany the confirmation;
// it is validated here and forwarded to the collaborator untouched.
func ConfirmClosure(ticket *domain.Ticket, actorID string, role domain.ActorRole, rating *int, now time.Time) error {
	if err := checkClosureActor(ticket, actorID, role); err != nil {
		return err
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		return util.NewValidationError("rating must be between 1 and 5", map[string]any{"rating": *rating})
	}
	ticket.Status = domain.TicketStatusClosed
	ticket.ClosedAt = &now
	return nil
}

// RejectClosure sends a PENDING_CLOSURE ticket back to REOPENED as the
// requester. The reason is optional.
func RejectClosure(ticket *domain.Ticket, actorID string, role domain.ActorRole) error {
	if err := checkClosureActor(ticket, actorID, role); err != nil {
		return err
	}
	ticket.Status = domain.TicketStatusReopened
	ticket.ClosureRequestedBy = nil
	return nil
}

func checkClosureActor(ticket *domain.Ticket, actorID string, role domain.ActorRole) error {
	if ticket.Status != domain.TicketStatusPendingClosure {
		return util.NewIllegalTransition(string(ticket.Status), string(domain.TicketStatusClosed), string(role))
	}
	if role != domain.RoleRequester || ticket.RequesterID != actorID {
		return util.NewForbidden("only the ticket requester may settle a pending closure")
	}
	if ticket.ClosureRequestedBy != nil && *ticket.ClosureRequestedBy == actorID {
		return util.NewForbidden("closure requester may not confirm their own request")
	}
	return nil
}
