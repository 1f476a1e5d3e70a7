package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

func ticketIn(status domain.TicketStatus) *domain.Ticket {
	return &domain.Ticket{ID: "t-1", RequesterID: "u-req", Status: status}
}

func TestAttemptTransition_RequesterMayCancelButNotResolve(t *testing.T) {
	req := require.New(t)

	// Given a new ticket
	ticket := ticketIn(domain.TicketStatusNew)

	// When the requester tries to resolve it
	err := AttemptTransition(ticket, domain.TicketStatusResolved, domain.RoleRequester)

	// Then the transition is rejected without mutation
	req.Error(err)
	req.True(util.IsCode(err, "ILLEGAL_TRANSITION"))
	req.Equal(domain.TicketStatusNew, ticket.Status)

	// And cancelling is allowed
	req.NoError(AttemptTransition(ticket, domain.TicketStatusCancelled, domain.RoleRequester))
	req.Equal(domain.TicketStatusCancelled, ticket.Status)
}

func TestAttemptTransition_StaffMayResolve(t *testing.T) {
	req := require.New(t)

	ticket := ticketIn(domain.TicketStatusOpen)

	req.NoError(AttemptTransition(ticket, domain.TicketStatusResolved, domain.RoleAgent))
	req.Equal(domain.TicketStatusResolved, ticket.Status)
}

func TestAttemptTransition_ResolvedOnlyReachesClosureOrReopen(t *testing.T) {
	req := require.New(t)

	for _, target := range []domain.TicketStatus{
		domain.TicketStatusOpen,
		domain.TicketStatusClosed,
		domain.TicketStatusCancelled,
	} {
		ticket := ticketIn(domain.TicketStatusResolved)
		req.Error(AttemptTransition(ticket, target, domain.RoleAgent), "target %s", target)
		req.Equal(domain.TicketStatusResolved, ticket.Status)
	}

	ticket := ticketIn(domain.TicketStatusResolved)
	req.NoError(AttemptTransition(ticket, domain.TicketStatusPendingClosure, domain.RoleAgent))

	// the requester may send a resolved ticket back, but not forward
	ticket = ticketIn(domain.TicketStatusResolved)
	req.Error(AttemptTransition(ticket, domain.TicketStatusPendingClosure, domain.RoleRequester))
	req.NoError(AttemptTransition(ticket, domain.TicketStatusReopened, domain.RoleRequester))
}

func TestAttemptTransition_ClosedIsNeverADirectTarget(t *testing.T) {
	req := require.New(t)

	for _, from := range []domain.TicketStatus{
		domain.TicketStatusNew,
		domain.TicketStatusOpen,
		domain.TicketStatusPending,
		domain.TicketStatusEscalated,
		domain.TicketStatusResolved,
		domain.TicketStatusPendingClosure,
		domain.TicketStatusReopened,
	} {
		for _, role := range []domain.ActorRole{domain.RoleRequester, domain.RoleAgent, domain.RoleSupervisor} {
			req.False(CanTransition(from, domain.TicketStatusClosed, role),
				"CLOSED reachable from %s as %s", from, role)
		}
	}
}

func TestAttemptTransition_TerminalStatesHaveNoOutboundEdges(t *testing.T) {
	req := require.New(t)

	all := []domain.TicketStatus{
		domain.TicketStatusNew, domain.TicketStatusOpen, domain.TicketStatusPending,
		domain.TicketStatusEscalated, domain.TicketStatusResolved, domain.TicketStatusPendingClosure,
		domain.TicketStatusClosed, domain.TicketStatusReopened, domain.TicketStatusRejected,
		domain.TicketStatusCancelled,
	}
	for _, from := range []domain.TicketStatus{
		domain.TicketStatusClosed, domain.TicketStatusRejected, domain.TicketStatusCancelled,
	} {
		for _, role := range []domain.ActorRole{domain.RoleRequester, domain.RoleAgent} {
			req.Empty(AllowedNext(from, role))
			for _, target := range all {
				req.Error(AttemptTransition(ticketIn(from), target, role))
			}
		}
	}
}

func TestAttemptTransition_PendingClosureSettlesOnlyViaProtocol(t *testing.T) {
	req := require.New(t)

	// No direct transition leaves PENDING_CLOSURE for either role.
	req.Empty(AllowedNext(domain.TicketStatusPendingClosure, domain.RoleAgent))
	req.Empty(AllowedNext(domain.TicketStatusPendingClosure, domain.RoleRequester))
}
