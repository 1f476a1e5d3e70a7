package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/collab"
	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

// Collaborator is the slice of the REST client the workflow depends on.
type Collaborator interface {
	CreateAssignment(ctx context.Context, ticketID string, input collab.AssignmentInput) (*domain.Assignment, error)
	AcceptAssignment(ctx context.Context, assignmentID string) (*domain.Assignment, error)
	RejectAssignment(ctx context.Context, assignmentID, reason string) (*domain.Assignment, error)
	CurrentAssignment(ctx context.Context, ticketID string) (*domain.Assignment, error)
}

// Workflow tracks the hand-off state for one ticket. It keeps a single
// "current" assignment locally so the UI never shows two pending
// hand-offs at once; a newer pending assignment supersedes the old one
// for display while the collaborator remains responsible for settling
// the superseded record.
type Workflow struct {
	ticketID string
	api      Collaborator
	logger   *zap.Logger

	mu      sync.Mutex
	current *domain.Assignment
}

// NewWorkflow constructs a workflow scoped to one ticket.
func NewWorkflow(ticketID string, api Collaborator, logger *zap.Logger) *Workflow {
	return &Workflow{ticketID: ticketID, api: api, logger: logger}
}

// Escalate creates a new assignment for the ticket. It fails loudly
// when the ticket status no longer permits reassignment.
func (w *Workflow) Escalate(ctx context.Context, ticket *domain.Ticket, input collab.AssignmentInput) (*domain.Assignment, error) {
	if ticket.Status == domain.TicketStatusClosed || ticket.Status == domain.TicketStatusResolved {
		return nil, util.NewConflict("ticket can no longer be reassigned",
			map[string]any{"status": ticket.Status})
	}
	if input.ToLineID == nil && input.ToUserID == nil {
		return nil, util.NewValidationError("assignment needs a target line or user", nil)
	}

	created, err := w.api.CreateAssignment(ctx, w.ticketID, input)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.current = created
	w.mu.Unlock()
	return created, nil
}

// Accept transitions a pending assignment to ACCEPTED. Accepting an
// already-decided assignment is a benign no-op: the local view is
// refreshed from the collaborator and no error escapes.
func (w *Workflow) Accept(ctx context.Context, assignmentID string) (*domain.Assignment, error) {
	decided, err := w.api.AcceptAssignment(ctx, assignmentID)
	if err != nil {
		return w.settleStale(ctx, err)
	}
	w.apply(decided)
	return decided, nil
}

// Reject transitions a pending assignment to REJECTED. The reason is
// mandatory and retained for audit display. Stale rejects behave like
// stale accepts: refresh, no error.
func (w *Workflow) Reject(ctx context.Context, assignmentID, reason string) (*domain.Assignment, error) {
	if reason == "" {
		return nil, util.NewValidationError("rejection reason is required", nil)
	}
	decided, err := w.api.RejectAssignment(ctx, assignmentID, reason)
	if err != nil {
		return w.settleStale(ctx, err)
	}
	w.apply(decided)
	return decided, nil
}

// Current returns the newest known assignment for the ticket, pending
// or decided, or nil when none exists.
func (w *Workflow) Current() *domain.Assignment {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	copied := *w.current
	return &copied
}

// Pending returns the current assignment only while it awaits a
// decision.
func (w *Workflow) Pending() *domain.Assignment {
	current := w.Current()
	if current == nil || current.Status != domain.AssignmentStatusPending {
		return nil
	}
	return current
}

// Bind subscribes the workflow to the global assignment stream and
// returns the release function.
func (w *Workflow) Bind(mgr *channel.Manager) func() {
	return mgr.Subscribe(channel.TopicAssignments, w.HandleFrame)
}

// HandleFrame merges an assignment event from the channel.
func (w *Workflow) HandleFrame(frame channel.Frame) {
	var assignment domain.Assignment
	if err := json.Unmarshal(frame.Payload, &assignment); err != nil {
		w.logger.Warn("unparseable assignment event", zap.Error(err))
		return
	}
	if assignment.TicketID != w.ticketID {
		return
	}
	w.apply(&assignment)
}

// apply folds a server-side assignment state into the local view.
func (w *Workflow) apply(assignment *domain.Assignment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.current == nil:
		w.current = assignment
	case w.current.ID == assignment.ID:
		w.current = assignment
	case assignment.Status == domain.AssignmentStatusPending &&
		!assignment.CreatedAt.Before(w.current.CreatedAt):
		// a newer pending hand-off supersedes the displayed one
		w.current = assignment
	}
}

// settleStale converts a collaborator conflict on a terminal
// assignment into a silent refresh. Any other failure propagates.
func (w *Workflow) settleStale(ctx context.Context, cause error) (*domain.Assignment, error) {
	var domainErr *util.DomainError
	if !errors.As(cause, &domainErr) || domainErr.HTTPStatus != http.StatusConflict {
		return nil, cause
	}
	w.logger.Debug("stale assignment decision, refreshing", zap.String("ticket_id", w.ticketID))

	refreshed, err := w.api.CurrentAssignment(ctx, w.ticketID)
	if err != nil {
		if util.IsCode(err, "NOT_FOUND") {
			w.mu.Lock()
			w.current = nil
			w.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}
	w.mu.Lock()
	w.current = refreshed
	w.mu.Unlock()
	return refreshed, nil
}
