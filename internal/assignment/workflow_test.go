package assignment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/collab"
	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

type fakeCollab struct {
	created    *domain.Assignment
	acceptErr  error
	rejectErr  error
	current    *domain.Assignment
	currentErr error

	accepted []string
	rejected []string
}

func (f *fakeCollab) CreateAssignment(_ context.Context, ticketID string, input collab.AssignmentInput) (*domain.Assignment, error) {
	created := &domain.Assignment{
		ID:        "a-created",
		TicketID:  ticketID,
		ToLineID:  input.ToLineID,
		ToUserID:  input.ToUserID,
		Mode:      input.Mode,
		Note:      input.Note,
		Status:    domain.AssignmentStatusPending,
		CreatedAt: time.Now(),
	}
	f.created = created
	return created, nil
}

func (f *fakeCollab) AcceptAssignment(_ context.Context, assignmentID string) (*domain.Assignment, error) {
	f.accepted = append(f.accepted, assignmentID)
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	now := time.Now()
	return &domain.Assignment{ID: assignmentID, TicketID: "t-1", Status: domain.AssignmentStatusAccepted, DecidedAt: &now}, nil
}

func (f *fakeCollab) RejectAssignment(_ context.Context, assignmentID, reason string) (*domain.Assignment, error) {
	f.rejected = append(f.rejected, assignmentID)
	if f.rejectErr != nil {
		return nil, f.rejectErr
	}
	now := time.Now()
	return &domain.Assignment{ID: assignmentID, TicketID: "t-1", Status: domain.AssignmentStatusRejected, RejectReason: &reason, DecidedAt: &now}, nil
}

func (f *fakeCollab) CurrentAssignment(context.Context, string) (*domain.Assignment, error) {
	if f.currentErr != nil {
		return nil, f.currentErr
	}
	return f.current, nil
}

func strPtr(s string) *string { return &s }

func TestEscalate_RejectedWhenTicketNoLongerReassignable(t *testing.T) {
	req := require.New(t)
	api := &fakeCollab{}
	wf := NewWorkflow("t-1", api, zap.NewNop())

	for _, status := range []domain.TicketStatus{domain.TicketStatusClosed, domain.TicketStatusResolved} {
		ticket := &domain.Ticket{ID: "t-1", Status: status}
		_, err := wf.Escalate(context.Background(), ticket, collab.AssignmentInput{
			ToLineID: strPtr("line-2"), Mode: domain.AssignmentModeLine,
		})
		req.Error(err, "status %s", status)
		req.Nil(api.created)
	}
}

func TestEscalate_RequiresATarget(t *testing.T) {
	req := require.New(t)
	wf := NewWorkflow("t-1", &fakeCollab{}, zap.NewNop())
	ticket := &domain.Ticket{ID: "t-1", Status: domain.TicketStatusOpen}

	_, err := wf.Escalate(context.Background(), ticket, collab.AssignmentInput{Mode: domain.AssignmentModeLine})
	req.Error(err)
}

func TestEscalate_SetsCurrent(t *testing.T) {
	req := require.New(t)
	wf := NewWorkflow("t-1", &fakeCollab{}, zap.NewNop())
	ticket := &domain.Ticket{ID: "t-1", Status: domain.TicketStatusOpen}

	created, err := wf.Escalate(context.Background(), ticket, collab.AssignmentInput{
		ToUserID: strPtr("u-specialist"), Mode: domain.AssignmentModeDirect, Note: "needs L2",
	})
	req.NoError(err)
	req.Equal(domain.AssignmentStatusPending, created.Status)
	req.Equal(created.ID, wf.Pending().ID)
}

func TestAccept_StaleDecisionIsANoOpRefresh(t *testing.T) {
	req := require.New(t)

	// Given the collaborator already decided this assignment
	refreshed := &domain.Assignment{ID: "a-1", TicketID: "t-1", Status: domain.AssignmentStatusAccepted}
	api := &fakeCollab{
		acceptErr: util.NewStaleAction("assignment already decided", nil),
		current:   refreshed,
	}
	wf := NewWorkflow("t-1", api, zap.NewNop())

	// When accepting it again
	decided, err := wf.Accept(context.Background(), "a-1")

	// Then no error escapes and the local view is refreshed
	req.NoError(err)
	req.Equal(domain.AssignmentStatusAccepted, decided.Status)
	req.Nil(wf.Pending())
}

func TestReject_RequiresReason(t *testing.T) {
	req := require.New(t)
	api := &fakeCollab{}
	wf := NewWorkflow("t-1", api, zap.NewNop())

	_, err := wf.Reject(context.Background(), "a-1", "")
	req.Error(err)
	req.Empty(api.rejected)
}

func TestReject_RetainsReason(t *testing.T) {
	req := require.New(t)
	wf := NewWorkflow("t-1", &fakeCollab{}, zap.NewNop())

	decided, err := wf.Reject(context.Background(), "a-1", "wrong line")
	req.NoError(err)
	req.Equal(domain.AssignmentStatusRejected, decided.Status)
	req.Equal("wrong line", *decided.RejectReason)
}

func TestAccept_NonConflictErrorPropagates(t *testing.T) {
	req := require.New(t)
	api := &fakeCollab{acceptErr: util.NewNotFound("assignment", nil)}
	wf := NewWorkflow("t-1", api, zap.NewNop())

	_, err := wf.Accept(context.Background(), "a-missing")
	req.Error(err)
}

func TestHandleFrame_NewestPendingSupersedes(t *testing.T) {
	req := require.New(t)
	wf := NewWorkflow("t-1", &fakeCollab{}, zap.NewNop())
	base := time.Now()

	// Given two pending assignments arriving for the same ticket
	wf.HandleFrame(assignmentFrame(t, domain.Assignment{
		ID: "a-old", TicketID: "t-1", Status: domain.AssignmentStatusPending, CreatedAt: base,
	}))
	wf.HandleFrame(assignmentFrame(t, domain.Assignment{
		ID: "a-new", TicketID: "t-1", Status: domain.AssignmentStatusPending, CreatedAt: base.Add(time.Second),
	}))

	// Then only the newest is shown as pending
	req.Equal("a-new", wf.Pending().ID)

	// And a terminal event for a superseded assignment does not clobber it
	wf.HandleFrame(assignmentFrame(t, domain.Assignment{
		ID: "a-old", TicketID: "t-1", Status: domain.AssignmentStatusRejected, CreatedAt: base,
	}))
	req.Equal("a-new", wf.Pending().ID)
}

func TestHandleFrame_IgnoresOtherTickets(t *testing.T) {
	req := require.New(t)
	wf := NewWorkflow("t-1", &fakeCollab{}, zap.NewNop())

	wf.HandleFrame(assignmentFrame(t, domain.Assignment{
		ID: "a-1", TicketID: "t-other", Status: domain.AssignmentStatusPending, CreatedAt: time.Now(),
	}))
	req.Nil(wf.Current())
}

func assignmentFrame(t *testing.T, assignment domain.Assignment) channel.Frame {
	t.Helper()
	raw, err := json.Marshal(assignment)
	require.NoError(t, err)
	return channel.Frame{Type: channel.FrameEvent, Topic: channel.TopicAssignments, Payload: raw}
}
