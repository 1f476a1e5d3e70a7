package simulator

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/domain"
	"github.com/spec-kit/ticket-collab/internal/lifecycle"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

// Broadcaster fans an event frame out to every channel client
// subscribed to a topic.
type Broadcaster interface {
	Broadcast(topic string, payload any)
}

// Actor identifies the authenticated caller of a store operation.
type Actor struct {
	UserID string
	Role   domain.ActorRole
}

// Store is the in-memory collaborator state. It enforces the same
// lifecycle and assignment rules the client consults, so the simulator
// rejects exactly what the production collaborator would.
type Store struct {
	logger *zap.Logger

	mu          sync.Mutex
	hub         Broadcaster
	tickets     map[string]*domain.Ticket
	messages    map[string][]domain.Message
	assignments map[string][]domain.Assignment
	pendingUp   map[string]domain.Attachment
	unread      map[string]int
}

// NewStore constructs an empty store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		logger:      logger,
		tickets:     make(map[string]*domain.Ticket),
		messages:    make(map[string][]domain.Message),
		assignments: make(map[string][]domain.Assignment),
		pendingUp:   make(map[string]domain.Attachment),
		unread:      make(map[string]int),
	}
}

// SetBroadcaster wires the channel hub in after construction.
func (s *Store) SetBroadcaster(hub Broadcaster) {
	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()
}

// CreateTicket opens a new ticket for a requester.
func (s *Store) CreateTicket(actor Actor, subject string, priority domain.TicketPriority) (*domain.Ticket, error) {
	if subject == "" {
		return nil, util.NewValidationError("subject is required", nil)
	}
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	now := time.Now()
	ticket := &domain.Ticket{
		ID:          uuid.NewString(),
		Subject:     subject,
		Status:      domain.TicketStatusNew,
		Priority:    priority,
		RequesterID: actor.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.tickets[ticket.ID] = ticket
	copied := *ticket
	s.mu.Unlock()

	s.broadcast(channel.TopicNewTickets, copied)
	return &copied, nil
}

// Ticket returns one ticket.
func (s *Store) Ticket(ticketID string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	copied := *ticket
	return &copied, nil
}

// Messages returns the ticket thread most-recent-first, internal notes
// filtered for requesters.
func (s *Store) Messages(actor Actor, ticketID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	msgs := lo.Filter(s.messages[ticketID], func(m domain.Message, _ int) bool {
		return actor.Role.Staff() || !m.Internal
	})
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// AddMessage appends a message to a ticket thread and echoes it on the
// matching channel topic.
func (s *Store) AddMessage(actor Actor, ticketID, body string, internal bool) (*domain.Message, error) {
	if body == "" {
		return nil, util.NewValidationError("body is required", nil)
	}
	if internal && !actor.Role.Staff() {
		return nil, util.NewForbidden("requesters cannot post internal notes")
	}

	s.mu.Lock()
	if _, ok := s.tickets[ticketID]; !ok {
		s.mu.Unlock()
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	now := time.Now()
	msg := domain.Message{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		AuthorID:   actor.UserID,
		AuthorRole: actor.Role,
		Body:       body,
		Internal:   internal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.messages[ticketID] = append(s.messages[ticketID], msg)
	s.unread[ticketID]++
	s.mu.Unlock()

	s.broadcast(messageTopic(msg), msg)
	return &msg, nil
}

// EditMessage updates a message body; only the author may edit.
func (s *Store) EditMessage(actor Actor, messageID, body string) (*domain.Message, error) {
	if body == "" {
		return nil, util.NewValidationError("body is required", nil)
	}

	s.mu.Lock()
	msg, ticketID, idx, err := s.findMessageLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if msg.AuthorID != actor.UserID {
		s.mu.Unlock()
		return nil, util.NewForbidden("only the author may edit a message")
	}
	msg.Body = body
	msg.Edited = true
	msg.UpdatedAt = time.Now()
	s.messages[ticketID][idx] = *msg
	copied := *msg
	s.mu.Unlock()

	s.broadcast(messageTopic(copied), copied)
	return &copied, nil
}

// DeleteMessage removes a message; the author or any staff may delete.
func (s *Store) DeleteMessage(actor Actor, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ticketID, idx, err := s.findMessageLocked(messageID)
	if err != nil {
		return err
	}
	if msg.AuthorID != actor.UserID && !actor.Role.Staff() {
		return util.NewForbidden("only the author or staff may delete a message")
	}
	s.messages[ticketID] = append(s.messages[ticketID][:idx], s.messages[ticketID][idx+1:]...)
	return nil
}

// MarkRead clears the unread counter for a ticket.
func (s *Store) MarkRead(ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	s.unread[ticketID] = 0
	return nil
}

// UnreadCount returns the unread counter for a ticket.
func (s *Store) UnreadCount(ticketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return 0, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	return s.unread[ticketID], nil
}

// IssueUpload reserves an attachment slot for a message and returns
// the attachment pending confirmation.
func (s *Store) IssueUpload(messageID, fileName, mimeType string, sizeBytes int64) (*domain.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, _, err := s.findMessageLocked(messageID); err != nil {
		return nil, err
	}
	att := domain.Attachment{
		ID:         uuid.NewString(),
		MessageID:  messageID,
		FileName:   fileName,
		MimeType:   mimeType,
		SizeBytes:  sizeBytes,
		StorageKey: "uploads/" + uuid.NewString(),
		CreatedAt:  time.Now(),
	}
	s.pendingUp[att.ID] = att
	return &att, nil
}

// ConfirmUpload attaches a previously issued upload to its message and
// announces it on the ticket's attachment topic.
func (s *Store) ConfirmUpload(attachmentID string) (*domain.Attachment, error) {
	s.mu.Lock()
	att, ok := s.pendingUp[attachmentID]
	if !ok {
		s.mu.Unlock()
		return nil, util.NewNotFound("attachment", map[string]any{"attachment_id": attachmentID})
	}
	delete(s.pendingUp, attachmentID)
	msg, ticketID, idx, err := s.findMessageLocked(att.MessageID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	msg.Attachments = append(msg.Attachments, att)
	s.messages[ticketID][idx] = *msg
	s.mu.Unlock()

	s.broadcast(channel.AttachmentsTopic(ticketID), att)
	return &att, nil
}

// ChangeStatus applies a status transition, validating it against the
// role-scoped tables. PENDING_CLOSURE goes through the closure request
// path so the asking specialist is recorded.
func (s *Store) ChangeStatus(actor Actor, ticketID string, target domain.TicketStatus, comment string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}

	var err error
	if target == domain.TicketStatusPendingClosure {
		err = lifecycle.RequestClosure(ticket, actor.UserID, actor.Role)
	} else {
		err = lifecycle.AttemptTransition(ticket, target, actor.Role)
	}
	if err != nil {
		return nil, err
	}
	ticket.UpdatedAt = time.Now()
	s.logger.Info("ticket status changed",
		zap.String("ticket_id", ticketID),
		zap.String("status", string(target)),
		zap.String("comment", comment))
	copied := *ticket
	return &copied, nil
}

// Take assigns the ticket to the calling specialist and opens it when
// still NEW.
func (s *Store) Take(actor Actor, ticketID string) (*domain.Ticket, error) {
	if !actor.Role.Staff() {
		return nil, util.NewForbidden("only staff may take a ticket")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	userID := actor.UserID
	ticket.AssigneeID = &userID
	if ticket.Status == domain.TicketStatusNew {
		ticket.Status = domain.TicketStatusOpen
	}
	ticket.UpdatedAt = time.Now()
	copied := *ticket
	return &copied, nil
}

// ConfirmClosure settles a pending closure as the requester.
func (s *Store) ConfirmClosure(actor Actor, ticketID string, rating *int) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	if err := lifecycle.ConfirmClosure(ticket, actor.UserID, actor.Role, rating, time.Now()); err != nil {
		return nil, err
	}
	ticket.UpdatedAt = time.Now()
	if rating != nil {
		s.logger.Info("satisfaction rating recorded",
			zap.String("ticket_id", ticketID), zap.Int("rating", *rating))
	}
	copied := *ticket
	return &copied, nil
}

// RejectClosure reopens a ticket whose closure the requester declined.
func (s *Store) RejectClosure(actor Actor, ticketID, reason string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	if err := lifecycle.RejectClosure(ticket, actor.UserID, actor.Role); err != nil {
		return nil, err
	}
	ticket.UpdatedAt = time.Now()
	if reason != "" {
		s.logger.Info("closure rejected",
			zap.String("ticket_id", ticketID), zap.String("reason", reason))
	}
	copied := *ticket
	return &copied, nil
}

// CreateAssignment escalates a ticket. A new assignment supersedes any
// still-pending one for display; the old record stays in history until
// its target settles it.
func (s *Store) CreateAssignment(actor Actor, ticketID string, toLineID, toUserID *string, mode domain.AssignmentMode, note string) (*domain.Assignment, error) {
	if !actor.Role.Staff() {
		return nil, util.NewForbidden("only staff may escalate")
	}
	if toLineID == nil && toUserID == nil {
		return nil, util.NewValidationError("assignment needs a target line or user", nil)
	}

	s.mu.Lock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		s.mu.Unlock()
		return nil, util.NewNotFound("ticket", map[string]any{"ticket_id": ticketID})
	}
	if ticket.Status == domain.TicketStatusClosed || ticket.Status == domain.TicketStatusResolved {
		s.mu.Unlock()
		return nil, util.NewConflict("ticket can no longer be reassigned",
			map[string]any{"status": ticket.Status})
	}

	userID := actor.UserID
	assignment := domain.Assignment{
		ID:         uuid.NewString(),
		TicketID:   ticketID,
		FromLineID: ticket.LineID,
		FromUserID: &userID,
		ToLineID:   toLineID,
		ToUserID:   toUserID,
		Mode:       mode,
		Note:       note,
		Status:     domain.AssignmentStatusPending,
		CreatedAt:  time.Now(),
	}
	s.assignments[ticketID] = append(s.assignments[ticketID], assignment)
	copied := assignment
	ticket.CurrentAssignment = &copied
	if lifecycle.CanTransition(ticket.Status, domain.TicketStatusEscalated, actor.Role) {
		ticket.Status = domain.TicketStatusEscalated
	}
	ticket.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.broadcast(channel.TopicAssignments, assignment)
	return &assignment, nil
}

// AcceptAssignment settles a pending assignment in favor of the
// target. A decision on an already-terminal assignment is a stale
// action conflict.
func (s *Store) AcceptAssignment(actor Actor, assignmentID string) (*domain.Assignment, error) {
	return s.decideAssignment(actor, assignmentID, domain.AssignmentStatusAccepted, nil)
}

// RejectAssignment settles a pending assignment against the sender,
// retaining the mandatory reason for audit display.
func (s *Store) RejectAssignment(actor Actor, assignmentID, reason string) (*domain.Assignment, error) {
	if reason == "" {
		return nil, util.NewValidationError("rejection reason is required", nil)
	}
	return s.decideAssignment(actor, assignmentID, domain.AssignmentStatusRejected, &reason)
}

func (s *Store) decideAssignment(actor Actor, assignmentID string, target domain.AssignmentStatus, reason *string) (*domain.Assignment, error) {
	if !actor.Role.Staff() {
		return nil, util.NewForbidden("only staff may decide assignments")
	}

	s.mu.Lock()
	var found *domain.Assignment
	var ticketID string
	for tid, list := range s.assignments {
		for i := range list {
			if list[i].ID == assignmentID {
				found = &s.assignments[tid][i]
				ticketID = tid
			}
		}
	}
	if found == nil {
		s.mu.Unlock()
		return nil, util.NewNotFound("assignment", map[string]any{"assignment_id": assignmentID})
	}
	if found.Status.Terminal() {
		s.mu.Unlock()
		return nil, util.NewStaleAction("assignment already decided",
			map[string]any{"assignment_id": assignmentID, "status": found.Status})
	}

	now := time.Now()
	found.Status = target
	found.RejectReason = reason
	found.DecidedAt = &now

	ticket := s.tickets[ticketID]
	if target == domain.AssignmentStatusAccepted {
		ticket.AssigneeID = found.ToUserID
		if found.ToLineID != nil {
			ticket.LineID = found.ToLineID
		}
		if ticket.Status == domain.TicketStatusEscalated {
			ticket.Status = domain.TicketStatusOpen
		}
	}
	if ticket.CurrentAssignment != nil && ticket.CurrentAssignment.ID == found.ID {
		copied := *found
		ticket.CurrentAssignment = &copied
	}
	ticket.UpdatedAt = now
	decided := *found
	s.mu.Unlock()

	s.broadcast(channel.TopicAssignments, decided)
	return &decided, nil
}

// CurrentAssignment returns the newest assignment for a ticket.
func (s *Store) CurrentAssignment(ticketID string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.assignments[ticketID]
	if len(list) == 0 {
		return nil, util.NewNotFound("assignment", map[string]any{"ticket_id": ticketID})
	}
	copied := list[len(list)-1]
	return &copied, nil
}

// AssignmentHistory returns every assignment for a ticket, newest
// first.
func (s *Store) AssignmentHistory(ticketID string) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := slices.Clone(s.assignments[ticketID])
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list, nil
}

// PendingAssignments returns assignments awaiting the caller.
func (s *Store) PendingAssignments(actor Actor) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []domain.Assignment
	for _, list := range s.assignments {
		for _, assignment := range list {
			if assignment.Status != domain.AssignmentStatusPending {
				continue
			}
			if assignment.ToUserID != nil && *assignment.ToUserID != actor.UserID {
				continue
			}
			pending = append(pending, assignment)
		}
	}
	return pending, nil
}

func (s *Store) findMessageLocked(messageID string) (*domain.Message, string, int, error) {
	for ticketID, list := range s.messages {
		for i := range list {
			if list[i].ID == messageID {
				msg := list[i]
				return &msg, ticketID, i, nil
			}
		}
	}
	return nil, "", 0, util.NewNotFound("message", map[string]any{"message_id": messageID})
}

func (s *Store) broadcast(topic string, payload any) {
	s.mu.Lock()
	hub := s.hub
	s.mu.Unlock()
	if hub == nil {
		return
	}
	hub.Broadcast(topic, payload)
}

func messageTopic(msg domain.Message) string {
	if msg.Internal {
		return channel.InternalTopic(msg.TicketID)
	}
	return channel.MessagesTopic(msg.TicketID)
}
