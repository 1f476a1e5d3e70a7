package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	stdsync "sync"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/collab"
	"github.com/spec-kit/ticket-collab/internal/config"
	"github.com/spec-kit/ticket-collab/internal/domain"
)

// Collaborator is the slice of the REST client the engine depends on.
type Collaborator interface {
	Messages(ctx context.Context, ticketID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, ticketID, body string, internal bool) (*domain.Message, error)
	EditMessage(ctx context.Context, messageID, body string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, ticketID string) error
	Upload(ctx context.Context, messageID string, file collab.FileUpload) (*domain.Attachment, error)
}

// Publisher is the slice of the channel manager the engine depends on.
type Publisher interface {
	Publish(destination string, payload any) error
	Connected() bool
}

// SendFailure carries the undelivered body back to the caller so the
// composer can be restored; outgoing text is never silently lost.
type SendFailure struct {
	Body string
	Err  error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("message send failed: %v", e.Err)
}

func (e *SendFailure) Unwrap() error {
	return e.Err
}

// Engine maintains the ordered, de-duplicated message list for one
// ticket. Messages reach it from two directions: history loads and
// fallback sends through the REST collaborator, and live echoes over
// the channel. Merging is idempotent by message id, so a message
// delivered by both paths appears exactly once.
type Engine struct {
	ticketID string
	api      Collaborator
	ch       Publisher
	buffer   *AttachBuffer
	logger   *zap.Logger

	mu       stdsync.Mutex
	messages []domain.Message
}

// NewEngine constructs an engine for one ticket view.
func NewEngine(ticketID string, api Collaborator, ch Publisher, cfg config.SyncConfig, logger *zap.Logger) *Engine {
	return newEngine(ticketID, api, ch, cfg, logger, clockwork.NewRealClock())
}

func newEngine(ticketID string, api Collaborator, ch Publisher, cfg config.SyncConfig, logger *zap.Logger, clock clockwork.Clock) *Engine {
	return &Engine{
		ticketID: ticketID,
		api:      api,
		ch:       ch,
		buffer:   NewAttachBuffer(cfg.AttachmentTTL(), clock),
		logger:   logger,
	}
}

// LoadHistory fetches the durable message list as the baseline. The
// collaborator serves most-recent-first; the engine keeps chronological
// order. Live messages that arrived before the history response are
// merged back in, and buffered attachments are spliced onto any message
// they were waiting for.
func (e *Engine) LoadHistory(ctx context.Context) error {
	history, err := e.api.Messages(ctx, e.ticketID)
	if err != nil {
		return err
	}
	lo.Reverse(history)

	e.mu.Lock()
	early := e.messages
	e.messages = history
	for _, msg := range early {
		e.mergeLocked(msg)
	}
	for i := range e.messages {
		e.spliceLocked(i, e.buffer.Take(e.messages[i].ID))
	}
	e.mu.Unlock()

	if err := e.api.MarkRead(ctx, e.ticketID); err != nil {
		e.logger.Warn("mark-as-read failed", zap.String("ticket_id", e.ticketID), zap.Error(err))
	}
	return nil
}

// Send delivers a message, preferring the channel. When the channel is
// down (or the publish fails mid-drop) it falls back to the synchronous
// collaborator endpoint and inserts the result locally; no channel echo
// follows a fallback send, so there is no duplicate risk. A failed
// fallback returns a SendFailure carrying the original body.
func (e *Engine) Send(ctx context.Context, body string, internal bool) error {
	if e.ch.Connected() {
		err := e.ch.Publish(channel.SendDestination(e.ticketID), channel.ChatPayload{
			Body:     body,
			Internal: internal,
		})
		if err == nil {
			return nil
		}
		e.logger.Warn("channel publish failed, using fallback", zap.Error(err))
	}

	msg, err := e.api.SendMessage(ctx, e.ticketID, body, internal)
	if err != nil {
		return &SendFailure{Body: body, Err: err}
	}
	e.Receive(*msg)
	return nil
}

// SendWithAttachments creates the message synchronously, then uploads
// each file against it. If any upload fails, the created message is
// rolled back with a compensating delete so the ticket is never left
// with an orphaned placeholder.
func (e *Engine) SendWithAttachments(ctx context.Context, body string, internal bool, files []collab.FileUpload) (*domain.Message, error) {
	msg, err := e.api.SendMessage(ctx, e.ticketID, body, internal)
	if err != nil {
		return nil, &SendFailure{Body: body, Err: err}
	}

	for _, file := range files {
		att, err := e.api.Upload(ctx, msg.ID, file)
		if err != nil {
			if delErr := e.api.DeleteMessage(ctx, msg.ID); delErr != nil {
				e.logger.Error("compensating delete failed",
					zap.String("message_id", msg.ID), zap.Error(delErr))
			}
			return nil, &SendFailure{Body: body, Err: fmt.Errorf("attachment %s: %w", file.FileName, err)}
		}
		msg.Attachments = append(msg.Attachments, *att)
	}

	e.Receive(*msg)
	return msg, nil
}

// Receive merges an inbound message into the list: an already-known id
// is replaced in place, an unknown one is inserted in creation order.
// Attachments buffered for the message are spliced in.
func (e *Engine) Receive(msg domain.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.mergeLocked(msg)
	e.spliceLocked(idx, e.buffer.Take(msg.ID))
}

// Edit updates a message body through the collaborator and replaces
// the local entry by id; an edit never creates a duplicate.
func (e *Engine) Edit(ctx context.Context, messageID, body string) error {
	updated, err := e.api.EditMessage(ctx, messageID, body)
	if err != nil {
		return err
	}
	e.Receive(*updated)
	return nil
}

// Delete removes a message through the collaborator and locally.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = lo.Reject(e.messages, func(m domain.Message, _ int) bool {
		return m.ID == messageID
	})
	return nil
}

// OnAttachment attaches the event to its message when the message is
// already known, and buffers it with a bounded TTL otherwise.
func (e *Engine) OnAttachment(att domain.Attachment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, idx, found := lo.FindIndexOf(e.messages, func(m domain.Message) bool {
		return m.ID == att.MessageID
	})
	if found {
		e.spliceLocked(idx, []domain.Attachment{att})
		return
	}
	e.buffer.Hold(att)
}

// Messages returns a snapshot of the current chronological list.
func (e *Engine) Messages() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.messages)
}

// Bind subscribes the engine to the ticket's message, internal-comment
// and attachment topics. The returned release function stops all
// further dispatch to this engine.
func (e *Engine) Bind(mgr *channel.Manager) func() {
	unsubs := []func(){
		mgr.Subscribe(channel.MessagesTopic(e.ticketID), e.HandleMessageFrame),
		mgr.Subscribe(channel.InternalTopic(e.ticketID), e.HandleMessageFrame),
		mgr.Subscribe(channel.AttachmentsTopic(e.ticketID), e.HandleAttachmentFrame),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// HandleMessageFrame decodes and merges a chat message frame.
func (e *Engine) HandleMessageFrame(frame channel.Frame) {
	var msg domain.Message
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		e.logger.Warn("unparseable message event", zap.Error(err))
		return
	}
	if msg.TicketID != e.ticketID {
		return
	}
	e.Receive(msg)
}

// HandleAttachmentFrame decodes and reconciles an attachment frame.
func (e *Engine) HandleAttachmentFrame(frame channel.Frame) {
	var att domain.Attachment
	if err := json.Unmarshal(frame.Payload, &att); err != nil {
		e.logger.Warn("unparseable attachment event", zap.Error(err))
		return
	}
	e.OnAttachment(att)
}

// Stop releases the attachment buffer's timers. Call on unmount.
func (e *Engine) Stop() {
	e.buffer.Stop()
}

// mergeLocked inserts or replaces by id and returns the entry index.
// Insertion keeps creation order non-decreasing for any interleaving
// of history and live events.
func (e *Engine) mergeLocked(msg domain.Message) int {
	_, idx, found := lo.FindIndexOf(e.messages, func(m domain.Message) bool {
		return m.ID == msg.ID
	})
	if found {
		// keep attachments spliced in before the replacement arrived
		if len(msg.Attachments) == 0 {
			msg.Attachments = e.messages[idx].Attachments
		}
		e.messages[idx] = msg
		return idx
	}
	pos := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	e.messages = slices.Insert(e.messages, pos, msg)
	return pos
}

// spliceLocked appends attachments to the message at idx, skipping ids
// already present. Existing attachments are never replaced.
func (e *Engine) spliceLocked(idx int, atts []domain.Attachment) {
	if len(atts) == 0 {
		return
	}
	existing := make(map[string]struct{}, len(e.messages[idx].Attachments))
	for _, att := range e.messages[idx].Attachments {
		existing[att.ID] = struct{}{}
	}
	for _, att := range atts {
		if _, dup := existing[att.ID]; dup {
			continue
		}
		e.messages[idx].Attachments = append(e.messages[idx].Attachments, att)
		existing[att.ID] = struct{}{}
	}
}
