package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/config"
	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

// Client is the typed wrapper around the collaborator REST surface.
// It is the synchronous counterpart of the channel: history loads,
// fallback sends, edits, and every state-machine mutation go through
// it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client against the configured API base URL.
func NewClient(cfg config.APIConfig, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: cfg.RequestTimeout()},
		logger:  logger,
	}
}

// FileUpload describes one file to attach to a message.
type FileUpload struct {
	FileName string
	MimeType string
	Size     int64
	Content  io.Reader
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sendMessageRequest struct {
	Body     string `json:"body"`
	Internal bool   `json:"internal"`
}

type editMessageRequest struct {
	Body string `json:"body"`
}

type changeStatusRequest struct {
	Status  domain.TicketStatus `json:"status"`
	Comment string              `json:"comment,omitempty"`
}

type closureConfirmRequest struct {
	Rating *int `json:"rating,omitempty"`
}

type closureRejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type rejectAssignmentRequest struct {
	Reason string `json:"reason"`
}

type unreadCountResponse struct {
	Count int `json:"count"`
}

type uploadURLRequest struct {
	MessageID string `json:"message_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

type uploadURLResponse struct {
	UploadURL  string            `json:"upload_url"`
	Attachment domain.Attachment `json:"attachment"`
}

// AssignmentInput describes a new escalation request.
type AssignmentInput struct {
	ToLineID *string               `json:"to_line_id,omitempty"`
	ToUserID *string               `json:"to_user_id,omitempty"`
	Mode     domain.AssignmentMode `json:"mode"`
	Note     string                `json:"note,omitempty"`
}

// Ticket fetches one ticket.
func (c *Client) Ticket(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := c.do(ctx, http.MethodGet, "/tickets/"+ticketID, nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// Messages returns the durable message list, most-recent-first as the
// collaborator serves it. Callers reorder to chronological.
func (c *Client) Messages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := c.do(ctx, http.MethodGet, "/tickets/"+ticketID+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message synchronously. Used as the fallback when
// the channel is down; no channel echo follows a message sent here.
func (c *Client) SendMessage(ctx context.Context, ticketID, body string, internal bool) (*domain.Message, error) {
	var msg domain.Message
	err := c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/messages",
		sendMessageRequest{Body: body, Internal: internal}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage updates a message body.
func (c *Client) EditMessage(ctx context.Context, messageID, body string) (*domain.Message, error) {
	var msg domain.Message
	err := c.do(ctx, http.MethodPatch, "/messages/"+messageID, editMessageRequest{Body: body}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message. Also serves as the compensating
// action when an attachment flow fails mid-way.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+messageID, nil, nil)
}

// MarkRead marks the ticket thread as read for the caller.
func (c *Client) MarkRead(ctx context.Context, ticketID string) error {
	return c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/read", nil, nil)
}

// UnreadCount returns the collaborator-tracked unread message count.
func (c *Client) UnreadCount(ctx context.Context, ticketID string) (int, error) {
	var out unreadCountResponse
	if err := c.do(ctx, http.MethodGet, "/tickets/"+ticketID+"/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Upload runs the three-step attachment flow: issue a presigned upload
// URL, put the bytes, then confirm the upload.
func (c *Client) Upload(ctx context.Context, messageID string, file FileUpload) (*domain.Attachment, error) {
	var issued uploadURLResponse
	err := c.do(ctx, http.MethodPost, "/attachments/upload-url", uploadURLRequest{
		MessageID: messageID,
		FileName:  file.FileName,
		MimeType:  file.MimeType,
		SizeBytes: file.Size,
	}, &issued)
	if err != nil {
		return nil, err
	}

	if err := c.putFile(ctx, issued.UploadURL, file); err != nil {
		return nil, fmt.Errorf("upload %s: %w", file.FileName, err)
	}

	var confirmed domain.Attachment
	err = c.do(ctx, http.MethodPost, "/attachments/"+issued.Attachment.ID+"/confirm", nil, &confirmed)
	if err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// ChangeStatus asks the collaborator to move the ticket to a new
// status. The collaborator re-validates against the same transition
// tables the client consults.
func (c *Client) ChangeStatus(ctx context.Context, ticketID string, status domain.TicketStatus, comment string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/status",
		changeStatusRequest{Status: status, Comment: comment}, &ticket)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// Take assigns the ticket to the calling specialist.
func (c *Client) Take(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/take", nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ConfirmClosure confirms a pending closure as the requester.
func (c *Client) ConfirmClosure(ctx context.Context, ticketID string, rating *int) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/closure/confirm",
		closureConfirmRequest{Rating: rating}, &ticket)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// RejectClosure rejects a pending closure, reopening the ticket.
func (c *Client) RejectClosure(ctx context.Context, ticketID, reason string) (*domain.Ticket, error) {
	var ticket domain.Ticket
	err := c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/closure/reject",
		closureRejectRequest{Reason: reason}, &ticket)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// CreateAssignment escalates the ticket to another line or specialist.
func (c *Client) CreateAssignment(ctx context.Context, ticketID string, input AssignmentInput) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := c.do(ctx, http.MethodPost, "/tickets/"+ticketID+"/assignments", input, &assignment)
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// AcceptAssignment accepts a pending assignment.
func (c *Client) AcceptAssignment(ctx context.Context, assignmentID string) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := c.do(ctx, http.MethodPost, "/assignments/"+assignmentID+"/accept", nil, &assignment)
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// RejectAssignment rejects a pending assignment with a reason.
func (c *Client) RejectAssignment(ctx context.Context, assignmentID, reason string) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := c.do(ctx, http.MethodPost, "/assignments/"+assignmentID+"/reject",
		rejectAssignmentRequest{Reason: reason}, &assignment)
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// CurrentAssignment returns the newest assignment for a ticket, or a
// NOT_FOUND domain error when none exists.
func (c *Client) CurrentAssignment(ctx context.Context, ticketID string) (*domain.Assignment, error) {
	var assignment domain.Assignment
	err := c.do(ctx, http.MethodGet, "/tickets/"+ticketID+"/assignments/current", nil, &assignment)
	if err != nil {
		return nil, err
	}
	return &assignment, nil
}

// AssignmentHistory returns all assignments for a ticket, newest first.
func (c *Client) AssignmentHistory(ctx context.Context, ticketID string) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	err := c.do(ctx, http.MethodGet, "/tickets/"+ticketID+"/assignments", nil, &assignments)
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

// PendingAssignments returns assignments awaiting the caller's decision.
func (c *Client) PendingAssignments(ctx context.Context) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	if err := c.do(ctx, http.MethodGet, "/assignments/pending", nil, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return util.NewInternalError(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return util.NewInternalError(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return util.NewInternalError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusMultipleChoices {
		return c.decodeError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return util.NewInternalError(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	var apiErr apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err := json.Unmarshal(raw, &apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "UPSTREAM_ERROR"
		apiErr.Message = fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
	}
	c.logger.Debug("collaborator rejected request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("code", apiErr.Code))
	return util.NewDomainError(apiErr.Code, apiErr.Message, resp.StatusCode, nil)
}

func (c *Client) putFile(ctx context.Context, url string, file FileUpload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file.Content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", file.MimeType)
	req.ContentLength = file.Size

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("storage responded with status %d", resp.StatusCode)
	}
	return nil
}
