package simulator

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/auth"
	"github.com/spec-kit/ticket-collab/internal/domain"
	util "github.com/spec-kit/ticket-collab/pkg/util"
)

// API exposes the simulated collaborator REST surface. Response and
// error shapes match what the collab client expects from production.
type API struct {
	store  *Store
	tokens *auth.TokenManager
	logger *zap.Logger
}

// NewAPI builds the REST surface over a store.
func NewAPI(store *Store, tokens *auth.TokenManager, logger *zap.Logger) *API {
	return &API{store: store, tokens: tokens, logger: logger}
}

type tokenRequest struct {
	UserID string           `json:"user_id"`
	Role   domain.ActorRole `json:"role"`
}

type createTicketRequest struct {
	Subject  string                `json:"subject"`
	Priority domain.TicketPriority `json:"priority"`
}

type messageRequest struct {
	Body     string `json:"body"`
	Internal bool   `json:"internal"`
}

type statusRequest struct {
	Status  domain.TicketStatus `json:"status"`
	Comment string              `json:"comment"`
}

type closureRequest struct {
	Rating *int   `json:"rating"`
	Reason string `json:"reason"`
}

type assignmentRequest struct {
	ToLineID *string               `json:"to_line_id"`
	ToUserID *string               `json:"to_user_id"`
	Mode     domain.AssignmentMode `json:"mode"`
	Note     string                `json:"note"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Register wires middlewares and routes onto the fiber app.
func (a *API) Register(app *fiber.App) {
	app.Use(a.errorMiddleware)

	app.Post("/auth/token", a.issueToken)
	app.Put("/uploads/:key", a.acceptUpload)

	authed := app.Group("", a.authMiddleware)
	authed.Post("/tickets", a.createTicket)
	authed.Get("/tickets/:id", a.getTicket)
	authed.Get("/tickets/:id/messages", a.listMessages)
	authed.Post("/tickets/:id/messages", a.addMessage)
	authed.Patch("/messages/:id", a.editMessage)
	authed.Delete("/messages/:id", a.deleteMessage)
	authed.Post("/tickets/:id/read", a.markRead)
	authed.Get("/tickets/:id/unread-count", a.unreadCount)
	authed.Post("/attachments/upload-url", a.issueUploadURL)
	authed.Post("/attachments/:id/confirm", a.confirmUpload)
	authed.Post("/tickets/:id/status", a.changeStatus)
	authed.Post("/tickets/:id/take", a.takeTicket)
	authed.Post("/tickets/:id/closure/confirm", a.confirmClosure)
	authed.Post("/tickets/:id/closure/reject", a.rejectClosure)
	authed.Post("/tickets/:id/assignments", a.createAssignment)
	authed.Get("/tickets/:id/assignments", a.assignmentHistory)
	authed.Get("/tickets/:id/assignments/current", a.currentAssignment)
	authed.Post("/assignments/:id/accept", a.acceptAssignment)
	authed.Post("/assignments/:id/reject", a.rejectAssignment)
	authed.Get("/assignments/pending", a.pendingAssignments)
}

func (a *API) errorMiddleware(c *fiber.Ctx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = util.NewInternalError(nil)
		}
		if err != nil {
			domainErr := util.ToDomainError(err)
			err = c.Status(domainErr.HTTPStatus).JSON(fiber.Map{
				"code":    domainErr.Code,
				"message": domainErr.Message,
			})
		}
	}()
	return c.Next()
}

func (a *API) authMiddleware(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return util.NewUnauthorized("bearer token required")
	}
	claims, err := a.tokens.ParseToken(token)
	if err != nil {
		return util.NewUnauthorized("invalid token")
	}
	c.Locals("actor", Actor{UserID: claims.UserID, Role: claims.Role})
	return c.Next()
}

func actorFromCtx(c *fiber.Ctx) Actor {
	actor, _ := c.Locals("actor").(Actor)
	return actor
}

// issueToken mints a handshake token. Dev convenience only; the
// production collaborator issues tokens through its own auth service.
func (a *API) issueToken(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	if req.UserID == "" || req.Role == "" {
		return util.NewValidationError("user_id and role required", nil)
	}
	token, expiresAt, err := a.tokens.GenerateToken(req.UserID, req.Role)
	if err != nil {
		return util.NewInternalError(err)
	}
	return c.JSON(fiber.Map{"token": token, "expires_at": expiresAt})
}

func (a *API) acceptUpload(c *fiber.Ctx) error {
	a.logger.Debug("upload received",
		zap.String("key", c.Params("key")),
		zap.Int("bytes", len(c.Body())))
	return c.SendStatus(http.StatusOK)
}

func (a *API) createTicket(c *fiber.Ctx) error {
	var req createTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	ticket, err := a.store.CreateTicket(actorFromCtx(c), req.Subject, req.Priority)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(ticket)
}

func (a *API) getTicket(c *fiber.Ctx) error {
	ticket, err := a.store.Ticket(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(ticket)
}

func (a *API) listMessages(c *fiber.Ctx) error {
	msgs, err := a.store.Messages(actorFromCtx(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(msgs)
}

func (a *API) addMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	msg, err := a.store.AddMessage(actorFromCtx(c), c.Params("id"), req.Body, req.Internal)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(msg)
}

func (a *API) editMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	msg, err := a.store.EditMessage(actorFromCtx(c), c.Params("id"), req.Body)
	if err != nil {
		return err
	}
	return c.JSON(msg)
}

func (a *API) deleteMessage(c *fiber.Ctx) error {
	if err := a.store.DeleteMessage(actorFromCtx(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (a *API) markRead(c *fiber.Ctx) error {
	if err := a.store.MarkRead(c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

func (a *API) unreadCount(c *fiber.Ctx) error {
	count, err := a.store.UnreadCount(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"count": count})
}

type uploadURLRequest struct {
	MessageID string `json:"message_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

func (a *API) issueUploadURL(c *fiber.Ctx) error {
	var req uploadURLRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	att, err := a.store.IssueUpload(req.MessageID, req.FileName, req.MimeType, req.SizeBytes)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"upload_url": c.BaseURL() + "/uploads/" + att.ID,
		"attachment": att,
	})
}

func (a *API) confirmUpload(c *fiber.Ctx) error {
	att, err := a.store.ConfirmUpload(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(att)
}

func (a *API) changeStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	ticket, err := a.store.ChangeStatus(actorFromCtx(c), c.Params("id"), req.Status, req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(ticket)
}

func (a *API) takeTicket(c *fiber.Ctx) error {
	ticket, err := a.store.Take(actorFromCtx(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(ticket)
}

func (a *API) confirmClosure(c *fiber.Ctx) error {
	var req closureRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	ticket, err := a.store.ConfirmClosure(actorFromCtx(c), c.Params("id"), req.Rating)
	if err != nil {
		return err
	}
	return c.JSON(ticket)
}

func (a *API) rejectClosure(c *fiber.Ctx) error {
	var req closureRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	ticket, err := a.store.RejectClosure(actorFromCtx(c), c.Params("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(ticket)
}

func (a *API) createAssignment(c *fiber.Ctx) error {
	var req assignmentRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	assignment, err := a.store.CreateAssignment(actorFromCtx(c), c.Params("id"),
		req.ToLineID, req.ToUserID, req.Mode, req.Note)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(assignment)
}

func (a *API) assignmentHistory(c *fiber.Ctx) error {
	assignments, err := a.store.AssignmentHistory(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(assignments)
}

func (a *API) currentAssignment(c *fiber.Ctx) error {
	assignment, err := a.store.CurrentAssignment(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(assignment)
}

func (a *API) acceptAssignment(c *fiber.Ctx) error {
	assignment, err := a.store.AcceptAssignment(actorFromCtx(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(assignment)
}

func (a *API) rejectAssignment(c *fiber.Ctx) error {
	var req reasonRequest
	if err := c.BodyParser(&req); err != nil {
		return util.NewValidationError("invalid payload", nil)
	}
	assignment, err := a.store.RejectAssignment(actorFromCtx(c), c.Params("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(assignment)
}

func (a *API) pendingAssignments(c *fiber.Ctx) error {
	assignments, err := a.store.PendingAssignments(actorFromCtx(c))
	if err != nil {
		return err
	}
	return c.JSON(assignments)
}
