package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/dm"
	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/message"
	"github.com/voxchat/voxd/internal/permission"
)

// MessageHandler serves message endpoints for both feeds and group DMs.
type MessageHandler struct {
	messages   message.Repository
	dms        dm.Repository
	resolver   *permission.Resolver
	dispatcher *dispatch.Dispatcher
	maxBody    int
	log        zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	messages message.Repository,
	dms dm.Repository,
	resolver *permission.Resolver,
	dispatcher *dispatch.Dispatcher,
	maxBody int,
	logger zerolog.Logger,
) *MessageHandler {
	return &MessageHandler{
		messages:   messages,
		dms:        dms,
		resolver:   resolver,
		dispatcher: dispatcher,
		maxBody:    maxBody,
		log:        logger,
	}
}

type createMessageRequest struct {
	Body     string  `json:"body"`
	Mentions []int64 `json:"mentions"`
}

func (h *MessageHandler) toMessageModel(m *message.Message) fiber.Map {
	return fiber.Map{
		"id":         m.ID,
		"feed_id":    m.FeedID,
		"dm_id":      m.DMID,
		"author_id":  m.AuthorID,
		"body":       m.Body,
		"mentions":   m.Mentions,
		"created_at": m.CreatedAt,
	}
}

// ListFeedMessages handles GET /api/v1/feeds/:feedID/messages.
func (h *MessageHandler) ListFeedMessages(c fiber.Ctx) error {
	feedID, err := strconv.ParseInt(c.Params("feedID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid feed id")
	}

	userID := auth.UserIDFromContext(c)
	allowed, err := h.resolver.HasPermission(c.Context(), userID, &permission.SpaceRef{Type: permission.SpaceFeed, ID: feedID}, permission.ViewSpace)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you do not have permission to view this feed")
	}

	before, limit, err := parsePagination(c)
	if err != nil {
		return err
	}

	messages, err := h.messages.ListByFeed(c.Context(), feedID, before, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("list feed messages failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	result := make([]fiber.Map, len(messages))
	for i := range messages {
		result[i] = h.toMessageModel(&messages[i])
	}
	return httputil.Success(c, result)
}

// ListDMMessages handles GET /api/v1/dms/:dmID/messages.
func (h *MessageHandler) ListDMMessages(c fiber.Ctx) error {
	dmID, err := strconv.ParseInt(c.Params("dmID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid dm id")
	}

	userID := auth.UserIDFromContext(c)
	if err := h.requireParticipant(c, dmID, userID); err != nil {
		return err
	}

	before, limit, err := parsePagination(c)
	if err != nil {
		return err
	}

	messages, err := h.messages.ListByDM(c.Context(), dmID, before, limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("list dm messages failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	result := make([]fiber.Map, len(messages))
	for i := range messages {
		result[i] = h.toMessageModel(&messages[i])
	}
	return httputil.Success(c, result)
}

// CreateFeedMessage handles POST /api/v1/feeds/:feedID/messages.
func (h *MessageHandler) CreateFeedMessage(c fiber.Ctx) error {
	feedID, err := strconv.ParseInt(c.Params("feedID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid feed id")
	}

	userID := auth.UserIDFromContext(c)
	allowed, err := h.resolver.HasPermission(c.Context(), userID, &permission.SpaceRef{Type: permission.SpaceFeed, ID: feedID}, permission.SendMessages)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you do not have permission to send messages in this feed")
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	trimmed, err := message.ValidateBody(body.Body, h.maxBody)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.messages.Create(c.Context(), message.CreateParams{
		FeedID:   &feedID,
		AuthorID: userID,
		Body:     trimmed,
		Mentions: body.Mentions,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}

	result := h.toMessageModel(msg)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMessageCreate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("dispatch failed")
	}
	h.notifyMentions(c, msg)

	return httputil.SuccessStatus(c, fiber.StatusCreated, result)
}

// CreateDMMessage handles POST /api/v1/dms/:dmID/messages.
func (h *MessageHandler) CreateDMMessage(c fiber.Ctx) error {
	dmID, err := strconv.ParseInt(c.Params("dmID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid dm id")
	}

	userID := auth.UserIDFromContext(c)
	if err := h.requireParticipant(c, dmID, userID); err != nil {
		return err
	}

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	trimmed, err := message.ValidateBody(body.Body, h.maxBody)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	msg, err := h.messages.Create(c.Context(), message.CreateParams{
		DMID:     &dmID,
		AuthorID: userID,
		Body:     trimmed,
		Mentions: body.Mentions,
	})
	if err != nil {
		return h.mapMessageError(c, err)
	}

	participantIDs, err := h.dms.ParticipantIDs(c.Context(), dmID)
	if err != nil {
		h.log.Error().Err(err).Int64("dm_id", dmID).Msg("list dm participants failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	result := h.toMessageModel(msg)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMessageCreate, result), participantIDs); err != nil {
		h.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("dispatch failed")
	}
	h.notifyMentions(c, msg)

	return httputil.SuccessStatus(c, fiber.StatusCreated, result)
}

// UpdateMessage handles PATCH /api/v1/messages/:messageID. Only the author may edit, in either a feed or a DM.
func (h *MessageHandler) UpdateMessage(c fiber.Ctx) error {
	messageID, err := strconv.ParseInt(c.Params("messageID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid message id")
	}

	userID := auth.UserIDFromContext(c)

	var body createMessageRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	trimmed, err := message.ValidateBody(body.Body, h.maxBody)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	existing, err := h.messages.GetByID(c.Context(), messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	if existing.AuthorID != userID {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you can only edit your own messages")
	}

	msg, err := h.messages.Update(c.Context(), messageID, trimmed)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	result := h.toMessageModel(msg)
	recipients, err := h.recipientsFor(c, msg)
	if err != nil {
		return err
	}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMessageUpdate, result), recipients); err != nil {
		h.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// DeleteMessage handles DELETE /api/v1/messages/:messageID. The author can always delete their own message; in a
// feed, a user holding ManageMessages may delete anyone's.
func (h *MessageHandler) DeleteMessage(c fiber.Ctx) error {
	messageID, err := strconv.ParseInt(c.Params("messageID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid message id")
	}

	userID := auth.UserIDFromContext(c)

	existing, err := h.messages.GetByID(c.Context(), messageID)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	if existing.AuthorID != userID {
		if existing.FeedID == nil {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you can only delete your own messages")
		}
		allowed, err := h.resolver.HasPermission(c.Context(), userID, &permission.SpaceRef{Type: permission.SpaceFeed, ID: *existing.FeedID}, permission.ManageMessages)
		if err != nil {
			h.log.Error().Err(err).Str("handler", "message").Msg("permission check failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
		}
		if !allowed {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you do not have permission to delete this message")
		}
	}

	recipients, err := h.recipientsFor(c, existing)
	if err != nil {
		return err
	}

	if err := h.messages.Delete(c.Context(), messageID); err != nil {
		return h.mapMessageError(c, err)
	}

	payload := fiber.Map{"id": messageID, "feed_id": existing.FeedID, "dm_id": existing.DMID}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMessageDelete, payload), recipients); err != nil {
		h.log.Warn().Err(err).Int64("message_id", messageID).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// recipientsFor returns nil (broadcast to everyone) for a feed message, or the DM's participant list for a DM
// message. A nil, nil result means "broadcast."
func (h *MessageHandler) recipientsFor(c fiber.Ctx, m *message.Message) ([]int64, error) {
	if m.DMID == nil {
		return nil, nil
	}
	ids, err := h.dms.ParticipantIDs(c.Context(), *m.DMID)
	if err != nil {
		h.log.Error().Err(err).Int64("dm_id", *m.DMID).Msg("list dm participants failed")
		return nil, httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	return ids, nil
}

// notifyMentions dispatches one notification_create event per mentioned user, excluding the author. Best-effort:
// a dispatch failure is logged, never surfaced to the message create response.
func (h *MessageHandler) notifyMentions(c fiber.Ctx, m *message.Message) {
	for _, mentionedID := range m.Mentions {
		if mentionedID == m.AuthorID {
			continue
		}
		notification := fiber.Map{
			"type":       "mention",
			"actor_id":   m.AuthorID,
			"message_id": m.ID,
			"feed_id":    m.FeedID,
			"dm_id":      m.DMID,
		}
		if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeNotificationCreate, notification), []int64{mentionedID}); err != nil {
			h.log.Warn().Err(err).Int64("message_id", m.ID).Int64("user_id", mentionedID).Msg("dispatch mention notification failed")
		}
	}
}

func (h *MessageHandler) requireParticipant(c fiber.Ctx, dmID, userID int64) error {
	ok, err := h.dms.IsParticipant(c.Context(), dmID, userID)
	if err != nil {
		if errors.Is(err, dm.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "dm channel not found")
		}
		h.log.Error().Err(err).Int64("dm_id", dmID).Msg("check dm participant failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	if !ok {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeNotDMParticipant, "you are not a participant in this dm")
	}
	return nil
}

func parsePagination(c fiber.Ctx) (before *int64, limit int, err error) {
	if raw := c.Query("before"); raw != "" {
		v, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			return nil, 0, httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid before parameter")
		}
		before = &v
	}
	rawLimit, _ := strconv.Atoi(c.Query("limit"))
	return before, message.ClampLimit(rawLimit), nil
}

// mapMessageError converts message-layer errors to appropriate HTTP responses.
func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, message.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "message not found")
	case errors.Is(err, message.ErrEmptyBody), errors.Is(err, message.ErrBodyTooLong), errors.Is(err, message.ErrInvalidTarget):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, message.ErrNotAuthor):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
