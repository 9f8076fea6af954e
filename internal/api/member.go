package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/dispatch"
	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/member"
	"github.com/voxchat/voxd/internal/permission"
)

// MemberHandler serves member listing and nickname endpoints. Role assignment lives on RoleHandler since the
// membership table carries no role data of its own.
type MemberHandler struct {
	members    member.Repository
	resolver   *permission.Resolver
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewMemberHandler creates a new member handler.
func NewMemberHandler(members member.Repository, resolver *permission.Resolver, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{members: members, resolver: resolver, dispatcher: dispatcher, log: logger}
}

type updateNicknameRequest struct {
	Nickname *string `json:"nickname"`
}

func toMemberModel(m *member.WithProfile) fiber.Map {
	return fiber.Map{
		"user_id":      m.UserID,
		"username":     m.Username,
		"home_domain":  m.HomeDomain,
		"display_name": m.DisplayName,
		"nickname":     m.Nickname,
		"joined_at":    m.JoinedAt,
		"role_ids":     m.RoleIDs,
	}
}

// ListMembers handles GET /api/v1/server/members.
func (h *MemberHandler) ListMembers(c fiber.Ctx) error {
	var after *int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid after parameter")
		}
		after = &v
	}
	rawLimit, _ := strconv.Atoi(c.Query("limit"))

	members, err := h.members.List(c.Context(), after, member.ClampLimit(rawLimit))
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("list members failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	result := make([]fiber.Map, len(members))
	for i := range members {
		result[i] = toMemberModel(&members[i])
	}
	return httputil.Success(c, result)
}

// GetSelf handles GET /api/v1/server/members/@me.
func (h *MemberHandler) GetSelf(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)
	m, err := h.members.GetByUserID(c.Context(), userID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	return httputil.Success(c, toMemberModel(m))
}

// UpdateSelf handles PATCH /api/v1/server/members/@me.
func (h *MemberHandler) UpdateSelf(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	var body updateNicknameRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := member.ValidateNickname(body.Nickname); err != nil {
		return h.mapMemberError(c, err)
	}

	updated, err := h.members.UpdateNickname(c.Context(), userID, body.Nickname)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	result := toMemberModel(updated)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMemberUpdate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// GetMember handles GET /api/v1/server/members/:userID.
func (h *MemberHandler) GetMember(c fiber.Ctx) error {
	targetUserID, err := strconv.ParseInt(c.Params("userID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid user id")
	}

	m, err := h.members.GetByUserID(c.Context(), targetUserID)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	return httputil.Success(c, toMemberModel(m))
}

// UpdateMember handles PATCH /api/v1/server/members/:userID. Requires ManageNicknames.
func (h *MemberHandler) UpdateMember(c fiber.Ctx) error {
	callerID := auth.UserIDFromContext(c)

	targetUserID, err := strconv.ParseInt(c.Params("userID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid user id")
	}

	allowed, err := h.resolver.HasPermission(c.Context(), callerID, nil, permission.ManageNicknames)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "member").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
	if !allowed {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "you do not have permission to manage nicknames")
	}

	var body updateNicknameRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := member.ValidateNickname(body.Nickname); err != nil {
		return h.mapMemberError(c, err)
	}

	updated, err := h.members.UpdateNickname(c.Context(), targetUserID, body.Nickname)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	result := toMemberModel(updated)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMemberUpdate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("user_id", targetUserID).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// mapMemberError converts member-layer errors to appropriate HTTP responses.
func (h *MemberHandler) mapMemberError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, member.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "member not found")
	case errors.Is(err, member.ErrNicknameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "member").Msg("unhandled member service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
