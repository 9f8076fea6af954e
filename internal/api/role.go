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
	"github.com/voxchat/voxd/internal/permission"
	"github.com/voxchat/voxd/internal/role"
)

// RoleHandler serves role endpoints.
type RoleHandler struct {
	roles      role.Repository
	dispatcher *dispatch.Dispatcher
	maxRoles   int
	log        zerolog.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(roles role.Repository, dispatcher *dispatch.Dispatcher, maxRoles int, logger zerolog.Logger) *RoleHandler {
	return &RoleHandler{roles: roles, dispatcher: dispatcher, maxRoles: maxRoles, log: logger}
}

type createRoleRequest struct {
	Name        string                `json:"name"`
	Permissions permission.Permission `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string                `json:"name"`
	Position    *int                   `json:"position"`
	Permissions *permission.Permission `json:"permissions"`
}

func toRoleModel(r *role.Role) fiber.Map {
	return fiber.Map{
		"id":          r.ID,
		"name":        r.Name,
		"position":    r.Position,
		"permissions": r.Permissions,
		"is_everyone": r.IsEveryone,
		"created_at":  r.CreatedAt,
	}
}

// ListRoles handles GET /api/v1/server/roles.
func (h *RoleHandler) ListRoles(c fiber.Ctx) error {
	roles, err := h.roles.List(c.Context())
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("list roles failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	result := make([]fiber.Map, len(roles))
	for i := range roles {
		result[i] = toRoleModel(&roles[i])
	}
	return httputil.Success(c, result)
}

// CreateRole handles POST /api/v1/server/roles.
func (h *RoleHandler) CreateRole(c fiber.Ctx) error {
	var body createRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	name, err := role.ValidateNameRequired(body.Name)
	if err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidatePermissions(&body.Permissions); err != nil {
		return h.mapRoleError(c, err)
	}

	created, err := h.roles.Create(c.Context(), role.CreateParams{Name: name, Permissions: body.Permissions}, h.maxRoles)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	result := toRoleModel(created)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeRoleCreate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("role_id", created.ID).Msg("dispatch failed")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, result)
}

// UpdateRole handles PATCH /api/v1/server/roles/:roleID.
func (h *RoleHandler) UpdateRole(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	id, err := strconv.ParseInt(c.Params("roleID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid role id")
	}

	var body updateRoleRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := role.ValidateName(body.Name); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidatePosition(body.Position); err != nil {
		return h.mapRoleError(c, err)
	}
	if err := role.ValidatePermissions(body.Permissions); err != nil {
		return h.mapRoleError(c, err)
	}

	target, err := h.roles.GetByID(c.Context(), id)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	callerPos, err := h.roles.HighestPosition(c.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("failed to get caller highest position")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	if target.Position <= callerPos {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "cannot modify roles at or above your highest role")
	}
	if body.Position != nil && *body.Position <= callerPos {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "cannot move a role to a position at or above your highest role")
	}
	if target.IsEveryone && body.Name != nil {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeValidationError, "the @everyone role cannot be renamed")
	}

	updated, err := h.roles.Update(c.Context(), id, role.UpdateParams{
		Name:        body.Name,
		Position:    body.Position,
		Permissions: body.Permissions,
	})
	if err != nil {
		return h.mapRoleError(c, err)
	}

	result := toRoleModel(updated)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeRoleUpdate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("role_id", id).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// DeleteRole handles DELETE /api/v1/server/roles/:roleID.
func (h *RoleHandler) DeleteRole(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	id, err := strconv.ParseInt(c.Params("roleID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid role id")
	}

	target, err := h.roles.GetByID(c.Context(), id)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	callerPos, err := h.roles.HighestPosition(c.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("failed to get caller highest position")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	if target.Position <= callerPos {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "cannot delete roles at or above your highest role")
	}

	if err := h.roles.Delete(c.Context(), id); err != nil {
		return h.mapRoleError(c, err)
	}

	payload := fiber.Map{"id": id}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeRoleDelete, payload), nil); err != nil {
		h.log.Warn().Err(err).Int64("role_id", id).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// AssignRole handles PUT /api/v1/server/members/:userID/roles/:roleID.
func (h *RoleHandler) AssignRole(c fiber.Ctx) error {
	callerID := auth.UserIDFromContext(c)

	targetUserID, err := strconv.ParseInt(c.Params("userID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid user id")
	}
	roleID, err := strconv.ParseInt(c.Params("roleID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid role id")
	}

	if err := h.checkAssignHierarchy(c, callerID, roleID); err != nil {
		return err
	}

	if err := h.roles.AddMember(c.Context(), roleID, targetUserID); err != nil {
		return h.mapRoleError(c, err)
	}

	payload := fiber.Map{"user_id": targetUserID, "role_id": roleID}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMemberUpdate, payload), nil); err != nil {
		h.log.Warn().Err(err).Int64("role_id", roleID).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RemoveRole handles DELETE /api/v1/server/members/:userID/roles/:roleID.
func (h *RoleHandler) RemoveRole(c fiber.Ctx) error {
	callerID := auth.UserIDFromContext(c)

	targetUserID, err := strconv.ParseInt(c.Params("userID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid user id")
	}
	roleID, err := strconv.ParseInt(c.Params("roleID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid role id")
	}

	if err := h.checkAssignHierarchy(c, callerID, roleID); err != nil {
		return err
	}

	if err := h.roles.RemoveMember(c.Context(), roleID, targetUserID); err != nil {
		return h.mapRoleError(c, err)
	}

	payload := fiber.Map{"user_id": targetUserID, "role_id": roleID}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypeMemberUpdate, payload), nil); err != nil {
		h.log.Warn().Err(err).Int64("role_id", roleID).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// checkAssignHierarchy forbids assigning or removing a role at or above the caller's own highest role.
func (h *RoleHandler) checkAssignHierarchy(c fiber.Ctx, callerID, roleID int64) error {
	target, err := h.roles.GetByID(c.Context(), roleID)
	if err != nil {
		return h.mapRoleError(c, err)
	}

	callerPos, err := h.roles.HighestPosition(c.Context(), callerID)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "role").Msg("failed to get caller highest position")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	if target.Position <= callerPos {
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, "cannot assign roles at or above your highest role")
	}
	return nil
}

// mapRoleError converts role-layer errors to appropriate HTTP responses.
func (h *RoleHandler) mapRoleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, role.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "role not found")
	case errors.Is(err, role.ErrNameLength), errors.Is(err, role.ErrInvalidPosition), errors.Is(err, role.ErrInvalidPermissions):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, role.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, role.ErrMaxRolesReached):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, role.ErrEveryoneImmutable):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "role").Msg("unhandled role service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
