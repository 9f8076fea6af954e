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
)

// PermissionHandler serves permission override endpoints, scoped to a single feed or room.
type PermissionHandler struct {
	overrides  permission.OverrideStore
	resolver   *permission.Resolver
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewPermissionHandler creates a new permission handler.
func NewPermissionHandler(overrides permission.OverrideStore, resolver *permission.Resolver, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *PermissionHandler {
	return &PermissionHandler{overrides: overrides, resolver: resolver, dispatcher: dispatcher, log: logger}
}

type setOverrideRequest struct {
	Allow permission.Permission `json:"allow"`
	Deny  permission.Permission `json:"deny"`
}

func toOverrideModel(row *permission.OverrideRow) fiber.Map {
	return fiber.Map{
		"space_type":     row.SpaceType,
		"space_id":       row.SpaceID,
		"principal_type": row.PrincipalType,
		"principal_id":   row.PrincipalID,
		"allow":          row.Allow,
		"deny":           row.Deny,
	}
}

// spaceRefFromParams parses the :spaceKind and :spaceID path parameters into a SpaceRef.
func spaceRefFromParams(c fiber.Ctx) (*permission.SpaceRef, error) {
	var kind permission.SpaceType
	switch c.Params("spaceKind") {
	case string(permission.SpaceFeed):
		kind = permission.SpaceFeed
	case string(permission.SpaceRoom):
		kind = permission.SpaceRoom
	default:
		return nil, errors.New("space kind must be \"feed\" or \"room\"")
	}

	id, err := strconv.ParseInt(c.Params("spaceID"), 10, 64)
	if err != nil {
		return nil, errors.New("invalid space id")
	}
	return &permission.SpaceRef{Type: kind, ID: id}, nil
}

// SetOverride handles PUT /api/v1/spaces/:spaceKind/:spaceID/overrides/:principalType/:principalID.
func (h *PermissionHandler) SetOverride(c fiber.Ctx) error {
	ref, err := spaceRefFromParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	principalType, err := parsePrincipalType(c.Params("principalType"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}
	principalID, err := strconv.ParseInt(c.Params("principalID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid principal id")
	}

	var body setOverrideRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if err := validateOverrideBits(body.Allow, body.Deny); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	row, err := h.overrides.Set(c.Context(), ref.Type, ref.ID, principalType, principalID, body.Allow, body.Deny)
	if err != nil {
		return h.mapOverrideError(c, err)
	}

	result := toOverrideModel(row)
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypePermissionOverrideUpdate, result), nil); err != nil {
		h.log.Warn().Err(err).Int64("space_id", ref.ID).Msg("dispatch failed")
	}

	return httputil.Success(c, result)
}

// DeleteOverride handles DELETE /api/v1/spaces/:spaceKind/:spaceID/overrides/:principalType/:principalID.
func (h *PermissionHandler) DeleteOverride(c fiber.Ctx) error {
	ref, err := spaceRefFromParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	principalType, err := parsePrincipalType(c.Params("principalType"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}
	principalID, err := strconv.ParseInt(c.Params("principalID"), 10, 64)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid principal id")
	}

	if err := h.overrides.Delete(c.Context(), ref.Type, ref.ID, principalType, principalID); err != nil {
		return h.mapOverrideError(c, err)
	}

	payload := fiber.Map{"space_type": ref.Type, "space_id": ref.ID, "principal_type": principalType, "principal_id": principalID}
	if err := h.dispatcher.Dispatch(c.Context(), event.New(event.TypePermissionOverrideDelete, payload), nil); err != nil {
		h.log.Warn().Err(err).Int64("space_id", ref.ID).Msg("dispatch failed")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// GetMyPermissions handles GET /api/v1/spaces/:spaceKind/:spaceID/permissions/@me.
func (h *PermissionHandler) GetMyPermissions(c fiber.Ctx) error {
	ref, err := spaceRefFromParams(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	}

	userID := auth.UserIDFromContext(c)
	perm, err := h.resolver.Resolve(c.Context(), userID, ref)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "permission").Msg("resolve permissions failed")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}

	return httputil.Success(c, fiber.Map{"permissions": perm})
}

// parsePrincipalType validates and converts a string to a PrincipalType.
func parsePrincipalType(s string) (permission.PrincipalType, error) {
	switch s {
	case string(permission.PrincipalRole):
		return permission.PrincipalRole, nil
	case string(permission.PrincipalUser):
		return permission.PrincipalUser, nil
	default:
		return "", errors.New("type must be \"role\" or \"user\"")
	}
}

// validateOverrideBits checks that the allow and deny bitfields contain no bits beyond AllPermissions.
func validateOverrideBits(allow, deny permission.Permission) error {
	if allow & ^permission.AllPermissions != 0 {
		return errors.New("allow contains invalid permission bits")
	}
	if deny & ^permission.AllPermissions != 0 {
		return errors.New("deny contains invalid permission bits")
	}
	return nil
}

// mapOverrideError converts override-layer errors to appropriate HTTP responses.
func (h *PermissionHandler) mapOverrideError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, permission.ErrOverrideNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "permission override not found")
	default:
		h.log.Error().Err(err).Str("handler", "permission").Msg("unhandled permission override error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
