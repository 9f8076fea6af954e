package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/httputil"
	"github.com/voxchat/voxd/internal/user"
)

// UserHandler serves user profile endpoints.
type UserHandler struct {
	users user.Repository
	auth  *auth.Service
	log   zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, authSvc *auth.Service, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, auth: authSvc, log: logger}
}

type updateUserRequest struct {
	DisplayName *string `json:"display_name"`
}

type deleteAccountRequest struct {
	Password string `json:"password"`
}

func toUserModel(u *user.User) fiber.Map {
	return fiber.Map{
		"id":           u.ID,
		"username":     u.Username,
		"home_domain":  u.HomeDomain,
		"display_name": u.DisplayName,
		"created_at":   u.CreatedAt,
	}
}

// GetMe handles GET /api/v1/users/@me.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	u, err := h.users.GetByID(c.Context(), userID)
	if err != nil {
		return h.mapUserError(c, err)
	}

	return httputil.Success(c, toUserModel(u))
}

// UpdateMe handles PATCH /api/v1/users/@me.
func (h *UserHandler) UpdateMe(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	var body updateUserRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	user.NormalizeDisplayName(body.DisplayName)
	if err := user.ValidateDisplayName(body.DisplayName); err != nil {
		return h.mapUserError(c, err)
	}

	u, err := h.users.Update(c.Context(), userID, user.UpdateParams{DisplayName: body.DisplayName})
	if err != nil {
		return h.mapUserError(c, err)
	}

	return httputil.Success(c, toUserModel(u))
}

// DeleteMe handles DELETE /api/v1/users/@me.
func (h *UserHandler) DeleteMe(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	var body deleteAccountRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}
	if body.Password == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "password is required")
	}

	if err := h.auth.DeleteAccount(c.Context(), userID, body.Password); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, err.Error())
		case errors.Is(err, auth.ErrFederatedAccount), errors.Is(err, auth.ErrServerOwner):
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, err.Error())
		default:
			h.log.Error().Err(err).Str("handler", "user").Msg("delete account failed")
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
		}
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// mapUserError converts user-layer errors to appropriate HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "user not found")
	case errors.Is(err, user.ErrDisplayNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
