package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/httputil"
)

// AuthHandler serves authentication endpoints.
type AuthHandler struct {
	auth *auth.Service
	log  zerolog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authSvc *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: authSvc, log: logger}
}

// registerRequest is the JSON body for POST /api/v1/auth/register.
type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginRequest is the JSON body for POST /api/v1/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// changePasswordRequest is the JSON body for POST /api/v1/auth/password.
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// authResultResponse builds the JSON payload for Register and Login responses.
func authResultResponse(result *auth.AuthResult) fiber.Map {
	return fiber.Map{
		"user": fiber.Map{
			"id":           result.User.ID,
			"username":     result.User.Username,
			"home_domain":  result.User.HomeDomain,
			"display_name": result.User.DisplayName,
		},
		"token": result.Token,
	}
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	result, err := h.auth.Register(c.Context(), auth.RegisterRequest{
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, authResultResponse(result))
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	result, err := h.auth.Login(c.Context(), auth.LoginRequest{
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, authResultResponse(result))
}

// Logout handles POST /api/v1/auth/logout. It revokes only the token presented in the Authorization header.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	token, ok := bearerToken(c.Get("Authorization"))
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "missing bearer token")
	}
	if err := h.auth.Logout(c.Context(), token); err != nil {
		return h.mapAuthError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ChangePassword handles POST /api/v1/auth/password. Sits behind auth.RequireAuth.
func (h *AuthHandler) ChangePassword(c fiber.Ctx) error {
	userID := auth.UserIDFromContext(c)

	var body changePasswordRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, "invalid request body")
	}

	if err := h.auth.ChangePassword(c.Context(), userID, body.CurrentPassword, body.NewPassword); err != nil {
		return h.mapAuthError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// mapAuthError converts auth-layer errors to appropriate HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrUsernameLength), errors.Is(err, auth.ErrUsernameInvalidChars):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrPasswordTooShort), errors.Is(err, auth.ErrPasswordTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrUsernameAlreadyTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, err.Error())
	case errors.Is(err, auth.ErrFederatedAccount), errors.Is(err, auth.ErrServerOwner):
		return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeForbidden, err.Error())
	case errors.Is(err, auth.ErrTokenNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "invalid or expired token")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternalError, "an internal error occurred")
	}
}
