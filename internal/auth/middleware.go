package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/voxchat/voxd/internal/httputil"
)

// UserIDLocal is the fiber.Ctx locals key RequireAuth stores the authenticated user id under.
const UserIDLocal = "userID"

// RequireAuth returns middleware that extracts a bearer token from the Authorization header, resolves it against
// tokens for the given purpose, and stores the owning user id in locals. Requests with a missing, malformed, wrong-
// purpose, or expired token are rejected before reaching the handler.
func RequireAuth(tokens TokenStore, purpose Purpose) fiber.Handler {
	return func(c fiber.Ctx) error {
		token, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "missing bearer token")
		}

		userID, err := tokens.Resolve(c.Context(), purpose, token)
		if err != nil {
			if errors.Is(err, ErrTokenNotFound) {
				return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "invalid or expired token")
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "could not validate token")
		}

		c.Locals(UserIDLocal, userID)
		return c.Next()
	}
}

// UserIDFromContext reads the authenticated user id stored by RequireAuth. It panics if called on a route not
// behind RequireAuth, the same way the rest of the handler chain assumes locals set by earlier middleware.
func UserIDFromContext(c fiber.Ctx) int64 {
	return c.Locals(UserIDLocal).(int64)
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
