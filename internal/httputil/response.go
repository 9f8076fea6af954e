// Package httputil provides shared Fiber request/response plumbing: the
// JSON success/error envelope, the request logger, and the error-kind to
// HTTP-status mapping used by the global error handler.
package httputil

import "github.com/gofiber/fiber/v3"

// Code identifies a machine-readable error code, stable across releases.
type Code string

const (
	CodeValidationError     Code = "VALIDATION_ERROR"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeGone                Code = "GONE"
	CodePayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	CodeUnsupportedMedia    Code = "UNSUPPORTED_MEDIA_TYPE"
	CodeSemanticError       Code = "SEMANTIC_ERROR"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeAuthRateLimited     Code = "AUTH_RATE_LIMITED"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeFedAuthFailed       Code = "FED_AUTH_FAILED"
	CodeUserBlocked         Code = "USER_BLOCKED"
	CodeDMPermissionDenied  Code = "DM_PERMISSION_DENIED"
	CodeNotDMParticipant    Code = "NOT_DM_PARTICIPANT"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Extras  map[string]any `json:"extras,omitempty"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}

// FailWithExtras is Fail plus caller-supplied extra fields, e.g.
// {"retry_after_ms": 1500}.
func FailWithExtras(c fiber.Ctx, status int, code Code, message string, extras map[string]any) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{Code: code, Message: message, Extras: extras},
	})
}
