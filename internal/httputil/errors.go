package httputil

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
)

// Kind classifies an error for the purpose of choosing an HTTP status and a
// default error Code, per the taxonomy in the error-handling design: Validation,
// Authentication, Authorization, NotFound, Conflict, Gone, Precondition,
// RateLimit, UpstreamUnavailable, Internal.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindGone
	KindPrecondition
	KindRateLimit
	KindUpstreamUnavailable
)

// APIError is a typed error a REST handler can return; the global error
// handler maps it to the JSON envelope and HTTP status.
type APIError struct {
	Kind    Kind
	Code    Code
	Message string
	Extras  map[string]any
}

func (e *APIError) Error() string { return e.Message }

// NewAPIError constructs an APIError, defaulting Code from Kind when code is empty.
func NewAPIError(kind Kind, code Code, message string) *APIError {
	if code == "" {
		code = defaultCodeForKind(kind)
	}
	return &APIError{Kind: kind, Code: code, Message: message}
}

func defaultCodeForKind(kind Kind) Code {
	switch kind {
	case KindValidation:
		return CodeValidationError
	case KindAuthentication:
		return CodeUnauthorized
	case KindAuthorization:
		return CodeForbidden
	case KindNotFound:
		return CodeNotFound
	case KindConflict:
		return CodeConflict
	case KindGone:
		return CodeGone
	case KindPrecondition:
		return CodeSemanticError
	case KindRateLimit:
		return CodeRateLimited
	case KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	default:
		return CodeInternalError
	}
}

// StatusForKind maps an error Kind to its HTTP status code.
func StatusForKind(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindPrecondition:
		return http.StatusUnprocessableEntity
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsAPIError unwraps err into an *APIError, or nil if it isn't one.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// ErrorHandler is installed as fiber.Config.ErrorHandler. Typed *APIError
// values are rendered using their Kind/Code/Message; anything else is
// treated as an unexpected internal error whose details are not leaked to
// the client.
func ErrorHandler(c fiber.Ctx, err error) error {
	if fe, ok := err.(*fiber.Error); ok {
		return Fail(c, fe.Code, CodeValidationError, fe.Message)
	}
	if apiErr := AsAPIError(err); apiErr != nil {
		return FailWithExtras(c, StatusForKind(apiErr.Kind), apiErr.Code, apiErr.Message, apiErr.Extras)
	}
	return Fail(c, http.StatusInternalServerError, CodeInternalError, "internal server error")
}
