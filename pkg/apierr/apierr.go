// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypePermissionError   = "permission_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
	CodeValidationError   = "validation_error"
	CodeWorkspaceDisabled = "workspace_disabled"
	CodeCircuitOpen       = "circuit_open"
	CodeSessionClosed     = "session_closed"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not mapped here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteValidationError writes a 422 validation error for a well-formed but
// semantically invalid request (e.g. an unknown session ID).
func WriteValidationError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnprocessableEntity, message, TypeInvalidRequest, CodeValidationError)
}

// WriteSessionClosed writes a 409 when a supplied session_id resolves to a
// session that exists but is no longer active (reaped or failed), so the
// caller knows to start a new session rather than retrying with this one.
func WriteSessionClosed(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusConflict, message, TypeInvalidRequest, CodeSessionClosed)
}

// WriteKillSwitch writes a 403 for a workspace that has been
// administratively disabled. Retry-After is set to "-1" — a sentinel
// meaning "do not retry", since this is not a transient condition a client
// should poll against.
func WriteKillSwitch(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "-1")
	Write(ctx, fasthttp.StatusForbidden, "workspace access disabled", TypePermissionError, CodeWorkspaceDisabled)
}

// WriteCircuitOpen writes a 503 when every candidate provider's circuit
// breaker is open (or every candidate failed) and the request cannot be
// served at all.
func WriteCircuitOpen(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusServiceUnavailable, message, TypeProviderError, CodeCircuitOpen)
}
