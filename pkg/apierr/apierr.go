// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypePermissionDenied  = "permission_denied"
	TypeAuthenticationErr = "authentication_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeTimeout           = "timeout"
	TypeUpstreamError     = "upstream_error"
	TypeInternalError     = "internal_error"
)

// Code constants.
const (
	CodeModelNotFound       = "model_not_found"
	CodeModelNotOnEndpoint  = "model_not_available_on_endpoint"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeRequestTimeout      = "request_timeout"
	CodeUpstreamError       = "upstream_error"
	CodeServiceUnavailable  = "service_unavailable"
	CodeInternalError       = "internal_error"
	CodeInvalidRequest      = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteWithParam(ctx, status, message, errType, "", code)
}

// WriteWithParam writes the error envelope including the optional "param"
// field naming the offending request field.
func WriteWithParam(ctx *fasthttp.RequestCtx, status int, message, errType, param, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Param:   param,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteModelNotFound writes the 404 response for a public name that resolves
// to no enabled configuration.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, model string) {
	WriteWithParam(ctx, fasthttp.StatusNotFound,
		fmt.Sprintf("Model '%s' not found", model),
		TypeInvalidRequest, "model", CodeModelNotFound)
}

// WriteUpstreamStatus maps an upstream HTTP status to the bridge's client-facing
// taxonomy. The upstream body is never forwarded verbatim; only msg (already
// stripped of upstream identifiers by the adapter) is included.
//
//	Upstream 401/403 → 401 authentication_error
//	Upstream 429     → 429 + Retry-After: 60
//	Upstream 408     → 504 timeout
//	Upstream 5xx     → 502 upstream_error
//	Other 4xx        → 400 invalid_request_error
func WriteUpstreamStatus(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusUnauthorized || upstreamStatus == fasthttp.StatusForbidden:
		Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, CodeInvalidAPIKey)
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case upstreamStatus == fasthttp.StatusRequestTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeTimeout, CodeRequestTimeout)
	case upstreamStatus >= 500 && upstreamStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
	case upstreamStatus >= 400 && upstreamStatus < 500:
		Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeUpstreamError, CodeUpstreamError)
	}
}

// WriteTimeout writes a 504 for an exceeded total or time-to-first-byte deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeTimeout, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a 500 internal error without leaking details.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeInternalError, CodeInternalError)
}
