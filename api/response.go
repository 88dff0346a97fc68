package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Standard API Response Types
// =============================================================================
//
// Every endpoint answers with either {"data": ...} or {"error": {...}}.
// Status codes carry meaning: 502 is an error reported by the app-server,
// 503 means no ready connection, 504 means the app-server never replied.

// -----------------------------------------------------------------------------
// Error Response Types
// -----------------------------------------------------------------------------

// ErrorCode defines standard error codes for programmatic handling
type ErrorCode string

const (
	// Client errors (4xx)
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"      // 400 - Malformed request
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR" // 400 - Validation failed
	ErrCodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"  // 408 - Client gave up

	// Server errors (5xx)
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"      // 500 - Unexpected error
	ErrCodeUpstream           ErrorCode = "UPSTREAM_ERROR"      // 502 - App-server returned an error
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE" // 503 - App-server down or not ready
	ErrCodeGatewayTimeout     ErrorCode = "GATEWAY_TIMEOUT"     // 504 - App-server did not reply
)

// ErrorDetail provides additional context for validation errors
type ErrorDetail struct {
	Field   string `json:"field,omitempty"` // Field name that failed validation
	Message string `json:"message"`         // Human-readable error message
	Code    string `json:"code,omitempty"`  // Field-specific error code
}

// ErrorResponse is the standard error response structure
type ErrorResponse struct {
	Error struct {
		Code    ErrorCode     `json:"code"`              // Machine-readable error code
		Message string        `json:"message"`           // Human-readable error message
		Details []ErrorDetail `json:"details,omitempty"` // Additional error details
		Data    any           `json:"data,omitempty"`    // Upstream error payload
	} `json:"error"`
}

// -----------------------------------------------------------------------------
// Success Response Types
// -----------------------------------------------------------------------------

// DataResponse wraps a single resource or object response
type DataResponse[T any] struct {
	Data T `json:"data"`
}

// -----------------------------------------------------------------------------
// Response Helpers
// -----------------------------------------------------------------------------

// RespondData sends a successful response with a single data object
// Status: 200 OK
func RespondData[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, DataResponse[T]{Data: data})
}

// RespondNoContent sends a 204 No Content response
func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Error Helpers
// -----------------------------------------------------------------------------

// respondError is the internal helper for error responses
func respondError(c *gin.Context, status int, code ErrorCode, message string, details []ErrorDetail, data any) {
	resp := ErrorResponse{}
	resp.Error.Code = code
	resp.Error.Message = message
	resp.Error.Details = details
	resp.Error.Data = data
	c.JSON(status, resp)
}

// RespondBadRequest sends a 400 Bad Request error
func RespondBadRequest(c *gin.Context, message string) {
	respondError(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil, nil)
}

// RespondValidationError sends a 400 Bad Request with validation details
func RespondValidationError(c *gin.Context, message string, details []ErrorDetail) {
	respondError(c, http.StatusBadRequest, ErrCodeValidation, message, details, nil)
}

// RespondRequestTimeout sends a 408 when the client went away first
func RespondRequestTimeout(c *gin.Context, message string) {
	respondError(c, http.StatusRequestTimeout, ErrCodeRequestTimeout, message, nil, nil)
}

// RespondInternalError sends a 500 Internal Server Error
func RespondInternalError(c *gin.Context, message string) {
	respondError(c, http.StatusInternalServerError, ErrCodeInternal, message, nil, nil)
}

// RespondUpstreamError sends a 502 carrying the app-server's error object
func RespondUpstreamError(c *gin.Context, message string, upstream any) {
	respondError(c, http.StatusBadGateway, ErrCodeUpstream, message, nil, upstream)
}

// RespondServiceUnavailable sends a 503 Service Unavailable error
func RespondServiceUnavailable(c *gin.Context, message string) {
	respondError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message, nil, nil)
}

// RespondGatewayTimeout sends a 504 Gateway Timeout error
func RespondGatewayTimeout(c *gin.Context, message string) {
	respondError(c, http.StatusGatewayTimeout, ErrCodeGatewayTimeout, message, nil, nil)
}
