package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loyalex/market-api/internal/types"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeInvalidArgument     = "INVALID_ARGUMENT"
	ErrCodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrCodeNotCancellable      = "NOT_CANCELLABLE"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeDuplicateResource   = "DUPLICATE_RESOURCE"
)

// Handle maps engine errors onto the response envelope
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, types.ErrInvalidArgument):
		fail(c, http.StatusBadRequest, ErrCodeInvalidArgument, "Amount and price must be positive")
	case errors.Is(err, types.ErrInsufficientBalance):
		fail(c, http.StatusBadRequest, ErrCodeInsufficientBalance, "Insufficient balance")
	case errors.Is(err, types.ErrNotCancellable):
		fail(c, http.StatusConflict, ErrCodeNotCancellable, "Order is no longer cancellable")
	case errors.Is(err, types.ErrConcurrencyConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "Concurrent modification, please retry")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
