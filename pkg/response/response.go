package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope for error answers
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a machine code, a human message and optional per-field details
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	ErrCodeEmailTaken      = "EMAIL_TAKEN"
	ErrCodeSchoolNameTaken = "SCHOOL_NAME_TAKEN"
	ErrCodeRequestInFlight = "REQUEST_IN_FLIGHT"
)

var statusByCode = map[string]int{
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeValidationFailed:   http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeTokenExpired:       http.StatusUnauthorized,
	ErrCodeInvalidToken:       http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeEmailTaken:         http.StatusConflict,
	ErrCodeSchoolNameTaken:    http.StatusConflict,
	ErrCodeRequestInFlight:    http.StatusConflict,
	ErrCodeTooManyRequests:    http.StatusTooManyRequests,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
}

// conflict codes by the request field that collided
var conflictCodes = map[string]string{
	"email":          ErrCodeEmailTaken,
	"schoolName":     ErrCodeSchoolNameTaken,
	"idempotencyKey": ErrCodeRequestInFlight,
}

// StatusFor returns the HTTP status for code, 500 when unknown
func StatusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Status returns the HTTP status the envelope is sent with
func (r *Response) Status() int {
	if r.Error == nil {
		return http.StatusOK
	}
	return StatusFor(r.Error.Code)
}

// Write sends r with its status
func Write(c *gin.Context, r *Response) {
	c.JSON(r.Status(), r)
}

// Abort sends r with its status and stops the handler chain
func Abort(c *gin.Context, r *Response) {
	c.AbortWithStatusJSON(r.Status(), r)
}

// Error builds an error envelope. An empty message takes the code's default.
func Error(code, message string) *Response {
	if message == "" {
		message = defaultMessage(code)
	}
	return &Response{Error: &ErrorInfo{Code: code, Message: message}}
}

func defaultMessage(code string) string {
	switch code {
	case ErrCodeBadRequest:
		return "Bad request"
	case ErrCodeUnauthorized, ErrCodeInvalidToken, ErrCodeTokenExpired:
		return "Authentication required"
	case ErrCodeForbidden:
		return "Access denied"
	case ErrCodeNotFound:
		return "Resource not found"
	case ErrCodeTooManyRequests:
		return "Too many requests, please try again later"
	case ErrCodeServiceUnavailable:
		return "Service temporarily unavailable"
	case ErrCodeValidationFailed:
		return "Validation failed"
	}
	if StatusFor(code) == http.StatusConflict {
		return "Resource already exists"
	}
	return "An internal error occurred"
}

func BadRequest(message string) *Response         { return Error(ErrCodeBadRequest, message) }
func Unauthorized(message string) *Response       { return Error(ErrCodeUnauthorized, message) }
func Forbidden(message string) *Response          { return Error(ErrCodeForbidden, message) }
func NotFound(message string) *Response           { return Error(ErrCodeNotFound, message) }
func InternalError(message string) *Response      { return Error(ErrCodeInternalError, message) }
func TooManyRequests(message string) *Response    { return Error(ErrCodeTooManyRequests, message) }
func ServiceUnavailable(message string) *Response { return Error(ErrCodeServiceUnavailable, message) }

// ValidationFailed carries one message per invalid field
func ValidationFailed(details map[string]string) *Response {
	r := Error(ErrCodeValidationFailed, "")
	r.Error.Details = details
	return r
}

// Conflict builds a 409 envelope. An empty code means a plain CONFLICT.
func Conflict(code, message string) *Response {
	if code == "" {
		code = ErrCodeConflict
	}
	return Error(code, message)
}

// ConflictCode returns the code for a collision on field
func ConflictCode(field string) string {
	if code, ok := conflictCodes[field]; ok {
		return code
	}
	return ErrCodeConflict
}

// ConflictField is the inverse of ConflictCode, "" for a plain CONFLICT
func ConflictField(code string) string {
	for field, c := range conflictCodes {
		if c == code {
			return field
		}
	}
	return ""
}
