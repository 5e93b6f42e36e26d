package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeOverloaded     Type = "overloaded_error"
	TypeAPI            Type = "api_error"
)

// Error is the canonical JSON error returned by every HTTP endpoint.
type Error struct {
	Type       Type   `json:"type"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Type) + ": " + e.Message
}

type Envelope struct {
	Error *Error `json:"error"`
}

func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	// Unknown errors are not leaked to clients.
	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeOverloaded:
		return http.StatusServiceUnavailable
	case TypeAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TypeFromStatus picks the error type for a plain HTTP status.
func TypeFromStatus(status int) Type {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		return TypeInvalidRequest
	case http.StatusUnauthorized:
		return TypeAuthentication
	case http.StatusForbidden:
		return TypePermission
	case http.StatusNotFound:
		return TypeNotFound
	case http.StatusTooManyRequests:
		return TypeRateLimit
	case http.StatusServiceUnavailable:
		return TypeOverloaded
	default:
		return TypeAPI
	}
}

// Write maps err to a status and writes the envelope.
func Write(w http.ResponseWriter, requestID string, err error) {
	apiErr, status := FromError(err, requestID)
	WriteError(w, status, apiErr)
}

func WriteError(w http.ResponseWriter, status int, apiErr *Error) {
	if apiErr == nil {
		apiErr = &Error{Type: TypeFromStatus(status), Message: http.StatusText(status)}
	}
	if apiErr.RetryAfter != nil && *apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(*apiErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}
