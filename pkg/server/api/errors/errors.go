package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Reasons carried by AuthError. They travel on the wire so the edge agent can
// tell a credential it should repair apart from a device it must stop.
const (
	ReasonNotRegistered       = "not_registered"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonRevoked             = "revoked"
	ReasonExpired             = "expired"
	ReasonInvalid             = "invalid"
	ReasonMissing             = "missing"
)

type GenericError struct {
	Message    string
	StatusCode int
}

func (e *GenericError) Error() string {
	return e.Message
}

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Msg)
}

type DuplicateResourceError struct {
	ResourceType string
	ResourceId   string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("duplicate resource %s: %s", e.ResourceType, e.ResourceId)
}

type ResourceNotFoundError struct {
	ResourceType string
	ResourceId   string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource not found. Resource Type: %s, Resource ID: %s", e.ResourceType, e.ResourceId)
}

// AuthError rejects a device credential or a device authentication attempt.
type AuthError struct {
	Reason string
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "unauthorized: " + e.Reason
	}
	return "unauthorized: " + e.Reason + ": " + e.Msg
}

type AdminUnauthorizedError struct{}

func (e *AdminUnauthorizedError) Error() string {
	return "administrative credential missing or invalid"
}

func ErrNoDefaultConfigured() error {
	return &GenericError{
		Message:    "no default configuration document exists",
		StatusCode: http.StatusServiceUnavailable,
	}
}

func NewAuthError(reason string, msg string) error {
	return &AuthError{Reason: reason, Msg: msg}
}

// IsReason reports whether err is an AuthError with the given reason.
func IsReason(err error, reason string) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Reason == reason
}

func IsNotFound(err error) bool {
	var notFound *ResourceNotFoundError
	return errors.As(err, &notFound)
}

// Response is the JSON body written for every failed request.
type Response struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
}

func CodeFrom(err error) int {
	var (
		validation *ValidationError
		duplicate  *DuplicateResourceError
		notFound   *ResourceNotFoundError
		auth       *AuthError
		admin      *AdminUnauthorizedError
		generic    *GenericError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &duplicate):
		return http.StatusConflict
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &admin):
		return http.StatusForbidden
	case errors.As(err, &generic):
		return generic.StatusCode
	default:
		return http.StatusInternalServerError
	}
}

func ToResponse(err error) Response {
	resp := Response{Error: err.Error()}
	var (
		duplicate *DuplicateResourceError
		notFound  *ResourceNotFoundError
		auth      *AuthError
	)
	switch {
	case errors.As(err, &auth):
		resp.Reason = auth.Reason
	case errors.As(err, &duplicate):
		resp.ResourceID = duplicate.ResourceId
	case errors.As(err, &notFound):
		resp.ResourceID = notFound.ResourceId
	}
	return resp
}

// FromResponse rebuilds the typed error a remote service encoded with
// ToResponse, so callers can inspect it the same way on both sides.
func FromResponse(statusCode int, resp Response) error {
	switch statusCode {
	case http.StatusBadRequest:
		return &ValidationError{Msg: resp.Error}
	case http.StatusUnauthorized:
		reason := resp.Reason
		if reason == "" {
			reason = ReasonInvalid
		}
		return &AuthError{Reason: reason, Msg: resp.Error}
	case http.StatusForbidden:
		return &AdminUnauthorizedError{}
	case http.StatusNotFound:
		return &ResourceNotFoundError{ResourceId: resp.ResourceID}
	case http.StatusConflict:
		return &DuplicateResourceError{ResourceId: resp.ResourceID}
	default:
		return &GenericError{Message: resp.Error, StatusCode: statusCode}
	}
}
