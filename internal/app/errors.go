package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Room authorization rejections. Clients branch on the code, never the message.
const (
	ReasonMissingParams    = "MISSING_PARAMS"
	ReasonInvalidSession   = "INVALID_SESSION"
	ReasonSessionExpired   = "SESSION_EXPIRED"
	ReasonRoomMismatch     = "ROOM_MISMATCH"
	ReasonInvalidRecipient = "INVALID_RECIPIENT"
	ReasonUnauthorized     = "UNAUTHORIZED"
)

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func notFoundError() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
