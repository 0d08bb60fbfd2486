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

func errUnauthorized(message string) *DomainError {
	return domainError(http.StatusForbidden, "UNAUTHORIZED", message, nil)
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errDuplicateInvitation() *DomainError {
	return domainError(http.StatusConflict, "DUPLICATE_ACTIVE_INVITATION", "An active invitation already exists for this email", nil)
}

func errAlreadyCollaborator() *DomainError {
	return domainError(http.StatusConflict, "ALREADY_COLLABORATOR", "This user is already a collaborator on the note", nil)
}

func errAlreadyAccepted() *DomainError {
	return domainError(http.StatusConflict, "ALREADY_ACCEPTED", "Invitation has already been accepted", nil)
}

func errInvitationExpired() *DomainError {
	return domainError(http.StatusGone, "INVITATION_EXPIRED", "Invitation has expired", nil)
}

func errInvalidShareToken() *DomainError {
	return domainError(http.StatusForbidden, "INVALID_SHARE_TOKEN", "Share link is invalid or has been revoked", nil)
}

func errStoreUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Storage backend unavailable", nil)
}
