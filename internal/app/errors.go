package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-git/go-git/v5/plumbing"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/relay"
)

// DomainError carries the HTTP status and error code a request failure is
// reported with.
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

// unavailable reports an optional backend that this node runs without.
func unavailable(code, backend string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, backend+" not configured", nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, auth.ErrWrongDocument):
		return http.StatusForbidden, "FORBIDDEN", "Token not valid for this document", nil
	case errors.Is(err, gitrepo.ErrNoHistory),
		errors.Is(err, plumbing.ErrObjectNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, gitrepo.ErrInvalidDocumentID):
		return http.StatusBadRequest, "INVALID_DOCUMENT_ID", "Invalid document id", nil
	case errors.Is(err, relay.ErrRoomClosed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Document temporarily unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
