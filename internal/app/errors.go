package app

import (
	"errors"
	"fmt"
	"net/http"

	"pixpick/api/internal/blobstore"
	"pixpick/api/internal/boardsync"
	"pixpick/api/internal/directory"
	"pixpick/api/internal/docdb"
	"pixpick/api/internal/identity"
	"pixpick/api/internal/rbac"
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

// dismissable marks a failure the client shows as a transient notice.
var dismissable = map[string]any{"dismissable": true}

// mapError translates component errors into an HTTP response. Anything
// unrecognised is treated as a failed call to a backing service.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrExpiredToken), errors.Is(err, identity.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, identity.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil
	case errors.Is(err, rbac.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "You do not have permission to do that", nil
	case errors.Is(err, docdb.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, directory.ErrInvalidFilter),
		errors.Is(err, directory.ErrInvalidRole),
		errors.Is(err, boardsync.ErrInvalidRating),
		errors.Is(err, docdb.ErrTooManyInValues):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, directory.ErrOwnerRecord), errors.Is(err, boardsync.ErrNotStored):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, directory.ErrCascade):
		return http.StatusInternalServerError, "CASCADE_FAILED", "Failed to delete board, try again", dismissable
	case errors.Is(err, blobstore.ErrDisabled):
		return http.StatusBadGateway, "REMOTE_FAILED", "Large image uploads are not available right now", dismissable
	}
	return http.StatusBadGateway, "REMOTE_FAILED", "Something went wrong, try again", dismissable
}
