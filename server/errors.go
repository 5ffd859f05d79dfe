package main

import (
	"errors"
	"net/http"

	"github.com/defenderhub/defenderhub/pkg/credential"
	"github.com/defenderhub/defenderhub/pkg/store"
	"github.com/gin-gonic/gin"
)

type errorKind string

const (
	kindAuthentication errorKind = "authentication"
	kindValidation     errorKind = "validation"
	kindNotFound       errorKind = "not_found"
	kindRateLimited    errorKind = "rate_limited"
	kindPersistence    errorKind = "persistence"
)

const redactedMessage = "internal server error"

// apiError is an error with the HTTP status it should be reported with.
type apiError struct {
	status  int
	kind    errorKind
	message string
	err     error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *apiError) Unwrap() error { return e.err }

func authError(message string) *apiError {
	return &apiError{status: http.StatusUnauthorized, kind: kindAuthentication, message: message}
}

func validationError(message string) *apiError {
	return &apiError{status: http.StatusBadRequest, kind: kindValidation, message: message}
}

func notFoundError(message string) *apiError {
	return &apiError{status: http.StatusNotFound, kind: kindNotFound, message: message}
}

func persistenceError(err error) *apiError {
	return &apiError{status: http.StatusInternalServerError, kind: kindPersistence, message: err.Error(), err: err}
}

// classify maps domain errors onto the HTTP taxonomy. Anything unknown is a
// persistence failure.
func classify(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, credential.ErrMissingToken),
		errors.Is(err, credential.ErrInvalidToken),
		errors.Is(err, credential.ErrTokenExpired):
		return &apiError{status: http.StatusUnauthorized, kind: kindAuthentication, message: err.Error(), err: err}
	case errors.Is(err, store.ErrOrganizationNotFound):
		return &apiError{status: http.StatusUnauthorized, kind: kindAuthentication, message: "Invalid organization token", err: err}
	case errors.Is(err, store.ErrEnrollmentTokenNotFound),
		errors.Is(err, store.ErrEnrollmentTokenInactive),
		errors.Is(err, store.ErrEnrollmentTokenExpired),
		errors.Is(err, store.ErrEnrollmentTokenExhausted):
		return &apiError{status: http.StatusUnauthorized, kind: kindAuthentication, message: err.Error(), err: err}
	case errors.Is(err, store.ErrNotFound):
		return &apiError{status: http.StatusNotFound, kind: kindNotFound, message: "not found", err: err}
	default:
		return persistenceError(err)
	}
}

// fail reports err to the client. Internal messages are replaced when the
// server is configured to redact them.
func (s *Server) fail(c *gin.Context, err error) {
	apiErr := classify(err)
	message := apiErr.message
	if apiErr.status >= http.StatusInternalServerError {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Str("kind", string(apiErr.kind)).Msg("request failed")
		if s.cfg.RedactInternalErrors {
			message = redactedMessage
		}
	}
	respondError(c, apiErr.status, message, s.logger)
}
