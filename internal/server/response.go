package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mcpvisor/internal/registry"
	"github.com/loykin/mcpvisor/internal/supervisor"
)

// ErrDisabled rejects a start of a definition whose enabled flag is false.
var ErrDisabled = errors.New("server is disabled")

// Error types reported in the envelope.
const (
	TypeValidation     = "validation"
	TypeNotFound       = "not_found"
	TypeDuplicate      = "duplicate"
	TypeAlreadyRunning = "already_running"
	TypeNotRunning     = "not_running"
	TypeDisabled       = "disabled"
	TypeSpawnFailure   = "spawn_failure"
	TypeConnection     = "connection_failed"
	TypeUnavailable    = "unavailable"
	TypeUnauthorized   = "unauthorized"
	TypeInternal       = "internal"
)

// Envelope wraps every API response.
type Envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func ok(c *gin.Context, data any) {
	writeJSON(c, http.StatusOK, Envelope{Success: true, Data: data})
}

func fail(c *gin.Context, code int, typ, msg string, recoverable bool) {
	writeJSON(c, code, Envelope{Error: &APIError{Type: typ, Message: msg, Recoverable: recoverable}})
}

func badRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, TypeValidation, msg, true)
}

// classify maps domain errors to status code, error type and recoverability.
func classify(err error) (int, string, bool) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, TypeNotFound, false
	case errors.Is(err, registry.ErrInvalid):
		return http.StatusBadRequest, TypeValidation, true
	case errors.Is(err, registry.ErrDuplicate):
		return http.StatusBadRequest, TypeDuplicate, true
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusInternalServerError, TypeAlreadyRunning, true
	case errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusInternalServerError, TypeNotRunning, true
	case errors.Is(err, ErrDisabled):
		return http.StatusInternalServerError, TypeDisabled, true
	case errors.Is(err, supervisor.ErrSpawnFailure):
		return http.StatusInternalServerError, TypeSpawnFailure, true
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusInternalServerError, TypeUnavailable, false
	}
	return http.StatusInternalServerError, TypeInternal, false
}

func writeError(c *gin.Context, err error) {
	code, typ, rec := classify(err)
	fail(c, code, typ, err.Error(), rec)
}
