package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caevv/cronwatch/internal/logging"
	"github.com/caevv/cronwatch/internal/monitor"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/store"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, registry.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrInvalid), errors.Is(err, monitor.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error reply for err. Server side failures are logged.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed", "error", err)
		msg = "internal error"
	}
	s.abort(c, status, msg)
}

func (s *Server) abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
