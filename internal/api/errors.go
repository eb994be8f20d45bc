package api

import (
	"errors"
	"net/http"

	"previewd/internal/machine"
	"previewd/internal/monitor"
	"previewd/internal/scheduler"
	"previewd/internal/session"

	"github.com/gin-gonic/gin"
)

var (
	ErrUnauthorized   = errors.New("missing or invalid credentials")
	ErrForbidden      = errors.New("session belongs to another user")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnavailable    = errors.New("feature not configured")
)

// statusOf maps a domain error to its HTTP status and the message safe to show
// the caller. Unknown errors are internal and keep a generic message.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, ErrUnauthorized.Error()
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, ErrForbidden.Error()
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, session.ErrSessionNotFound.Error()
	case errors.Is(err, machine.ErrMachineNotFound):
		return http.StatusNotFound, machine.ErrMachineNotFound.Error()
	case errors.Is(err, monitor.ErrAlertNotFound):
		return http.StatusNotFound, monitor.ErrAlertNotFound.Error()
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound, scheduler.ErrJobNotFound.Error()
	case errors.Is(err, session.ErrSessionInFlight):
		return http.StatusConflict, session.ErrSessionInFlight.Error()
	case errors.Is(err, session.ErrClaimMismatch):
		return http.StatusConflict, session.ErrClaimMismatch.Error()
	case errors.Is(err, session.ErrSessionCancelled):
		return http.StatusConflict, session.ErrSessionCancelled.Error()
	case errors.Is(err, session.ErrNoMachine):
		return http.StatusConflict, session.ErrNoMachine.Error()
	case errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict, scheduler.ErrJobRunning.Error()
	case errors.Is(err, ErrUnavailable):
		return http.StatusNotImplemented, ErrUnavailable.Error()
	case errors.Is(err, session.ErrProvisioningFailed):
		// 不透传上游错误内容
		return http.StatusInternalServerError, session.ErrProvisioningFailed.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func respondError(c *gin.Context, err error) {
	respondErrorData(c, err, nil)
}

func respondErrorData(c *gin.Context, err error, data any) {
	code, msg := statusOf(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, Envelope{Success: false, Data: data, Error: msg})
}

func abortWithError(c *gin.Context, err error) {
	code, msg := statusOf(err)
	c.AbortWithStatusJSON(code, Envelope{Success: false, Error: msg})
}

func respondOK(c *gin.Context, code int, data any, message string) {
	c.JSON(code, Envelope{Success: true, Data: data, Message: message})
}
