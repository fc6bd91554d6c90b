package httpapi

import (
	"errors"
	"net/http"

	"callsignal/internal/calls"
	"callsignal/internal/directory"
	"callsignal/internal/history"
	"callsignal/internal/reporting"
	"callsignal/pkg/logger"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP status codes. Anything unrecognised
// is a 500 and its detail stays in the log.
func statusFor(err error) (int, string) {
	var hwf *calls.HistoryWriteFailure
	switch {
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, directory.ErrUserNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, calls.ErrNotParticipant):
		return http.StatusForbidden, "not a participant of this call"
	case errors.Is(err, calls.ErrPairBusy):
		return http.StatusConflict, "a call between these users is already ringing"
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, history.ErrNotTerminal):
		return http.StatusConflict, "call is not in a state that allows this"
	case errors.Is(err, calls.ErrInvalidRecord), errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &hwf):
		return http.StatusInternalServerError, "history write failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
}
