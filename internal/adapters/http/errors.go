package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// statusOf maps an action error to a status code and a message the user can
// act on.
func statusOf(err error) (int, string) {
	var mediaErr *core.MediaAccessError
	switch {
	case errors.As(err, &mediaErr):
		return http.StatusForbidden, mediaErr.Error()
	case errors.Is(err, core.ErrBusy):
		return http.StatusConflict, "already in a call"
	case errors.Is(err, core.ErrNoActiveCall):
		return http.StatusConflict, "no active call"
	case errors.Is(err, core.ErrNoIncomingCall):
		return http.StatusConflict, "no incoming call"
	case errors.Is(err, core.ErrCallUnavailable):
		return http.StatusGone, "call is no longer available"
	case errors.Is(err, core.ErrSelfCall):
		return http.StatusBadRequest, "cannot call yourself"
	case errors.Is(err, core.ErrInvalidCallType):
		return http.StatusBadRequest, "call type must be voice or video"
	case errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrInvalidAvatar):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, core.ErrTransport):
		return http.StatusServiceUnavailable, "signaling unavailable, try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func abortWithError(c *gin.Context, err error) {
	code, msg := statusOf(err)
	ev := log.Warn()
	if code >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", code).Msg("request failed")
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
