package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tgsender/internal/broadcast"
	"tgsender/internal/recipients"
	logx "tgsender/pkg/logx"
)

var errNotFound = errors.New("not found")

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case broadcast.IsBusy(err), errors.Is(err, broadcast.ErrDefinitionExists):
		return http.StatusConflict
	case broadcast.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrNotScheduled),
		errors.Is(err, broadcast.ErrDefinitionNotFound),
		errors.Is(err, broadcast.ErrRunNotFound),
		errors.Is(err, recipients.ErrNotFound),
		errors.Is(err, recipients.ErrNoList),
		errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, broadcast.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// fail writes err and reports true for a hard failure. A persistence
// warning is logged and surfaced as a header, and the request proceeds.
func (h *Handlers) fail(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var pe *broadcast.PersistError
	if errors.As(err, &pe) {
		h.log.Warn("request state not persisted", logx.String("key", pe.Key), logx.Err(err))
		c.Header("X-Persist-Warning", pe.Key)
		return false
	}
	writeError(c, err)
	return true
}
