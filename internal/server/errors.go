package server

import (
	"errors"
	"net/http"

	"carechat/internal/auth"
	"carechat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAccessDenied),
		errors.Is(err, service.ErrNotAMember),
		errors.Is(err, service.ErrInsufficientPermission):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDuplicateReaction), errors.Is(err, service.ErrMessageDeleted):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidDirectSize),
		errors.Is(err, service.ErrInvalidMembership),
		errors.Is(err, service.ErrInvalidReply):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTransientIO), errors.Is(err, auth.ErrDirectoryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrAuthenticationFailure):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error, op string) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Error().Err(err).Str("op", op).Str("user_id", auth.GetIdentity(c).UserID).Msg("request failed")
		msg = "internal error"
	case http.StatusServiceUnavailable:
		log.Warn().Err(err).Str("op", op).Msg("storage unavailable")
		msg = service.ErrTransientIO.Error()
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
