// Package handlers implements the hub's HTTP endpoints: provider webhooks,
// the outbound relay, chat and message queries, and the websocket upgrade.
//
// Every error leaves through fail() as an ErrorResponse with a stable code;
// 5xx responses are logged with the request-scoped logger.
//
//	HTTP/1.1 400 Bad Request
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "bad_request",
//	  "message": "chatId and content are required"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/services"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go)
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"Chat not found"`
}

// DataResponse wraps single resources returned by the relay and chat
// endpoints.
type DataResponse struct {
	Data any `json:"data"`
}

// AckResponse is the webhook acknowledgement.
type AckResponse struct {
	OK bool `json:"ok" example:"true"`
}

func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail writes an error envelope; the router uses it for NoRoute/NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error to its status and code. Unknown errors are
// logged and reported as a generic 500 so internals do not leak.
func failErr(c *gin.Context, err error) {
	var perr *services.ProviderError
	switch {
	case errors.As(err, &perr):
		fail(c, http.StatusBadRequest, ErrCodeProviderError, perr.Error())
	case errors.Is(err, services.ErrChatNotFound),
		errors.Is(err, services.ErrMessageNotFound),
		errors.Is(err, services.ErrSettingNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrActiveChatExists),
		errors.Is(err, services.ErrRequestInProgress):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrChannelMismatch):
		fail(c, http.StatusBadRequest, ErrCodeChannelMismatch, err.Error())
	case errors.Is(err, services.ErrNoActiveSetting):
		fail(c, http.StatusBadRequest, ErrCodeNoActiveSetting, err.Error())
	case errors.Is(err, services.ErrMissingContent),
		errors.Is(err, services.ErrMissingChatFields),
		errors.Is(err, services.ErrInvalidChannel),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrInvalidActorRef),
		errors.Is(err, services.ErrLabelNotFound):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func okData(c *gin.Context, status int, v any) {
	c.JSON(status, DataResponse{Data: v})
}

func ack(c *gin.Context) {
	c.JSON(http.StatusOK, AckResponse{OK: true})
}
