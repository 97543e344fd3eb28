package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/services"
)

// PushRequest is an operator reply. chatId may be the documentId string or
// the numeric id.
type PushRequest struct {
	ChatID     json.RawMessage `json:"chatId" swaggertype:"string" example:"0f8fad5b-d9cb-469f-a165-70867728950e"`
	Content    string          `json:"content" example:"Thanks, we are on it"`
	SenderName string          `json:"senderName"`
}

// PushLine godoc
// @ID          pushLine
// @Summary     Send an operator reply to a LINE chat
// @Description The message is stored only after LINE accepted it. A retry carrying the same Idempotency-Key returns the original message.
// @Tags        Relay
// @Accept      json
// @Produce     json
// @Param       X-Workspace-Id  header string true  "Workspace"
// @Param       Idempotency-Key header string false "Client retry key"
// @Param       body body handlers.PushRequest true "Reply"
// @Success     200 {object} handlers.DataResponse
// @Failure     400 {object} handlers.ErrorResponse "Validation, channel mismatch, no active setting or provider error"
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /line/push [post]
func (h *Handlers) PushLine(c *gin.Context) { h.push(c, services.FamilyLine) }

// PushMeta godoc
// @ID          pushMeta
// @Summary     Send an operator reply to a Facebook, Instagram or WhatsApp chat
// @Tags        Relay
// @Accept      json
// @Produce     json
// @Param       X-Workspace-Id  header string true  "Workspace"
// @Param       Idempotency-Key header string false "Client retry key"
// @Param       body body handlers.PushRequest true "Reply"
// @Success     200 {object} handlers.DataResponse
// @Failure     400 {object} handlers.ErrorResponse
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /meta/push [post]
func (h *Handlers) PushMeta(c *gin.Context) { h.push(c, services.FamilyMeta) }

func (h *Handlers) push(c *gin.Context, family services.Family) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, services.ErrMissingContent.Error())
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	msg, replayed, err := h.relay.Send(c.Request.Context(), family, services.SendRequest{
		WorkspaceID:    middleware.WorkspaceID(c),
		ChatID:         realtime.IDString(req.ChatID),
		Content:        req.Content,
		IdempotencyKey: key,
		SenderName:     req.SenderName,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	if replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	okData(c, http.StatusOK, msg)
}
