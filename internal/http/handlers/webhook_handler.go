package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/services"
)

// Webhook deliveries are always acknowledged with 200 {ok:true}: a provider
// that sees an error retries, and a rejected delivery would be retried
// forever. Rejections are visible in logs and webhook_events_total.

// LineCallback godoc
// @ID          lineCallback
// @Summary     LINE webhook delivery
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       settingId path string true "Channel setting documentId"
// @Param       X-Line-Signature header string true "base64 HMAC-SHA256 of the body"
// @Success     200 {object} handlers.AckResponse
// @Router      /line/callback/{settingId} [post]
func (h *Handlers) LineCallback(c *gin.Context) {
	h.deliver(c, "line", h.inbox.HandleLine)
}

// MetaCallback godoc
// @ID          metaCallback
// @Summary     Meta (Messenger, Instagram, WhatsApp) webhook delivery
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       settingId path string true "Channel setting documentId"
// @Param       X-Hub-Signature-256 header string true "sha256= hex HMAC of the body"
// @Success     200 {object} handlers.AckResponse
// @Router      /meta/callback/{settingId} [post]
func (h *Handlers) MetaCallback(c *gin.Context) {
	h.deliver(c, "meta", h.inbox.HandleMeta)
}

type inboxFunc func(ctx context.Context, settingID string, body []byte, header http.Header) services.InboxResult

func (h *Handlers) deliver(c *gin.Context, family string, handle inboxFunc) {
	settingID := c.Param("settingId")
	lg := middleware.LoggerFrom(c).With().Str("family", family).Str("setting_id", settingID).Logger()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		lg.Warn().Err(err).Msg("webhook body unreadable")
		ack(c)
		return
	}
	res := handle(c.Request.Context(), settingID, body, c.Request.Header)
	lg.Debug().
		Str("outcome", res.Outcome).
		Int("ingested", res.Ingested).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Msg("webhook processed")
	ack(c)
}

// MetaVerify godoc
// @ID          metaVerify
// @Summary     Meta webhook subscription handshake
// @Description Echoes hub.challenge when hub.mode is subscribe and hub.verify_token matches the setting.
// @Tags        Webhooks
// @Produce     plain
// @Param       settingId        path  string true "Channel setting documentId"
// @Param       hub.mode         query string true "subscribe"
// @Param       hub.verify_token query string true "Setting verify token"
// @Param       hub.challenge    query string true "Challenge to echo"
// @Success     200 {string} string "challenge"
// @Failure     403 {object} handlers.ErrorResponse
// @Router      /meta/callback/{settingId} [get]
func (h *Handlers) MetaVerify(c *gin.Context) {
	challenge, verified := h.inbox.VerifyMeta(c.Request.Context(), c.Param("settingId"),
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if !verified {
		fail(c, http.StatusForbidden, ErrCodeVerifyFailed, "Forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}
