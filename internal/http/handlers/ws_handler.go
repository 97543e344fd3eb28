package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/realtime"
)

// ServeWS upgrades to the real-time protocol. The connection identity is the
// gated principal; room joins are authorized against it by the hub. It
// returns when the connection closes.
func (h *Handlers) ServeWS(c *gin.Context) {
	p := middleware.CurrentPrincipal(c)
	err := h.live.ServeWS(c.Writer, c.Request, realtime.Identity{UserID: p.UserID, WorkspaceID: p.WorkspaceID})
	if err != nil && !errors.Is(err, realtime.ErrHubClosed) {
		// The upgrader has already written its own error response.
		middleware.LoggerFrom(c).Debug().Err(err).Msg("websocket upgrade failed")
	}
}
