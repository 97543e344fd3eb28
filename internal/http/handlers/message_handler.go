package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/services"
)

// ListMessagesResponse wraps a page of messages, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List a chat's messages (paginated, oldest first)
// @Description Supports a weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
// @Param       X-Workspace-Id header string true "Workspace"
// @Param       id        path  string true  "Chat documentId or numeric id"
// @Param       page      query int    false "Page number" minimum(1) default(1)
// @Param       page_size query int    false "Items per page" minimum(1) maximum(100) default(20)
// @Success     200 {object} handlers.ListMessagesResponse
// @Success     304 {string} string "Not Modified"
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /chats/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	ws := middleware.WorkspaceID(c)
	page, pageSize := pageParams(c)

	chat, err := h.chats.Get(ctx, ws, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if count, maxTS, err := h.messages.Stats(ctx, chat.DocumentID); err == nil {
		if notModified(c, "messages", chat.DocumentID, page, pageSize, count, unixOrZero(maxTS)) {
			c.Status(http.StatusNotModified)
			return
		}
	}

	_, items, total, err := h.messages.ListPage(ctx, ws, chat.DocumentID, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, pageSize, total)})
}

// GetMessage godoc
// @ID          getMessage
// @Summary     Get a message by opaque or numeric id
// @Tags        Messages
// @Produce     json
// @Param       X-Workspace-Id header string true "Workspace"
// @Param       id path string true "Message documentId or numeric id"
// @Success     200 {object} handlers.DataResponse
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /messages/{id} [get]
func (h *Handlers) GetMessage(c *gin.Context) {
	ctx := c.Request.Context()
	m, err := h.messages.Get(ctx, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	// Messages of other workspaces are reported as missing.
	if _, err := h.chats.Get(ctx, middleware.WorkspaceID(c), m.ChatID); err != nil {
		failErr(c, services.ErrMessageNotFound)
		return
	}
	okData(c, http.StatusOK, m)
}
