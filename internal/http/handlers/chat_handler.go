// Chat endpoints, all behind the workspace gate:
//   - POST  /chats            (create or return the visitor's active chat)
//   - GET   /chats            (list, paginated, ETag)
//   - GET   /chats/{id}
//   - PATCH /chats/{id}       (status, assignment, labels)
//   - POST  /chats/{id}/read  (reset unread count)
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
	"github.com/chatcharin/messaging-hub/internal/services"
	"github.com/chatcharin/messaging-hub/internal/utils"
)

// ChatService is the chat management surface used by the handlers.
type ChatService interface {
	Create(ctx context.Context, in services.CreateChatInput) (*domain.Chat, bool, error)
	Get(ctx context.Context, workspaceID, rawID string) (*domain.Chat, error)
	ListPage(ctx context.Context, f repo.ChatFilter, page, pageSize int) ([]domain.Chat, int64, error)
	Update(ctx context.Context, workspaceID, rawID, actorUserID string, in services.UpdateChatInput) (*domain.Chat, error)
	MarkRead(ctx context.Context, workspaceID, rawID string) (*domain.Chat, error)
	Stats(ctx context.Context, workspaceID string) (int64, *time.Time, error)
}

// MessageService reads messages.
type MessageService interface {
	ListPage(ctx context.Context, workspaceID, rawChatID string, page, pageSize int) (*domain.Chat, []domain.Message, int64, error)
	Get(ctx context.Context, rawID string) (*domain.Message, error)
	Stats(ctx context.Context, chatID string) (int64, *time.Time, error)
}

// Relay sends operator replies through a provider.
type Relay interface {
	Send(ctx context.Context, family services.Family, req services.SendRequest) (*domain.Message, bool, error)
}

// Inbox processes webhook deliveries.
type Inbox interface {
	HandleLine(ctx context.Context, settingID string, body []byte, header http.Header) services.InboxResult
	HandleMeta(ctx context.Context, settingID string, body []byte, header http.Header) services.InboxResult
	VerifyMeta(ctx context.Context, settingID, mode, token, challenge string) (string, bool)
}

// LiveHub serves real-time connections.
type LiveHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, id realtime.Identity) error
}

// Deps are the services behind the endpoints. A nil dependency leaves its
// endpoints unregistered by the router.
type Deps struct {
	Chats    ChatService
	Messages MessageService
	Relay    Relay
	Inbox    Inbox
	Live     LiveHub
}

// Handlers groups the endpoints.
type Handlers struct {
	chats    ChatService
	messages MessageService
	relay    Relay
	inbox    Inbox
	live     LiveHub
}

// New returns handlers bound to d.
func New(d Deps) *Handlers {
	return &Handlers{chats: d.Chats, messages: d.Messages, relay: d.Relay, inbox: d.Inbox, live: d.Live}
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateChatRequest creates or returns the active chat of a visitor. The
// workspace comes from the gate; a workspaceId in the body must match it.
type CreateChatRequest struct {
	WorkspaceID     string         `json:"workspaceId"`
	Channel         domain.Channel `json:"channel" example:"widget"`
	VisitorID       string         `json:"visitorId" example:"v-123"`
	VisitorName     string         `json:"visitorName"`
	VisitorAvatar   string         `json:"visitorAvatar"`
	SettingID       string         `json:"settingId"`
	WidgetSettingID string         `json:"widgetSettingId"`
	Metadata        map[string]any `json:"metadata"`
}

// UpdateChatRequest is a partial update. Absent fields are unchanged;
// "assigneeRef": null unassigns.
type UpdateChatRequest struct {
	Status        *domain.ChatStatus `json:"status" example:"closed"`
	AssigneeRef   json.RawMessage    `json:"assigneeRef" swaggertype:"object"`
	AssignedByRef json.RawMessage    `json:"assignedByRef" swaggertype:"object"`
	LabelIDs      *[]string          `json:"labelIds"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{Page: page, PageSize: pageSize, Total: total, TotalPages: pages, HasNext: page < pages}
}

// ListChatsResponse wraps a page of chats.
type ListChatsResponse struct {
	Chats      []domain.Chat `json:"chats"`
	Pagination Pagination    `json:"pagination"`
}

func pageParams(c *gin.Context) (int, int) {
	return utils.Page(c.Query("page"), c.Query("page_size"), defaultPageSize, maxPageSize)
}

// notModified sets a weak ETag built from parts and reports whether the
// client's If-None-Match already matches it.
func notModified(c *gin.Context, parts ...any) bool {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	etag := `W/"` + strings.Join(strs, ":") + `"`
	c.Header("ETag", etag)
	return c.GetHeader("If-None-Match") == etag
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

// CreateChat godoc
// @ID          createChat
// @Summary     Create or return a visitor's active chat
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       X-Workspace-Id header string true "Workspace"
// @Param       body body handlers.CreateChatRequest true "Visitor scope"
// @Success     201 {object} handlers.DataResponse "Created"
// @Success     200 {object} handlers.DataResponse "Existing active chat"
// @Failure     400 {object} handlers.ErrorResponse
// @Failure     403 {object} handlers.ErrorResponse
// @Router      /chats [post]
func (h *Handlers) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ws := middleware.WorkspaceID(c)
	if req.WorkspaceID != "" && req.WorkspaceID != ws {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "workspace mismatch")
		return
	}

	chat, created, err := h.chats.Create(c.Request.Context(), services.CreateChatInput{
		WorkspaceID:     ws,
		Channel:         domain.Channel(strings.ToLower(strings.TrimSpace(string(req.Channel)))),
		VisitorID:       req.VisitorID,
		VisitorName:     strings.TrimSpace(req.VisitorName),
		VisitorAvatar:   req.VisitorAvatar,
		SettingID:       req.SettingID,
		WidgetSettingID: req.WidgetSettingID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	okData(c, status, chat)
}

// ListChats godoc
// @ID          listChats
// @Summary     List the workspace's chats (paginated)
// @Description Most recent activity first. Supports a weak ETag via If-None-Match.
// @Tags        Chats
// @Produce     json
// @Param       X-Workspace-Id header string true  "Workspace"
// @Param       status    query string false "open, pending or closed"
// @Param       channel   query string false "widget, line, facebook, instagram or whatsapp"
// @Param       page      query int    false "Page number" minimum(1) default(1)
// @Param       page_size query int    false "Items per page" minimum(1) maximum(100) default(20)
// @Success     200 {object} handlers.ListChatsResponse
// @Success     304 {string} string "Not Modified"
// @Failure     400 {object} handlers.ErrorResponse
// @Router      /chats [get]
func (h *Handlers) ListChats(c *gin.Context) {
	ctx := c.Request.Context()
	f := repo.ChatFilter{
		WorkspaceID: middleware.WorkspaceID(c),
		Status:      domain.ChatStatus(strings.ToLower(c.Query("status"))),
		Channel:     domain.Channel(strings.ToLower(c.Query("channel"))),
	}
	page, pageSize := pageParams(c)

	if count, maxTS, err := h.chats.Stats(ctx, f.WorkspaceID); err == nil {
		if notModified(c, "chats", f.WorkspaceID, f.Status, f.Channel, page, pageSize, count, unixOrZero(maxTS)) {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.chats.ListPage(ctx, f, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListChatsResponse{Chats: items, Pagination: newPagination(page, pageSize, total)})
}

// GetChat godoc
// @ID          getChat
// @Summary     Get a chat by opaque or numeric id
// @Tags        Chats
// @Produce     json
// @Param       X-Workspace-Id header string true "Workspace"
// @Param       id path string true "Chat documentId or numeric id"
// @Success     200 {object} handlers.DataResponse
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /chats/{id} [get]
func (h *Handlers) GetChat(c *gin.Context) {
	chat, err := h.chats.Get(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	okData(c, http.StatusOK, chat)
}

// UpdateChat godoc
// @ID          updateChat
// @Summary     Change status, assignment or labels
// @Description Assignment and label changes post a system message to the chat.
// @Tags        Chats
// @Accept      json
// @Produce     json
// @Param       X-Workspace-Id header string true "Workspace"
// @Param       X-User-ID header string false "Acting operator"
// @Param       id path string true "Chat documentId or numeric id"
// @Param       body body handlers.UpdateChatRequest true "Partial update"
// @Success     200 {object} handlers.DataResponse
// @Failure     400 {object} handlers.ErrorResponse
// @Failure     404 {object} handlers.ErrorResponse
// @Failure     409 {object} handlers.ErrorResponse "Visitor already has an active chat"
// @Router      /chats/{id} [patch]
func (h *Handlers) UpdateChat(c *gin.Context) {
	var req UpdateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	p := middleware.CurrentPrincipal(c)
	chat, err := h.chats.Update(c.Request.Context(), p.WorkspaceID, c.Param("id"), p.UserID, services.UpdateChatInput{
		Status:        req.Status,
		AssigneeRef:   req.AssigneeRef,
		AssignedByRef: req.AssignedByRef,
		LabelIDs:      req.LabelIDs,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	okData(c, http.StatusOK, chat)
}

// MarkChatRead godoc
// @ID          markChatRead
// @Summary     Reset the unread count
// @Tags        Chats
// @Produce     json
// @Param       X-Workspace-Id header string true "Workspace"
// @Param       id path string true "Chat documentId or numeric id"
// @Success     200 {object} handlers.DataResponse
// @Failure     404 {object} handlers.ErrorResponse
// @Router      /chats/{id}/read [post]
func (h *Handlers) MarkChatRead(c *gin.Context) {
	chat, err := h.chats.MarkRead(c.Request.Context(), middleware.WorkspaceID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	okData(c, http.StatusOK, chat)
}
