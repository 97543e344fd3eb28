package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/repo"
	"github.com/chatcharin/messaging-hub/internal/services"
)

type stubChats struct {
	create   func(context.Context, services.CreateChatInput) (*domain.Chat, bool, error)
	get      func(ctx context.Context, ws, id string) (*domain.Chat, error)
	list     func(context.Context, repo.ChatFilter, int, int) ([]domain.Chat, int64, error)
	update   func(ctx context.Context, ws, id, actor string, in services.UpdateChatInput) (*domain.Chat, error)
	markRead func(ctx context.Context, ws, id string) (*domain.Chat, error)
	stats    func(ctx context.Context, ws string) (int64, *time.Time, error)
}

func (s *stubChats) Create(ctx context.Context, in services.CreateChatInput) (*domain.Chat, bool, error) {
	return s.create(ctx, in)
}

func (s *stubChats) Get(ctx context.Context, ws, id string) (*domain.Chat, error) {
	return s.get(ctx, ws, id)
}

func (s *stubChats) ListPage(ctx context.Context, f repo.ChatFilter, page, size int) ([]domain.Chat, int64, error) {
	return s.list(ctx, f, page, size)
}

func (s *stubChats) Update(ctx context.Context, ws, id, actor string, in services.UpdateChatInput) (*domain.Chat, error) {
	return s.update(ctx, ws, id, actor, in)
}

func (s *stubChats) MarkRead(ctx context.Context, ws, id string) (*domain.Chat, error) {
	return s.markRead(ctx, ws, id)
}

func (s *stubChats) Stats(ctx context.Context, ws string) (int64, *time.Time, error) {
	if s.stats == nil {
		return 0, nil, context.Canceled
	}
	return s.stats(ctx, ws)
}

type stubMessages struct {
	list  func(ctx context.Context, ws, chatID string, page, size int) (*domain.Chat, []domain.Message, int64, error)
	get   func(ctx context.Context, id string) (*domain.Message, error)
	stats func(ctx context.Context, chatID string) (int64, *time.Time, error)
}

func (s *stubMessages) ListPage(ctx context.Context, ws, chatID string, page, size int) (*domain.Chat, []domain.Message, int64, error) {
	return s.list(ctx, ws, chatID, page, size)
}

func (s *stubMessages) Get(ctx context.Context, id string) (*domain.Message, error) {
	return s.get(ctx, id)
}

func (s *stubMessages) Stats(ctx context.Context, chatID string) (int64, *time.Time, error) {
	return s.stats(ctx, chatID)
}

type stubRelay struct {
	calls []services.SendRequest
	fam   []services.Family
	send  func(services.SendRequest) (*domain.Message, bool, error)
}

func (s *stubRelay) Send(_ context.Context, f services.Family, req services.SendRequest) (*domain.Message, bool, error) {
	s.calls = append(s.calls, req)
	s.fam = append(s.fam, f)
	return s.send(req)
}

type inboxCall struct {
	family    string
	settingID string
	body      string
	signature string
}

type stubInbox struct {
	calls  []inboxCall
	verify func(settingID, mode, token, challenge string) (string, bool)
}

func (s *stubInbox) HandleLine(_ context.Context, id string, body []byte, h http.Header) services.InboxResult {
	s.calls = append(s.calls, inboxCall{"line", id, string(body), h.Get("X-Line-Signature")})
	return services.InboxResult{Ingested: 1}
}

func (s *stubInbox) HandleMeta(_ context.Context, id string, body []byte, h http.Header) services.InboxResult {
	s.calls = append(s.calls, inboxCall{"meta", id, string(body), h.Get("X-Hub-Signature-256")})
	return services.InboxResult{Outcome: services.OutcomeInvalidSignature}
}

func (s *stubInbox) VerifyMeta(_ context.Context, id, mode, token, challenge string) (string, bool) {
	return s.verify(id, mode, token, challenge)
}

// newTestEngine mounts the handlers the way the router does, without the
// process-wide middleware.
func newTestEngine(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())

	hooks := r.Group("/api")
	hooks.POST("/line/callback/:settingId", h.LineCallback)
	hooks.POST("/meta/callback/:settingId", h.MetaCallback)
	hooks.GET("/meta/callback/:settingId", h.MetaVerify)

	gate := middleware.WorkspaceGate(middleware.HeaderAuthorizer{})
	idem := middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil)
	push := r.Group("/api", gate, idem)
	push.POST("/line/push", h.PushLine)
	push.POST("/meta/push", h.PushMeta)

	v1 := r.Group("/api/v1", gate)
	v1.POST("/chats", h.CreateChat)
	v1.GET("/chats", h.ListChats)
	v1.GET("/chats/:id", h.GetChat)
	v1.PATCH("/chats/:id", h.UpdateChat)
	v1.POST("/chats/:id/read", h.MarkChatRead)
	v1.GET("/chats/:id/messages", h.ListMessages)
	v1.GET("/messages/:id", h.GetMessage)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderWorkspaceID, "W1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e
}

func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode data body %q: %v", w.Body.String(), err)
	}
	return env.Data
}
