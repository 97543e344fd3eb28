package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/config"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/http/handlers"
	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
	"github.com/chatcharin/messaging-hub/internal/services"
)

// --- fakes for the handler dependencies ---

type fakeChats struct{}

func (fakeChats) Create(_ context.Context, in services.CreateChatInput) (*domain.Chat, bool, error) {
	return &domain.Chat{DocumentID: "c1", WorkspaceID: in.WorkspaceID}, true, nil
}
func (fakeChats) Get(_ context.Context, ws, id string) (*domain.Chat, error) {
	return &domain.Chat{DocumentID: id, WorkspaceID: ws}, nil
}
func (fakeChats) ListPage(context.Context, repo.ChatFilter, int, int) ([]domain.Chat, int64, error) {
	return nil, 0, nil
}
func (fakeChats) Update(_ context.Context, _, id, _ string, _ services.UpdateChatInput) (*domain.Chat, error) {
	return &domain.Chat{DocumentID: id}, nil
}
func (fakeChats) MarkRead(_ context.Context, _, id string) (*domain.Chat, error) {
	return &domain.Chat{DocumentID: id}, nil
}
func (fakeChats) Stats(context.Context, string) (int64, *time.Time, error) { return 0, nil, nil }

type fakeRelay struct{ sends int }

func (f *fakeRelay) Send(_ context.Context, _ services.Family, req services.SendRequest) (*domain.Message, bool, error) {
	f.sends++
	return &domain.Message{DocumentID: "m1", ChatID: req.ChatID, Content: req.Content}, false, nil
}

type fakeInbox struct{ deliveries int }

func (f *fakeInbox) HandleLine(context.Context, string, []byte, http.Header) services.InboxResult {
	f.deliveries++
	return services.InboxResult{Outcome: services.OutcomeIngested}
}
func (f *fakeInbox) HandleMeta(context.Context, string, []byte, http.Header) services.InboxResult {
	f.deliveries++
	return services.InboxResult{Outcome: services.OutcomeIngested}
}
func (f *fakeInbox) VerifyMeta(_ context.Context, _, _, _, challenge string) (string, bool) {
	return challenge, true
}

type fakeLive struct{ ids []realtime.Identity }

func (f *fakeLive) ServeWS(w http.ResponseWriter, _ *http.Request, id realtime.Identity) error {
	f.ids = append(f.ids, id)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), repo.Options{Silent: true})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T, d Deps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, d)
	return r
}

func send(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e handlers.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return e.Code
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r := newRouter(t, Deps{DB: newTestDB(t), Config: testConfig()})

	w := send(r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("GET /health = %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("ACAO = %q, want *", got)
	}
	if w.Header().Get("X-Request-ID") == "" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing baseline headers: %v", w.Header())
	}

	if w := send(r, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	if w := send(r, http.MethodGet, "/does-not-exist", ""); w.Code != http.StatusNotFound || errorCode(t, w) != handlers.ErrCodeNotFound {
		t.Fatalf("NoRoute = %d %s", w.Code, w.Body.String())
	}
	if w := send(r, http.MethodPost, "/health", ""); w.Code != http.StatusMethodNotAllowed || errorCode(t, w) != handlers.ErrCodeMethodNotAllowed {
		t.Fatalf("NoMethod = %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_HealthReportsClosedDatabase(t *testing.T) {
	db := newTestDB(t)
	r := newRouter(t, Deps{DB: db, Config: testConfig()})
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB: %v", err)
	}
	_ = sqlDB.Close()

	if w := send(r, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health on closed db = %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r := newRouter(t, Deps{DB: newTestDB(t), Config: cfg})

	w := send(r, http.MethodGet, "/health", "", "Origin", "http://example.com")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	w = send(r, http.MethodGet, "/health", "", "Origin", "http://evil.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin must not be echoed, got %q", got)
	}
}

func TestRegisterRoutes_WebhooksUngatedOperatorRoutesGated(t *testing.T) {
	inbox := &fakeInbox{}
	live := &fakeLive{}
	r := newRouter(t, Deps{
		DB:     newTestDB(t),
		Config: testConfig(),
		Handlers: handlers.Deps{
			Chats: fakeChats{},
			Relay: &fakeRelay{},
			Inbox: inbox,
			Live:  live,
		},
	})

	if w := send(r, http.MethodPost, "/api/line/callback/S1", `{"events":[]}`); w.Code != http.StatusOK {
		t.Fatalf("line callback = %d", w.Code)
	}
	if w := send(r, http.MethodPost, "/api/meta/callback/S1", `{"object":"page"}`); w.Code != http.StatusOK {
		t.Fatalf("meta callback = %d", w.Code)
	}
	if w := send(r, http.MethodGet, "/api/meta/callback/S1?hub.mode=subscribe&hub.verify_token=t&hub.challenge=42", ""); w.Body.String() != "42" {
		t.Fatalf("verify = %d %q", w.Code, w.Body.String())
	}
	if inbox.deliveries != 2 {
		t.Fatalf("deliveries = %d", inbox.deliveries)
	}

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/v1/chats", ""},
		{http.MethodPost, "/api/line/push", `{"chatId":"c","content":"x"}`},
		{http.MethodGet, "/ws", ""},
	} {
		w := send(r, tc.method, tc.path, tc.body)
		if w.Code != http.StatusUnauthorized || errorCode(t, w) != "unauthorized" {
			t.Fatalf("%s %s without workspace = %d %s", tc.method, tc.path, w.Code, w.Body.String())
		}
	}

	if w := send(r, http.MethodGet, "/api/v1/chats/c9", "", middleware.HeaderWorkspaceID, "W1"); w.Code != http.StatusOK {
		t.Fatalf("gated GET = %d %s", w.Code, w.Body.String())
	}

	// The websocket accepts the workspace on the query string.
	if w := send(r, http.MethodGet, "/ws?workspaceId=W1&userId=u1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("ws = %d %s", w.Code, w.Body.String())
	}
	if len(live.ids) != 1 || live.ids[0] != (realtime.Identity{UserID: "u1", WorkspaceID: "W1"}) {
		t.Fatalf("identities = %+v", live.ids)
	}
}

func TestRegisterRoutes_NilDepsLeaveRoutesUnregistered(t *testing.T) {
	r := newRouter(t, Deps{DB: newTestDB(t), Config: testConfig()})
	for _, p := range []string{"/api/v1/chats", "/ws"} {
		if w := send(r, http.MethodGet, p, "", middleware.HeaderWorkspaceID, "W1"); w.Code != http.StatusNotFound {
			t.Fatalf("GET %s = %d, want 404", p, w.Code)
		}
	}
}

func TestRegisterRoutes_RateLimitSparesWebhooksAndReplays(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if _, err := repo.CreateIdempotency(ctx, db, "W1", "c", "k-replay", "m1", 200, time.Hour); err != nil {
		t.Fatalf("seed idempotency: %v", err)
	}

	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	relay := &fakeRelay{}
	inbox := &fakeInbox{}
	r := newRouter(t, Deps{DB: db, Config: cfg, Handlers: handlers.Deps{Relay: relay, Inbox: inbox}})

	body := `{"chatId":"c","content":"x"}`
	for i := 0; i < 3; i++ {
		w := send(r, http.MethodPost, "/api/line/push", body, middleware.HeaderWorkspaceID, "W1", middleware.HeaderIdempotencyKey, "k-replay")
		if w.Code != http.StatusOK {
			t.Fatalf("replay %d = %d %s", i, w.Code, w.Body.String())
		}
	}
	if w := send(r, http.MethodPost, "/api/line/push", body, middleware.HeaderWorkspaceID, "W1"); w.Code != http.StatusOK {
		t.Fatalf("first fresh push = %d", w.Code)
	}
	w := send(r, http.MethodPost, "/api/line/push", body, middleware.HeaderWorkspaceID, "W1")
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second fresh push = %d headers=%v", w.Code, w.Header())
	}

	// Another workspace has its own bucket.
	if w := send(r, http.MethodPost, "/api/meta/push", body, middleware.HeaderWorkspaceID, "W2"); w.Code != http.StatusOK {
		t.Fatalf("other workspace = %d", w.Code)
	}

	for i := 0; i < 5; i++ {
		if w := send(r, http.MethodPost, "/api/line/callback/S1", `{}`); w.Code != http.StatusOK {
			t.Fatalf("webhook %d = %d", i, w.Code)
		}
	}
}

func TestRegisterRoutes_SwaggerToggle(t *testing.T) {
	db := newTestDB(t)

	off := newRouter(t, Deps{DB: db, Config: testConfig()})
	if w := send(off, http.MethodGet, "/openapi.json", ""); w.Code != http.StatusNotFound {
		t.Fatalf("openapi.json with swagger off = %d", w.Code)
	}

	cfg := testConfig()
	cfg.SwaggerEnabled = true
	on := newRouter(t, Deps{DB: db, Config: cfg})
	w := send(on, http.MethodGet, "/openapi.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("openapi.json = %d", w.Code)
	}
	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if doc.OpenAPI == "" || doc.Paths["/api/line/push"] == nil {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if w := send(on, http.MethodGet, "/swagger/index.html", ""); w.Code != http.StatusOK {
		t.Fatalf("swagger ui = %d", w.Code)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := send(r, http.MethodGet, path, "")
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
