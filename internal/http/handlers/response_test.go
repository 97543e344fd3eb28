package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/http/middleware"
	"github.com/chatcharin/messaging-hub/internal/services"
)

func TestFail_500LogsWithRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)

	r := gin.New()
	r.Use(middleware.RequestID(), func(c *gin.Context) {
		c.Set("logger", &lg)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom") })
	r.GET("/bad", func(c *gin.Context) { Fail(c, http.StatusBadRequest, ErrCodeBadRequest, "nope") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "rid-500")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if e := decodeError(t, w); w.Code != 500 || e != (ErrorResponse{RequestID: "rid-500", Code: ErrCodeInternal, Message: "kaboom"}) {
		t.Fatalf("code=%d body=%+v", w.Code, e)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("5xx not logged: %s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bad", nil))
	if w.Code != http.StatusBadRequest || buf.Len() != 0 {
		t.Fatalf("4xx should not log: code=%d log=%s", w.Code, buf.String())
	}
}

func TestFailErr_Mapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
		msg    string
	}{
		{services.ErrChatNotFound, 404, ErrCodeNotFound, "Chat not found"},
		{fmt.Errorf("load: %w", services.ErrMessageNotFound), 404, ErrCodeNotFound, "load: Message not found"},
		{services.ErrActiveChatExists, 409, ErrCodeConflict, services.ErrActiveChatExists.Error()},
		{services.ErrRequestInProgress, 409, ErrCodeConflict, services.ErrRequestInProgress.Error()},
		{services.ErrMissingContent, 400, ErrCodeBadRequest, "chatId and content are required"},
		{services.ErrInvalidActorRef, 400, ErrCodeBadRequest, services.ErrInvalidActorRef.Error()},
		{services.ErrLabelNotFound, 400, ErrCodeBadRequest, "label not found"},
		{&services.ProviderError{Channel: domain.ChannelLine, Err: errors.New("boom")}, 400, ErrCodeProviderError, "LINE API error: boom"},
		{errors.New("disk on fire"), 500, ErrCodeInternal, "internal server error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		failErr(c, tc.err)
		e := decodeError(t, w)
		if w.Code != tc.status || e.Code != tc.code || e.Message != tc.msg {
			t.Fatalf("%v: got %d %+v", tc.err, w.Code, e)
		}
	}
}

func TestNotModified_WeakETag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if notModified(c, "chats", "W1", 1, 20) {
		t.Fatalf("no If-None-Match should not match")
	}
	if got := w.Header().Get("ETag"); got != `W/"chats:W1:1:20"` {
		t.Fatalf("etag = %q", got)
	}
	c.Request.Header.Set("If-None-Match", `W/"chats:W1:1:20"`)
	if !notModified(c, "chats", "W1", 1, 20) {
		t.Fatalf("matching etag not detected")
	}
}
