package handlers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/services"
)

func TestPush_SendsThroughFamilyAndWrapsData(t *testing.T) {
	relay := &stubRelay{send: func(req services.SendRequest) (*domain.Message, bool, error) {
		return &domain.Message{DocumentID: "m1", ChatID: req.ChatID, Content: req.Content, SenderRole: domain.RoleAgent}, false, nil
	}}
	r := newTestEngine(New(Deps{Relay: relay}))

	w := do(t, r, http.MethodPost, "/api/line/push", `{"chatId":12,"content":"hello"}`, "Idempotency-Key", "k-1")
	if w.Code != http.StatusOK {
		t.Fatalf("line push: %d %s", w.Code, w.Body.String())
	}
	if m := decodeData[domain.Message](t, w); m.DocumentID != "m1" || m.Content != "hello" {
		t.Fatalf("data = %+v", m)
	}
	if w.Header().Get("Idempotency-Replayed") != "" {
		t.Fatalf("first send is not a replay")
	}

	do(t, r, http.MethodPost, "/api/meta/push", `{"chatId":"doc-9","content":"hi"}`)
	want := []services.SendRequest{
		{WorkspaceID: "W1", ChatID: "12", Content: "hello", IdempotencyKey: "k-1"},
		{WorkspaceID: "W1", ChatID: "doc-9", Content: "hi"},
	}
	if len(relay.calls) != 2 || relay.calls[0] != want[0] || relay.calls[1] != want[1] {
		t.Fatalf("calls = %+v", relay.calls)
	}
	if relay.fam[0] != services.FamilyLine || relay.fam[1] != services.FamilyMeta {
		t.Fatalf("families = %v", relay.fam)
	}
}

func TestPush_ReplayHeader(t *testing.T) {
	relay := &stubRelay{send: func(services.SendRequest) (*domain.Message, bool, error) {
		return &domain.Message{DocumentID: "m1"}, true, nil
	}}
	r := newTestEngine(New(Deps{Relay: relay}))
	w := do(t, r, http.MethodPost, "/api/line/push", `{"chatId":"c","content":"x"}`, "Idempotency-Key", "k-1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("code=%d headers=%v", w.Code, w.Header())
	}
}

func TestPush_Errors(t *testing.T) {
	var next error
	relay := &stubRelay{send: func(services.SendRequest) (*domain.Message, bool, error) { return nil, false, next }}
	r := newTestEngine(New(Deps{Relay: relay}))

	w := do(t, r, http.MethodPost, "/api/line/push", "")
	if w.Code != http.StatusBadRequest || decodeError(t, w).Message != "chatId and content are required" {
		t.Fatalf("empty body: %d %s", w.Code, w.Body.String())
	}
	if len(relay.calls) != 0 {
		t.Fatalf("relay called for an unparsable body")
	}

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrMissingContent, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrChatNotFound, http.StatusNotFound, ErrCodeNotFound},
		{&services.ProviderError{Channel: domain.ChannelFacebook, Err: errors.New("(#100) bad")}, http.StatusBadRequest, ErrCodeProviderError},
	}
	for _, tc := range cases {
		next = tc.err
		w := do(t, r, http.MethodPost, "/api/meta/push", `{"chatId":"c","content":"x"}`)
		if e := decodeError(t, w); w.Code != tc.status || e.Code != tc.code || e.Message != tc.err.Error() {
			t.Fatalf("%v: %d %+v", tc.err, w.Code, e)
		}
	}

	w = do(t, r, http.MethodPost, "/api/line/push", `{"chatId":"c","content":"x"}`, "Idempotency-Key", "has space")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed idempotency key: %d", w.Code)
	}
}
