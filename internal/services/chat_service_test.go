package services

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"testing"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

func systemMessages(t *testing.T, e *env, chatID string) []string {
	t.Helper()
	var out []string
	for _, m := range e.messages(t, chatID) {
		if m.SenderRole == domain.RoleSystem {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestChatService_CreateReturnsActiveChat(t *testing.T) {
	e := newEnv(t)

	in := CreateChatInput{WorkspaceID: "W1", Channel: domain.ChannelWidget, VisitorID: "V1", WidgetSettingID: "WS1"}
	first, created, err := e.chats.Create(ctxBG, in)
	if err != nil || !created {
		t.Fatalf("Create: %v created=%v", err, created)
	}
	if first.VisitorName != "V1" || first.SettingID != "WS1" || first.Metadata["widgetSettingId"] != "WS1" {
		t.Fatalf("chat = %+v", first)
	}
	again, created, err := e.chats.Create(ctxBG, in)
	if err != nil || created || again.DocumentID != first.DocumentID {
		t.Fatalf("second Create: %+v created=%v err=%v", again, created, err)
	}

	// Another widget on the same site gets its own conversation.
	in.WidgetSettingID = ""
	in.Metadata = map[string]any{"widgetSettingId": "WS2"}
	other, created, err := e.chats.Create(ctxBG, in)
	if err != nil || !created || other.DocumentID == first.DocumentID || other.SettingID != "WS2" {
		t.Fatalf("widget scopes not separated: %+v", other)
	}

	if _, _, err := e.chats.Create(ctxBG, CreateChatInput{WorkspaceID: "W1", Channel: "fax", VisitorID: "V"}); err != ErrInvalidChannel {
		t.Fatalf("invalid channel: %v", err)
	}
	if _, _, err := e.chats.Create(ctxBG, CreateChatInput{Channel: domain.ChannelWidget}); err != ErrMissingChatFields {
		t.Fatalf("missing fields: %v", err)
	}
}

func TestChatService_AssignAndUnassign(t *testing.T) {
	e := newEnv(t)
	e.chats.Actors = StaticDirectory{Users: map[string]string{"12": "Somchai"}, Agents: map[string]string{"bot": "Helper"}}
	chat := e.seedChat(t, domain.Chat{})

	got, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "7", UpdateChatInput{AssigneeRef: json.RawMessage(`12`)})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.AssignmentStatus != domain.Assigned || got.AssigneeName != "Somchai" || got.AssigneeUserID == nil || *got.AssigneeUserID != "12" {
		t.Fatalf("chat = %+v", got)
	}
	if got.AssignedBy == nil || *got.AssignedBy != "7" || got.AssignedAt == nil {
		t.Fatalf("assigner not recorded: %+v", got)
	}

	got, err = e.chats.Update(ctxBG, "W1", chat.DocumentID, "7", UpdateChatInput{AssigneeRef: json.RawMessage(`{"type":"agent","id":"bot"}`)})
	if err != nil || got.AssigneeUserID != nil || got.AssigneeAgentID == nil || *got.AssigneeAgentID != "bot" {
		t.Fatalf("reassign to agent: %+v err=%v", got, err)
	}

	// Same assignee again posts nothing.
	if _, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "7", UpdateChatInput{AssigneeRef: json.RawMessage(`"agent:bot"`)}); err != nil {
		t.Fatalf("noop assign: %v", err)
	}

	got, err = e.chats.Update(ctxBG, "W1", chat.DocumentID, "7", UpdateChatInput{AssigneeRef: json.RawMessage(`null`)})
	if err != nil || got.AssignmentStatus != domain.Unassigned || got.AssigneeName != "" || got.AssignedAt != nil {
		t.Fatalf("unassign: %+v err=%v", got, err)
	}

	want := []string{"Assigned to Somchai", "Assigned to Helper", "Unassigned"}
	if got := systemMessages(t, e, chat.DocumentID); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("system messages = %q", got)
	}
	msgs := e.messages(t, chat.DocumentID)
	if msgs[0].Metadata["type"] != "assignment" || msgs[0].Metadata["actorUserId"] != "7" {
		t.Fatalf("metadata = %v", msgs[0].Metadata)
	}
	if n := len(e.bus.events(realtime.WorkspaceRoom("W1"), realtime.EventMessageNew)); n != 3 {
		t.Fatalf("workspace message:new = %d", n)
	}
	// System messages do not count as unread.
	if c := e.chat(t, chat.DocumentID); c.UnreadCount != 0 || c.LastMessage != "Unassigned" {
		t.Fatalf("chat = %+v", c)
	}
}

func TestChatService_AssignRejectsBadRefs(t *testing.T) {
	e := newEnv(t)
	e.chats.Actors = StaticDirectory{Strict: true, Users: map[string]string{"1": "Ann"}}
	chat := e.seedChat(t, domain.Chat{})

	_, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{AssigneeRef: json.RawMessage(`"robot:1"`)})
	if !errors.Is(err, ErrInvalidActorRef) {
		t.Fatalf("err = %v", err)
	}

	// Unknown users unassign.
	if _, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{AssigneeRef: json.RawMessage(`"user:1"`)}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{AssigneeRef: json.RawMessage(`"user:999"`)})
	if err != nil || got.Assignee() != nil {
		t.Fatalf("unknown user: %+v err=%v", got, err)
	}
	if got := systemMessages(t, e, chat.DocumentID); len(got) != 2 || got[1] != "Unassigned" {
		t.Fatalf("system messages = %q", got)
	}
}

func TestChatService_Labels(t *testing.T) {
	e := newEnv(t)
	chat := e.seedChat(t, domain.Chat{})
	var ids []string
	for _, key := range []string{"vip", "hot"} {
		l := &domain.Label{WorkspaceID: "W1", Key: key, IsActive: true}
		if err := repo.CreateLabel(ctxBG, e.db, l); err != nil {
			t.Fatalf("CreateLabel: %v", err)
		}
		ids = append(ids, l.DocumentID)
	}

	got, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{LabelIDs: &ids})
	if err != nil || len(got.Labels) != 2 {
		t.Fatalf("set labels: %+v err=%v", got, err)
	}
	// Reordered input is the same set.
	swapped := []string{ids[1], ids[0], ids[1]}
	if _, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{LabelIDs: &swapped}); err != nil {
		t.Fatalf("same labels: %v", err)
	}
	empty := []string{}
	if _, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{LabelIDs: &empty}); err != nil {
		t.Fatalf("clear labels: %v", err)
	}
	unknown := []string{"missing"}
	if _, err := e.chats.Update(ctxBG, "W1", chat.DocumentID, "", UpdateChatInput{LabelIDs: &unknown}); err != ErrLabelNotFound {
		t.Fatalf("unknown label: %v", err)
	}

	got2 := systemMessages(t, e, chat.DocumentID)
	if len(got2) != 2 || got2[0] != "Labels: hot, vip" || got2[1] != "Labels cleared" {
		t.Fatalf("system messages = %q", got2)
	}
	msgs := e.messages(t, chat.DocumentID)
	keys, _ := msgs[0].Metadata["keys"].([]any)
	if msgs[0].Metadata["type"] != "labels" || len(keys) != 2 {
		t.Fatalf("metadata = %v", msgs[0].Metadata)
	}
}

func TestChatService_StatusAndReopenConflict(t *testing.T) {
	e := newEnv(t)
	closed := domain.ChatClosed
	open := domain.ChatOpen
	old := e.seedChat(t, domain.Chat{Status: domain.ChatClosed, VisitorID: "V"})
	e.seedChat(t, domain.Chat{VisitorID: "V"})

	if _, err := e.chats.Update(ctxBG, "W1", old.DocumentID, "", UpdateChatInput{Status: &open}); err != ErrActiveChatExists {
		t.Fatalf("reopen: %v", err)
	}
	bogus := domain.ChatStatus("archived")
	if _, err := e.chats.Update(ctxBG, "W1", old.DocumentID, "", UpdateChatInput{Status: &bogus}); err != ErrInvalidStatus {
		t.Fatalf("bogus status: %v", err)
	}
	if _, err := e.chats.Update(ctxBG, "W2", old.DocumentID, "", UpdateChatInput{Status: &closed}); err != ErrChatNotFound {
		t.Fatalf("foreign workspace: %v", err)
	}
	got, err := e.chats.Update(ctxBG, "W1", old.DocumentID, "", UpdateChatInput{Status: &closed})
	if err != nil || got.Status != domain.ChatClosed {
		t.Fatalf("close: %+v %v", got, err)
	}
	if len(e.bus.events(realtime.WorkspaceRoom("W1"), realtime.EventConversationUpdated)) != 1 {
		t.Fatalf("conversation:updated not published once")
	}
}

func TestChatService_MarkReadAndList(t *testing.T) {
	e := newEnv(t)
	chat := e.seedChat(t, domain.Chat{})
	for _, text := range []string{"a", "b"} {
		if _, _, err := e.pipeline.Ingest(ctxBG, Entry{Chat: chat, Role: domain.RoleVisitor, Content: text}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	e.seedChat(t, domain.Chat{VisitorID: "U2", Status: domain.ChatClosed})

	got, err := e.chats.MarkRead(ctxBG, "W1", chat.DocumentID)
	if err != nil || got.UnreadCount != 0 {
		t.Fatalf("MarkRead: %+v %v", got, err)
	}

	items, total, err := e.chats.ListPage(ctxBG, repo.ChatFilter{WorkspaceID: "W1", Status: domain.ChatOpen}, 1, 10)
	if err != nil || total != 1 || len(items) != 1 || items[0].DocumentID != chat.DocumentID {
		t.Fatalf("ListPage: %d %v %v", total, items, err)
	}
	items, total, _ = e.chats.ListPage(ctxBG, repo.ChatFilter{WorkspaceID: "W1"}, 0, 0)
	ids := []string{items[0].VisitorID, items[1].VisitorID}
	sort.Strings(ids)
	if total != 2 || ids[0] != "U1" || ids[1] != "U2" {
		t.Fatalf("unfiltered = %v", ids)
	}
	if _, _, err := e.chats.ListPage(ctxBG, repo.ChatFilter{WorkspaceID: "W1", Status: "nope"}, 1, 10); err != ErrInvalidStatus {
		t.Fatalf("invalid status: %v", err)
	}
	if items, total, err := e.chats.ListPage(ctxBG, repo.ChatFilter{WorkspaceID: "empty"}, 1, 10); err != nil || total != 0 || items == nil {
		t.Fatalf("empty workspace: %v %d %v", items, total, err)
	}
}

func TestChatService_ResolveChatReportsOwningWorkspace(t *testing.T) {
	e := newEnv(t)
	chat := e.seedChat(t, domain.Chat{WorkspaceID: "W2", Channel: domain.ChannelWidget})

	for _, raw := range []string{chat.DocumentID, strconv.FormatUint(chat.ID, 10)} {
		ref, err := e.chats.ResolveChat(ctxBG, raw)
		if err != nil || ref != (realtime.ChatRef{DocumentID: chat.DocumentID, WorkspaceID: "W2"}) {
			t.Fatalf("ResolveChat(%q) = %+v, %v", raw, ref, err)
		}
	}
	if _, err := e.chats.ResolveChat(ctxBG, "missing"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("missing: %v", err)
	}
}
