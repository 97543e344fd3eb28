// Package realtime implements the fan-out bus: a room-scoped publish/subscribe
// hub over websocket connections.
//
// Wire format, both directions, one JSON object per text frame:
//
//	{"event": "<name>", "data": <payload>}
//
// Clients send room intents (workspace:join, workspace:leave,
// conversation:join, conversation:leave) and message:send. The server emits
// message:new, conversation:new, conversation:updated and message:error.
package realtime

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// Client intents.
const (
	IntentWorkspaceJoin     = "workspace:join"
	IntentWorkspaceLeave    = "workspace:leave"
	IntentConversationJoin  = "conversation:join"
	IntentConversationLeave = "conversation:leave"
	IntentMessageSend       = "message:send"
)

// Server events.
const (
	EventMessageNew          = "message:new"
	EventMessageUpdated      = "message:updated"
	EventConversationNew     = "conversation:new"
	EventConversationUpdated = "conversation:updated"
	EventMessageError        = "message:error"
)

// WorkspaceRoom is the room of every operator watching a workspace.
func WorkspaceRoom(workspaceID string) string { return "workspace:" + workspaceID }

// ConversationRoom is the room of one chat, keyed by its DocumentID.
func ConversationRoom(chatID string) string { return "conversation:" + chatID }

// Frame is the envelope of every websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomIntent is the payload of the join/leave intents. chatId and
// conversationId are aliases; either may be a string or a number.
type RoomIntent struct {
	WorkspaceID    string          `json:"workspaceId"`
	ChatID         json.RawMessage `json:"chatId"`
	ConversationID json.RawMessage `json:"conversationId"`
}

// RawChatID returns chatId, falling back to conversationId.
func (i RoomIntent) RawChatID() string {
	if id := IDString(i.ChatID); id != "" {
		return id
	}
	return IDString(i.ConversationID)
}

// IDString renders a JSON string or integer id as a string. Other shapes
// yield "".
func IDString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return strconv.FormatUint(u, 10)
		}
	}
	return ""
}

// MessagePayload is a Message as published to clients, with conversationId
// kept as an alias of chatId for older clients.
type MessagePayload struct {
	*domain.Message
	ConversationID string `json:"conversationId"`
}

// NewMessagePayload wraps m.
func NewMessagePayload(m *domain.Message) MessagePayload {
	return MessagePayload{Message: m, ConversationID: m.ChatID}
}

// ErrorPayload is the data of message:error.
type ErrorPayload struct {
	Error string `json:"error"`
}
