// Package services implements the conversation engine of the hub: resolving
// inbound events to chats, the message ingestion pipeline, outbound relay to
// providers, chat management, and channel setting reconciliation.
//
// This file centralizes service-level error values so handlers can map them
// to HTTP status codes with errors.Is / errors.As. Messages are user facing.
package services

import (
	"errors"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

var (
	// ErrChatNotFound indicates the chat does not exist or belongs to another
	// workspace.
	ErrChatNotFound = errors.New("Chat not found")

	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("Message not found")

	// ErrSettingNotFound indicates the channel setting does not exist.
	ErrSettingNotFound = errors.New("Setting not found")

	// ErrMissingContent is returned when a relay request lacks chatId or
	// content.
	ErrMissingContent = errors.New("chatId and content are required")

	// ErrMissingChatFields is returned by chat creation without the visitor
	// scope.
	ErrMissingChatFields = errors.New("workspaceId, channel and visitorId are required")

	// ErrInvalidChannel rejects unknown channel names.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrInvalidStatus rejects unknown chat statuses.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrActiveChatExists is returned when reopening a chat would give the
	// visitor a second active chat.
	ErrActiveChatExists = errors.New("an active chat already exists for this visitor")

	// ErrInvalidActorRef rejects assignee references of unknown shape.
	ErrInvalidActorRef = domain.ErrInvalidActorRef

	// ErrLabelNotFound is returned when a label id is unknown to the
	// workspace.
	ErrLabelNotFound = errors.New("label not found")

	// ErrChannelMismatch is matched by the relay errors raised when a chat
	// does not belong to the channel family of the endpoint.
	ErrChannelMismatch = errors.New("channel mismatch")

	// ErrRequestInProgress is returned when another request holding the
	// same Idempotency-Key has not finished yet.
	ErrRequestInProgress = errors.New("a request with this Idempotency-Key is still in progress")

	// ErrNoActiveSetting is matched by the relay errors raised when no
	// active setting can serve a chat.
	ErrNoActiveSetting = errors.New("no active setting")
)

// userError carries a family specific message while matching a generic
// sentinel.
type userError struct {
	kind error
	msg  string
}

func (e *userError) Error() string        { return e.msg }
func (e *userError) Is(target error) bool { return target == e.kind }

var (
	errNotLineChat       = &userError{ErrChannelMismatch, "Chat is not a LINE channel"}
	errNotMetaChat       = &userError{ErrChannelMismatch, "Chat is not a Meta channel"}
	errNoLineSetting     = &userError{ErrNoActiveSetting, "No active LINE setting found for this workspace"}
	errNoMetaSetting     = &userError{ErrNoActiveSetting, "No active channel-setting found for this chat"}
	errSendFieldsMissing = errors.New("chatId (or conversationId) and content are required")
	errInvalidChatID     = errors.New("Invalid chatId")
	errInvalidSenderRole = errors.New("invalid senderRole")
)

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Channel domain.Channel
	Err     error
}

func (e *ProviderError) Error() string {
	prefix := "META API error: "
	if e.Channel == domain.ChannelLine {
		prefix = "LINE API error: "
	}
	return prefix + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }
