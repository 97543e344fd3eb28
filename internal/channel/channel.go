// Package channel defines the canonical inbound event model and the contract
// every provider adapter (LINE, Meta) implements: webhook authentication,
// payload mapping, outbound send, and profile lookups.
//
// Adapters are pure with respect to storage: they never touch the database
// or the real-time hub. The services layer drives them.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// InboundEvent is one text message received from a provider, normalized.
type InboundEvent struct {
	// SenderID is the provider scoped visitor id (LINE userId, PSID, IGSID, wa_id).
	SenderID string
	// SenderName is set when the payload itself carries a display name
	// (WhatsApp contacts). Empty otherwise.
	SenderName string
	Text       string
	// ProviderEventID deduplicates redeliveries. Empty when the provider
	// supplied none.
	ProviderEventID string
}

// Profile is the display identity of a visitor. Either field may be empty.
type Profile struct {
	Name      string
	AvatarURL string
}

// Adapter is implemented once per channel.
type Adapter interface {
	// Channel is the channel this adapter serves.
	Channel() domain.Channel
	// Verify authenticates a webhook delivery against the setting secret.
	// body must be the exact bytes received.
	Verify(body []byte, header http.Header, setting *domain.ChannelSetting) bool
	// Map extracts the text message events from a webhook body. Events of
	// other kinds are skipped, not reported as errors.
	Map(body []byte) ([]InboundEvent, error)
	// Send delivers text to recipient. idempotencyKey is unique per logical
	// send and is forwarded to providers that honor retry keys.
	Send(ctx context.Context, setting *domain.ChannelSetting, recipient, text, idempotencyKey string) error
	// FetchProfile looks up the display identity of a visitor. It returns
	// ErrUnsupported for channels without a profile API.
	FetchProfile(ctx context.Context, setting *domain.ChannelSetting, userID string) (Profile, error)
	// FetchAvatar returns the bot/page picture for the setting, or "" when
	// the channel exposes none.
	FetchAvatar(ctx context.Context, setting *domain.ChannelSetting) (string, error)
}

// ErrUnsupported is returned by optional adapter operations a channel lacks.
var ErrUnsupported = errors.New("operation not supported by channel")

// APIError is a non-2xx provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return e.Body
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}
