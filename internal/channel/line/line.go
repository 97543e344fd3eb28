// Package line adapts the LINE Messaging API to the channel contract.
package line

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/signature"
)

// DefaultBaseURL is the production Messaging API host.
const DefaultBaseURL = "https://api.line.me"

// RetryKeyHeader carries the idempotency key of a push request. LINE rejects
// a replayed key with 409 once the first attempt was accepted.
const RetryKeyHeader = "X-Line-Retry-Key"

// Adapter implements channel.Adapter for LINE.
type Adapter struct {
	baseURL string
	http    *resty.Client
}

var _ channel.Adapter = (*Adapter)(nil)

// New returns a LINE adapter. An empty baseURL selects DefaultBaseURL; a nil
// client selects a channel.NewRestyClient without retries.
func New(baseURL string, client *resty.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = channel.NewRestyClient(channel.ClientOptions{})
	}
	return &Adapter{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (*Adapter) Channel() domain.Channel { return domain.ChannelLine }

// Verify checks X-Line-Signature against the channel secret.
func (*Adapter) Verify(body []byte, header http.Header, setting *domain.ChannelSetting) bool {
	if setting == nil {
		return false
	}
	return signature.Verify(body, []byte(setting.Secret), header.Get(signature.LineHeader), signature.Base64)
}

type webhookBody struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Type           string `json:"type"`
	WebhookEventID string `json:"webhookEventId"`
	Source         struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Message *struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// Map returns one event per text message with a user source. The
// webhookEventId is the dedup key; the message id stands in when absent.
func (*Adapter) Map(body []byte) ([]channel.InboundEvent, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("decode line webhook: %w", err)
	}
	out := make([]channel.InboundEvent, 0, len(wb.Events))
	for _, ev := range wb.Events {
		if ev.Type != "message" || ev.Message == nil || ev.Message.Type != "text" {
			continue
		}
		if ev.Source.UserID == "" || ev.Message.Text == "" {
			continue
		}
		id := ev.WebhookEventID
		if id == "" {
			id = ev.Message.ID
		}
		out = append(out, channel.InboundEvent{
			SenderID:        ev.Source.UserID,
			Text:            ev.Message.Text,
			ProviderEventID: id,
		})
	}
	return out, nil
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

// Send pushes a text message. A 409 for a retry key means an earlier attempt
// with the same key was accepted, so it counts as delivered.
func (a *Adapter) Send(ctx context.Context, setting *domain.ChannelSetting, recipient, text, idempotencyKey string) error {
	body := pushRequest{To: recipient, Messages: []textMessage{{Type: "text", Text: text}}}
	err := a.do(ctx, http.MethodPost, "/v2/bot/message/push", setting.AccessToken, idempotencyKey, body, nil)
	var apiErr *channel.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict && idempotencyKey != "" {
		return nil
	}
	return err
}

// FetchProfile returns the user's display name and picture.
func (a *Adapter) FetchProfile(ctx context.Context, setting *domain.ChannelSetting, userID string) (channel.Profile, error) {
	var res struct {
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := a.do(ctx, http.MethodGet, "/v2/bot/profile/"+url.PathEscape(userID), setting.AccessToken, "", nil, &res); err != nil {
		return channel.Profile{}, err
	}
	return channel.Profile{Name: res.DisplayName, AvatarURL: res.PictureURL}, nil
}

// FetchAvatar returns the bot's picture from /v2/bot/info.
func (a *Adapter) FetchAvatar(ctx context.Context, setting *domain.ChannelSetting) (string, error) {
	if setting.AccessToken == "" {
		return "", nil
	}
	var res struct {
		PictureURL string `json:"pictureUrl"`
	}
	if err := a.do(ctx, http.MethodGet, "/v2/bot/info", setting.AccessToken, "", nil, &res); err != nil {
		return "", err
	}
	return res.PictureURL, nil
}

// do runs one logical request. The retry key is set once, so every retry
// attempt of the client carries the same key.
func (a *Adapter) do(ctx context.Context, method, path, token, retryKey string, in, out any) error {
	req := a.http.R().SetContext(ctx).SetAuthToken(token)
	if retryKey != "" {
		req.SetHeader(RetryKeyHeader, retryKey)
	}
	if in != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(in)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, a.baseURL+path)
	if err != nil {
		return fmt.Errorf("line %s %s: %w", method, path, err)
	}
	if !resp.IsSuccess() {
		return channel.NewAPIError(resp)
	}
	return nil
}
