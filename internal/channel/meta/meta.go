// Package meta adapts the Meta Graph API (Facebook Messenger, Instagram
// messaging and the WhatsApp Cloud API) to the channel contract. One Adapter
// value serves one of the three channels; they share the transport.
package meta

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

// DefaultBaseURL is the versioned Graph API root.
const DefaultBaseURL = "https://graph.facebook.com/v24.0"

// IdempotencyHeader is attached to every send and stays the same across retry
// attempts. Graph does not deduplicate on it; it correlates request logs.
const IdempotencyHeader = "Idempotency-Key"

// ErrMissingPhoneNumberID is returned when a WhatsApp setting lacks
// metadata.phoneNumberId.
var ErrMissingPhoneNumberID = errors.New("missing metadata.phoneNumberId for WhatsApp")

// Adapter implements channel.Adapter for a single Meta channel.
type Adapter struct {
	ch      domain.Channel
	baseURL string
	http    *resty.Client
}

var _ channel.Adapter = (*Adapter)(nil)

// New returns an adapter for ch, which must be facebook, instagram or
// whatsapp.
func New(ch domain.Channel, baseURL string, client *resty.Client) (*Adapter, error) {
	if !ch.IsMeta() {
		return nil, fmt.Errorf("meta: unsupported channel %q", ch)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = channel.NewRestyClient(channel.ClientOptions{})
	}
	return &Adapter{ch: ch, baseURL: strings.TrimRight(baseURL, "/"), http: client}, nil
}

// NewAll returns adapters for all three Meta channels sharing one client.
func NewAll(baseURL string, client *resty.Client) []*Adapter {
	out := make([]*Adapter, 0, 3)
	for _, ch := range []domain.Channel{domain.ChannelFacebook, domain.ChannelInstagram, domain.ChannelWhatsApp} {
		a, _ := New(ch, baseURL, client)
		out = append(out, a)
	}
	return out
}

func (a *Adapter) Channel() domain.Channel { return a.ch }

// Verify checks X-Hub-Signature-256 against the app secret.
func (*Adapter) Verify(body []byte, header http.Header, setting *domain.ChannelSetting) bool {
	if setting == nil {
		return false
	}
	return signature.Verify(body, []byte(setting.Secret), header.Get(signature.MetaHeader), signature.PrefixedHex)
}

// VerifyChallenge implements the GET subscription handshake. It returns the
// challenge to echo and true when mode is "subscribe" and token matches.
func VerifyChallenge(setting *domain.ChannelSetting, mode, token, challenge string) (string, bool) {
	if setting == nil || setting.VerifyToken == "" || mode != "subscribe" {
		return "", false
	}
	if token != setting.VerifyToken {
		return "", false
	}
	return challenge, true
}

type webhookBody struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Changes   []change    `json:"changes"`
	Messaging []messaging `json:"messaging"`
}

type change struct {
	Field string `json:"field"`
	Value struct {
		Contacts []struct {
			WaID    string `json:"wa_id"`
			Profile struct {
				Name string `json:"name"`
			} `json:"profile"`
		} `json:"contacts"`
		Messages []struct {
			ID   string `json:"id"`
			From string `json:"from"`
			Type string `json:"type"`
			Text *struct {
				Body string `json:"body"`
			} `json:"text"`
		} `json:"messages"`
	} `json:"value"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// Map walks entry[].changes[] for WhatsApp and entry[].messaging[] for
// Messenger and Instagram. Echoes of the page's own messages are dropped.
func (a *Adapter) Map(body []byte) ([]channel.InboundEvent, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("decode meta webhook: %w", err)
	}
	if a.ch == domain.ChannelWhatsApp {
		return mapWhatsApp(wb), nil
	}
	return mapMessaging(wb), nil
}

func mapWhatsApp(wb webhookBody) []channel.InboundEvent {
	var out []channel.InboundEvent
	for _, e := range wb.Entry {
		for _, c := range e.Changes {
			if c.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range c.Value.Messages {
				if m.Type != "text" || m.Text == nil || m.Text.Body == "" || m.From == "" {
					continue
				}
				name := names[m.From]
				if name == "" {
					name = m.From
				}
				out = append(out, channel.InboundEvent{
					SenderID:        m.From,
					SenderName:      name,
					Text:            m.Text.Body,
					ProviderEventID: m.ID,
				})
			}
		}
	}
	return out
}

func mapMessaging(wb webhookBody) []channel.InboundEvent {
	var out []channel.InboundEvent
	for _, e := range wb.Entry {
		for _, m := range e.Messaging {
			if m.Message == nil || m.Message.IsEcho {
				continue
			}
			if m.Sender.ID == "" || m.Message.Text == "" {
				continue
			}
			out = append(out, channel.InboundEvent{
				SenderID:        m.Sender.ID,
				Text:            m.Message.Text,
				ProviderEventID: m.Message.Mid,
			})
		}
	}
	return out
}

// Send delivers a text reply. WhatsApp posts to the business phone number;
// Messenger and Instagram post to /me/messages as a RESPONSE.
func (a *Adapter) Send(ctx context.Context, setting *domain.ChannelSetting, recipient, text, idempotencyKey string) error {
	if a.ch == domain.ChannelWhatsApp {
		phoneID := setting.MetadataString("phoneNumberId")
		if phoneID == "" {
			return ErrMissingPhoneNumberID
		}
		body := map[string]any{
			"messaging_product": "whatsapp",
			"to":                recipient,
			"type":              "text",
			"text":              map[string]string{"body": text},
		}
		return a.do(ctx, http.MethodPost, "/"+url.PathEscape(phoneID)+"/messages", setting.AccessToken, nil, idempotencyKey, body, nil)
	}
	body := map[string]any{
		"recipient":      map[string]string{"id": recipient},
		"message":        map[string]string{"text": text},
		"messaging_type": "RESPONSE",
	}
	return a.do(ctx, http.MethodPost, "/me/messages", setting.AccessToken, nil, idempotencyKey, body, nil)
}

// FetchProfile reads name and profile_pic for a PSID/IGSID. WhatsApp has no
// profile API; the contact name arrives in the webhook instead.
func (a *Adapter) FetchProfile(ctx context.Context, setting *domain.ChannelSetting, userID string) (channel.Profile, error) {
	if a.ch == domain.ChannelWhatsApp {
		return channel.Profile{}, channel.ErrUnsupported
	}
	if setting.AccessToken == "" {
		return channel.Profile{}, fmt.Errorf("meta: setting %s has no access token", setting.DocumentID)
	}
	var res struct {
		Name       string `json:"name"`
		Username   string `json:"username"`
		ProfilePic string `json:"profile_pic"`
	}
	q := url.Values{"fields": {"name,profile_pic"}}
	if err := a.do(ctx, http.MethodGet, "/"+url.PathEscape(userID), setting.AccessToken, q, "", nil, &res); err != nil {
		return channel.Profile{}, err
	}
	name := res.Name
	if name == "" {
		name = res.Username
	}
	return channel.Profile{Name: name, AvatarURL: res.ProfilePic}, nil
}

// FetchAvatar returns the page (Facebook) or account (Instagram) picture.
// WhatsApp settings and settings without AccountID yield "".
func (a *Adapter) FetchAvatar(ctx context.Context, setting *domain.ChannelSetting) (string, error) {
	if a.ch == domain.ChannelWhatsApp || setting.AccessToken == "" || setting.AccountID == "" {
		return "", nil
	}
	path := "/" + url.PathEscape(setting.AccountID)
	if a.ch == domain.ChannelInstagram {
		var res struct {
			ProfilePictureURL string `json:"profile_picture_url"`
		}
		q := url.Values{"fields": {"profile_picture_url,username"}}
		if err := a.do(ctx, http.MethodGet, path, setting.AccessToken, q, "", nil, &res); err != nil {
			return "", err
		}
		return res.ProfilePictureURL, nil
	}
	var res struct {
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	q := url.Values{"fields": {"picture.type(square){url},name"}}
	if err := a.do(ctx, http.MethodGet, path, setting.AccessToken, q, "", nil, &res); err != nil {
		return "", err
	}
	return res.Picture.Data.URL, nil
}

func (a *Adapter) do(ctx context.Context, method, path, token string, q url.Values, idempotencyKey string, in, out any) error {
	req := a.http.R().SetContext(ctx)
	if token != "" {
		req.SetQueryParam("access_token", token)
	}
	if q != nil {
		req.SetQueryParamsFromValues(q)
	}
	if idempotencyKey != "" {
		req.SetHeader(IdempotencyHeader, idempotencyKey)
	}
	if in != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(in)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}

	resp, err := req.Execute(method, a.baseURL+path)
	if err != nil {
		// url.Error embeds the full URL, access token included.
		var ue *url.Error
		if errors.As(err, &ue) {
			return fmt.Errorf("%s %s: %w", ue.Op, a.baseURL+path, ue.Err)
		}
		return err
	}
	if !resp.IsSuccess() {
		return channel.NewAPIError(resp)
	}
	return nil
}
