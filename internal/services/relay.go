package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// Family groups the channels served by one relay endpoint.
type Family string

const (
	FamilyLine Family = "line"
	FamilyMeta Family = "meta"
)

func (f Family) accepts(ch domain.Channel) bool {
	if f == FamilyLine {
		return ch == domain.ChannelLine
	}
	return ch.IsMeta()
}

func (f Family) errMismatch() error {
	if f == FamilyLine {
		return errNotLineChat
	}
	return errNotMetaChat
}

func (f Family) errNoSetting() error {
	if f == FamilyLine {
		return errNoLineSetting
	}
	return errNoMetaSetting
}

// FamilyOf returns the relay family of ch.
func FamilyOf(ch domain.Channel) (Family, bool) {
	switch {
	case ch == domain.ChannelLine:
		return FamilyLine, true
	case ch.IsMeta():
		return FamilyMeta, true
	}
	return "", false
}

// SendRequest is an operator reply to relay to a provider.
type SendRequest struct {
	WorkspaceID string
	// ChatID is a DocumentID or numeric surrogate id.
	ChatID  string
	Content string
	// IdempotencyKey, when set, makes a retried request return the message
	// created by the first successful one.
	IdempotencyKey string
	SenderName     string
}

// Relay delivers operator replies to providers and records them.
type Relay struct {
	DB       *gorm.DB
	Registry *channel.Registry
	Pipeline *Pipeline

	// Timeout bounds a provider send.
	Timeout time.Duration
	// IdempotencyTTL is how long an idempotency key replays its message.
	IdempotencyTTL time.Duration
}

// Send relays req through the provider of family. The message is stored
// only after the provider accepted it; provider failures are returned as
// *ProviderError and store nothing.
func (r *Relay) Send(ctx context.Context, family Family, req SendRequest) (msg *domain.Message, replayed bool, err error) {
	tr := otel.Tracer("services/Relay")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("family", string(family)),
			attribute.String("chat.ref", req.ChatID),
		),
	)
	defer span.End()

	if strings.TrimSpace(req.ChatID) == "" || strings.TrimSpace(req.Content) == "" {
		return nil, false, ErrMissingContent
	}
	chat, err := loadChat(ctx, r.DB, req.WorkspaceID, req.ChatID)
	if err != nil {
		return nil, false, err
	}
	if !family.accepts(chat.Channel) {
		return nil, false, family.errMismatch()
	}

	var reservation *domain.Idempotency
	if req.IdempotencyKey != "" {
		reservation, msg, err = r.reserve(ctx, chat, req.IdempotencyKey)
		if err != nil || msg != nil {
			return msg, msg != nil, err
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := repo.ReleaseIdempotency(context.WithoutCancel(ctx), r.DB, reservation.ID); rerr != nil {
				log.Warn().Err(rerr).Str("chat_id", chat.DocumentID).Msg("release idempotency key failed")
			}
		}()
	}

	setting, err := ActiveSettingFor(ctx, r.DB, chat)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, family.errNoSetting()
	}
	if err != nil {
		return nil, false, err
	}
	ad, ok := r.Registry.Get(chat.Channel)
	if !ok {
		return nil, false, family.errNoSetting()
	}

	if err := sendBounded(ctx, r.Timeout, ad, setting, chat, req.Content); err != nil {
		log.Error().Err(err).
			Str("chat_id", chat.DocumentID).
			Str("setting_id", setting.DocumentID).
			Str("channel", string(chat.Channel)).
			Msg("push message failed")
		return nil, false, &ProviderError{Channel: chat.Channel, Err: err}
	}

	name := req.SenderName
	if name == "" {
		name = "Agent"
	}
	m, _, err := r.Pipeline.Ingest(ctx, Entry{
		Chat:        chat,
		Role:        domain.RoleAgent,
		Content:     req.Content,
		ContentType: "text",
		SenderName:  &name,
	})
	if err != nil {
		return nil, false, err
	}

	if reservation != nil {
		ttl := r.IdempotencyTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		if err := repo.CompleteIdempotency(ctx, r.DB, reservation.ID, m.DocumentID, http.StatusOK, ttl); err != nil {
			log.Warn().Err(err).Str("chat_id", chat.DocumentID).Msg("store idempotency key failed")
		}
	}

	log.Info().Str("chat_id", chat.DocumentID).Str("channel", string(chat.Channel)).Msg("reply relayed")
	return m, false, nil
}

// reserve claims key for this request. When an earlier request with the key
// already completed, its message is returned instead. A request still in
// flight yields ErrRequestInProgress.
func (r *Relay) reserve(ctx context.Context, chat *domain.Chat, key string) (*domain.Idempotency, *domain.Message, error) {
	lease := 2 * r.Timeout
	if lease <= 0 {
		lease = time.Minute
	}
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := repo.ReserveIdempotency(ctx, r.DB, chat.WorkspaceID, chat.DocumentID, key, lease)
		if err == nil {
			return rec, nil, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, nil, err
		}

		held, err := repo.GetIdempotency(ctx, r.DB, chat.WorkspaceID, chat.DocumentID, key, time.Now().UTC())
		if errors.Is(err, repo.ErrNotFound) {
			// Lapsed between the two reads.
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if held.Pending() {
			return nil, nil, ErrRequestInProgress
		}
		m, err := repo.GetMessage(ctx, r.DB, held.MessageID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, nil, err
		}
		return nil, m, nil
	}
	return nil, nil, ErrRequestInProgress
}

// sendBounded calls the provider with a fresh retry key.
func sendBounded(ctx context.Context, timeout time.Duration, ad channel.Adapter, setting *domain.ChannelSetting, chat *domain.Chat, content string) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := ad.Send(ctx, setting, chat.VisitorID, content, uuid.NewString())
	outboundSends.WithLabelValues(string(chat.Channel), sendOutcome(err)).Inc()
	return err
}

// ActiveSettingFor returns the setting that serves chat: the setting linked
// to the chat when it is still active, otherwise the newest active setting
// of the workspace for the chat's channel. It returns repo.ErrNotFound when
// there is none.
func ActiveSettingFor(ctx context.Context, db *gorm.DB, chat *domain.Chat) (*domain.ChannelSetting, error) {
	for _, id := range []string{chat.SettingID, repo.LegacySettingID(chat)} {
		if id == "" {
			continue
		}
		s, err := repo.GetSetting(ctx, db, id)
		if err == nil && s.IsActive && s.WorkspaceID == chat.WorkspaceID && s.Channel == chat.Channel {
			return s, nil
		}
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}
	return repo.FindActiveSetting(ctx, db, chat.WorkspaceID, chat.Channel)
}

// loadChat resolves raw and loads the chat, hiding chats of other
// workspaces. An empty workspaceID skips the workspace check.
func loadChat(ctx context.Context, db *gorm.DB, workspaceID, raw string) (*domain.Chat, error) {
	id, err := repo.ResolveChatID(ctx, db, raw)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	chat, err := repo.GetChat(ctx, db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	if workspaceID != "" && chat.WorkspaceID != workspaceID {
		return nil, ErrChatNotFound
	}
	return chat, nil
}
