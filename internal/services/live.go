package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// SendIntent is the data of a message:send frame.
type SendIntent struct {
	ChatID         json.RawMessage `json:"chatId"`
	ConversationID json.RawMessage `json:"conversationId"`
	Channel        string          `json:"channel"`
	Content        string          `json:"content"`
	ContentType    string          `json:"contentType"`
	SenderRole     string          `json:"senderRole"`
	SenderName     string          `json:"senderName"`
	SenderAvatar   string          `json:"senderAvatar"`
	FileURL        string          `json:"fileUrl"`
}

// LiveSender handles messages sent over the real-time connection. The
// message is stored and broadcast first; for chats on an auto-reply channel
// an agent message is then forwarded to the provider in the background.
type LiveSender struct {
	DB       *gorm.DB
	Pipeline *Pipeline
	Registry *channel.Registry

	// AutoReply lists the channels whose agent messages are forwarded.
	AutoReply map[domain.Channel]bool
	// MarkFailed flags the stored message as failed when forwarding fails.
	// When false the message stays "sent" and the failure is only logged.
	MarkFailed bool
	// Timeout bounds a provider send.
	Timeout time.Duration

	wg sync.WaitGroup
}

// HandleSend implements realtime.SendHandler.
func (l *LiveSender) HandleSend(ctx context.Context, id realtime.Identity, data json.RawMessage) error {
	var in SendIntent
	if err := json.Unmarshal(data, &in); err != nil {
		return errSendFieldsMissing
	}
	raw := realtime.IDString(in.ChatID)
	if raw == "" {
		raw = realtime.IDString(in.ConversationID)
	}
	if raw == "" || strings.TrimSpace(in.Content) == "" {
		return errSendFieldsMissing
	}

	role := domain.SenderRole(in.SenderRole)
	switch role {
	case "":
		role = domain.RoleVisitor
	case domain.RoleVisitor, domain.RoleAgent:
	default:
		return errInvalidSenderRole
	}

	chat, err := loadChat(ctx, l.DB, id.WorkspaceID, raw)
	if errors.Is(err, ErrChatNotFound) {
		return errInvalidChatID
	}
	if err != nil {
		return err
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = "text"
	}
	msg, _, err := l.Pipeline.Ingest(ctx, Entry{
		Chat:         chat,
		Role:         role,
		Content:      in.Content,
		ContentType:  contentType,
		SenderName:   optString(in.SenderName),
		SenderAvatar: optString(in.SenderAvatar),
		FileURL:      optString(in.FileURL),
	})
	if err != nil {
		return err
	}
	log.Debug().Str("chat_id", chat.DocumentID).Str("user_id", id.UserID).Msg("message:send stored")

	if role == domain.RoleAgent && l.AutoReply[chat.Channel] {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.forward(context.WithoutCancel(ctx), chat, msg)
		}()
	}
	return nil
}

// forward sends an already broadcast agent message to the provider.
func (l *LiveSender) forward(ctx context.Context, chat *domain.Chat, msg *domain.Message) {
	lg := log.With().Str("chat_id", chat.DocumentID).Str("channel", string(chat.Channel)).Logger()

	setting, err := ActiveSettingFor(ctx, l.DB, chat)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			lg.Warn().Msg("auto-reply skipped: no active setting")
		} else {
			lg.Error().Err(err).Msg("auto-reply setting lookup failed")
		}
		return
	}
	ad, ok := l.Registry.Get(chat.Channel)
	if !ok {
		lg.Warn().Msg("auto-reply skipped: no adapter")
		return
	}

	if err := sendBounded(ctx, l.Timeout, ad, setting, chat, msg.Content); err != nil {
		perr := &ProviderError{Channel: chat.Channel, Err: err}
		lg.Error().Err(perr).Str("message_id", msg.DocumentID).Msg("auto-reply failed")
		if l.MarkFailed {
			if _, err := l.Pipeline.MarkFailed(ctx, msg.DocumentID, perr); err != nil {
				lg.Error().Err(err).Msg("mark message failed")
			}
		}
		return
	}
	lg.Info().Str("visitor_id", chat.VisitorID).Msg("auto-reply sent")
}

// Wait blocks until background forwards finish.
func (l *LiveSender) Wait() { l.wg.Wait() }
