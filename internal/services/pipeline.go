package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// Publisher delivers an event to a room. The real-time hub and the AMQP
// mirror both implement it.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload any) error
}

// Entry is one message to ingest into a chat.
type Entry struct {
	Chat         *domain.Chat
	Role         domain.SenderRole
	Content      string
	ContentType  string
	SenderName   *string
	SenderAvatar *string
	FileURL      *string
	// ProviderEventID deduplicates inbound redeliveries.
	ProviderEventID string
	Metadata        map[string]any
	// ToWorkspace additionally publishes message:new to the workspace room.
	ToWorkspace bool
}

// Pipeline stores messages, maintains chat aggregates, and publishes the
// resulting events. Entries for one chat are processed one at a time so
// conversation room subscribers see message:new in storage order.
type Pipeline struct {
	DB  *gorm.DB
	Bus Publisher

	locks *chatLocks
}

// NewPipeline returns a Pipeline publishing to bus.
func NewPipeline(db *gorm.DB, bus Publisher) *Pipeline {
	return &Pipeline{DB: db, Bus: bus, locks: newChatLocks()}
}

// Ingest stores e and applies its side effects. When e carries a provider
// event id that was already stored, the existing message is returned with
// created=false and nothing else happens. On success e.Chat is refreshed
// in place with the updated aggregates.
func (p *Pipeline) Ingest(ctx context.Context, e Entry) (msg *domain.Message, created bool, err error) {
	tr := otel.Tracer("services/Pipeline")
	ctx, span := tr.Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.String("chat.id", e.Chat.DocumentID),
			attribute.String("sender.role", string(e.Role)),
		),
	)
	defer span.End()

	release, err := p.locks.acquire(ctx, e.Chat.DocumentID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	if e.ProviderEventID != "" {
		existing, err := repo.FindMessageByProviderEvent(ctx, p.DB, e.Chat.Channel, e.Chat.SettingID, e.ProviderEventID)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, repo.ErrNotFound):
			return nil, false, err
		}
	}

	content := norm.NFC.String(e.Content)
	now := time.Now().UTC()
	m := &domain.Message{
		ChatID:       e.Chat.DocumentID,
		Channel:      e.Chat.Channel,
		SettingID:    e.Chat.SettingID,
		Content:      content,
		ContentType:  e.ContentType,
		SenderRole:   e.Role,
		SenderName:   e.SenderName,
		SenderAvatar: e.SenderAvatar,
		FileURL:      e.FileURL,
		Status:       domain.MessageSent,
		CreatedAt:    now,
	}
	if e.ProviderEventID != "" {
		id := e.ProviderEventID
		m.ProviderEventID = &id
	}
	if len(e.Metadata) > 0 {
		m.Metadata = datatypes.JSONMap(e.Metadata)
	}

	err = p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return err
		}
		return repo.ApplyMessageAggregates(ctx, tx, e.Chat.DocumentID, repo.MessageAggregates{
			Preview:         Preview(content),
			At:              now,
			IncrementUnread: e.Role == domain.RoleVisitor,
			Inbound:         e.Role == domain.RoleVisitor,
			Outbound:        e.Role == domain.RoleAgent,
		})
	})
	if errors.Is(err, repo.ErrDuplicate) && m.ProviderEventID != nil {
		existing, ferr := repo.FindMessageByProviderEvent(ctx, p.DB, e.Chat.Channel, e.Chat.SettingID, e.ProviderEventID)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	payload := realtime.NewMessagePayload(m)
	p.publish(ctx, realtime.ConversationRoom(m.ChatID), realtime.EventMessageNew, payload)
	if e.ToWorkspace {
		p.publish(ctx, realtime.WorkspaceRoom(e.Chat.WorkspaceID), realtime.EventMessageNew, payload)
	}

	chat, err := repo.GetChat(ctx, p.DB, e.Chat.DocumentID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", e.Chat.DocumentID).Msg("reload chat after ingest")
		return m, true, nil
	}
	*e.Chat = *chat
	p.publish(ctx, realtime.WorkspaceRoom(chat.WorkspaceID), realtime.EventConversationUpdated, chat)
	return m, true, nil
}

// MarkFailed records a provider send failure on a message that was already
// stored and broadcast, then publishes message:updated to its conversation
// room. Content is left as is.
func (p *Pipeline) MarkFailed(ctx context.Context, messageID string, cause error) (*domain.Message, error) {
	m, err := repo.MarkMessageFailed(ctx, p.DB, messageID, map[string]any{
		"error":    cause.Error(),
		"failedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}

	release, err := p.locks.acquire(ctx, m.ChatID)
	if err != nil {
		return m, nil
	}
	defer release()
	p.publish(ctx, realtime.ConversationRoom(m.ChatID), realtime.EventMessageUpdated, realtime.NewMessagePayload(m))
	return m, nil
}

// publish never fails the caller: the message is stored, and subscribers
// that missed the event resynchronize by listing.
func (p *Pipeline) publish(ctx context.Context, room, event string, payload any) {
	if p.Bus == nil {
		return
	}
	if err := p.Bus.Publish(ctx, room, event, payload); err != nil {
		log.Warn().Err(err).Str("room", room).Str("event", event).Msg("publish failed")
	}
}

// Preview is the stored chat preview of content: at most
// domain.LastMessageMaxRunes runes.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= domain.LastMessageMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:domain.LastMessageMaxRunes])
}

func optString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
