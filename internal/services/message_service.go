// Package services – MessageService
//
// This file implements MessageService, the read side of chat messages:
// paginated history in ascending order, single message lookup, and the
// count/last-update stats the handlers turn into ETags. Writes go through
// the Pipeline.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include chat identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// MessageService lists and fetches messages.
type MessageService struct {
	DB *gorm.DB
}

// ListPage returns paginated messages for a chat, oldest first, together
// with the resolved chat.
func (s *MessageService) ListPage(ctx context.Context, workspaceID, rawChatID string, page, pageSize int) (*domain.Chat, []domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chat.ref", rawChatID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	chat, err := loadChat(ctx, s.DB, workspaceID, rawChatID)
	if err != nil {
		return nil, nil, 0, err
	}

	total, err := repo.CountMessages(ctx, s.DB, chat.DocumentID)
	if err != nil {
		return nil, nil, 0, err
	}
	if total == 0 {
		return chat, []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, chat.DocumentID, offset, pageSize)
	return chat, items, total, err
}

// Get fetches a message by opaque or numeric id.
func (s *MessageService) Get(ctx context.Context, rawID string) (*domain.Message, error) {
	id, err := repo.ResolveMessageID(ctx, s.DB, rawID)
	if err == nil {
		var m *domain.Message
		if m, err = repo.GetMessage(ctx, s.DB, id); err == nil {
			return m, nil
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	return nil, err
}

// Stats returns the message count and last update of a chat.
func (s *MessageService) Stats(ctx context.Context, chatID string) (int64, *time.Time, error) {
	return repo.MessagesStats(ctx, s.DB, chatID)
}
