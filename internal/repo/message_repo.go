// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// CreateMessage inserts m. A redelivered provider event (same channel,
// setting and ProviderEventID) yields ErrDuplicate.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.DocumentID == "" {
		m.DocumentID = uuid.NewString()
	}
	if m.ContentType == "" {
		m.ContentType = "text"
	}
	if m.Status == "" {
		m.Status = domain.MessageSent
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// FindMessageByProviderEvent returns the message previously stored for a
// provider event, or ErrNotFound.
func FindMessageByProviderEvent(ctx context.Context, db *gorm.DB, channel domain.Channel, settingID, eventID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("channel = ? AND setting_id = ? AND provider_event_id = ?", channel, settingID, eventID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage fetches a message by DocumentID.
func GetMessage(ctx context.Context, db *gorm.DB, documentID string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("document_id = ?", documentID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, chatID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, chatID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkMessageFailed sets status=failed and merges extra into the message
// metadata. Content is left untouched.
func MarkMessageFailed(ctx context.Context, db *gorm.DB, documentID string, extra map[string]any) (*domain.Message, error) {
	var out *domain.Message
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Message{}).
			Where("document_id = ?", documentID).
			Update("status", domain.MessageFailed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		m, err := GetMessage(ctx, tx, documentID)
		if err != nil {
			return err
		}
		meta := datatypes.JSONMap{}
		for k, v := range m.Metadata {
			meta[k] = v
		}
		for k, v := range extra {
			meta[k] = v
		}
		if err := tx.Model(&domain.Message{}).
			Where("document_id = ?", documentID).
			Updates(map[string]any{"metadata": meta, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}
		m.Status = domain.MessageFailed
		m.Metadata = meta
		out = m
		return nil
	})
	return out, err
}
