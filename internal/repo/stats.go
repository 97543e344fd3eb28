// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// for conditional responses (weak ETags) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// ChatsStats returns the number of chats in a workspace and the greatest
// UpdatedAt among them. maxUpdatedAt is nil when the workspace has no chats.
func ChatsStats(ctx context.Context, db *gorm.DB, workspaceID string) (count int64, maxUpdatedAt *time.Time, err error) {
	scope := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Chat{}).Where("workspace_id = ?", workspaceID)
	}
	return stats(scope)
}

// MessagesStats returns the number of messages in a chat and the greatest
// UpdatedAt among them. maxUpdatedAt is nil when the chat has no messages.
func MessagesStats(ctx context.Context, db *gorm.DB, chatID string) (count int64, maxUpdatedAt *time.Time, err error) {
	scope := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.Message{}).Where("chat_id = ?", chatID)
	}
	return stats(scope)
}

func stats(scope func() *gorm.DB) (int64, *time.Time, error) {
	var count int64
	if err := scope().Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err := scope().Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
