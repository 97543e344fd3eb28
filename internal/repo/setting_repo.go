// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for ChannelSetting.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// CreateSetting inserts s, assigning a DocumentID when missing.
func CreateSetting(ctx context.Context, db *gorm.DB, s *domain.ChannelSetting) error {
	if s.DocumentID == "" {
		s.DocumentID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return db.WithContext(ctx).Create(s).Error
}

// GetSetting fetches a setting by DocumentID regardless of IsActive.
func GetSetting(ctx context.Context, db *gorm.DB, documentID string) (*domain.ChannelSetting, error) {
	var s domain.ChannelSetting
	if err := db.WithContext(ctx).Where("document_id = ?", documentID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindActiveSetting returns the most recently updated active setting for
// (workspace, channel), or ErrNotFound.
func FindActiveSetting(ctx context.Context, db *gorm.DB, workspaceID string, channel domain.Channel) (*domain.ChannelSetting, error) {
	var s domain.ChannelSetting
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND channel = ? AND is_active = ?", workspaceID, channel, true).
		Order("updated_at desc, id desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSettings returns every setting of a workspace, optionally filtered by
// channel.
func ListSettings(ctx context.Context, db *gorm.DB, workspaceID string, channel domain.Channel) ([]domain.ChannelSetting, error) {
	q := db.WithContext(ctx).Where("workspace_id = ?", workspaceID)
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var out []domain.ChannelSetting
	err := q.Order("id asc").Find(&out).Error
	return out, err
}

// UpdateSettingFields applies a partial update. It returns ErrNotFound when
// no row matched.
func UpdateSettingFields(ctx context.Context, db *gorm.DB, documentID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.ChannelSetting{}).
		Where("document_id = ?", documentID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSettingAvatarIfEmpty stores url only when the setting has no avatar
// yet. It reports whether a row was changed, so concurrent backfills write
// at most once. updated_at is left alone: FindActiveSetting orders by it.
func SetSettingAvatarIfEmpty(ctx context.Context, db *gorm.DB, documentID, url string) (bool, error) {
	if url == "" {
		return false, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.ChannelSetting{}).
		Where("document_id = ? AND avatar_url = ?", documentID, "").
		UpdateColumn("avatar_url", url)
	return res.RowsAffected > 0, res.Error
}
