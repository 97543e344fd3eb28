// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for outbound push endpoints.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, workspaceID, chatID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND chat_id = ? AND key = ? AND expires_at > ?", workspaceID, chatID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// IdempotencyKeyExists reports whether workspaceID has an unexpired,
// completed record for key on any chat.
func IdempotencyKeyExists(ctx context.Context, db *gorm.DB, workspaceID, key string, now time.Time) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Idempotency{}).
		Where("workspace_id = ? AND key = ? AND expires_at > ? AND message_id <> ''", workspaceID, key, now).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, workspaceID, chatID, key, messageID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ChatID:      chatID,
		Key:         key,
		MessageID:   messageID,
		Status:      status,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// ReserveIdempotency claims key for one in-flight request with a pending
// record that lapses after lease. An expired record for the same key is
// replaced. A live record, pending or completed, yields ErrDuplicate.
func ReserveIdempotency(ctx context.Context, db *gorm.DB, workspaceID, chatID, key string, lease time.Duration) (*domain.Idempotency, error) {
	var rec *domain.Idempotency
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Where("workspace_id = ? AND chat_id = ? AND key = ? AND expires_at <= ?", workspaceID, chatID, key, now).
			Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		var err error
		rec, err = CreateIdempotency(ctx, tx, workspaceID, chatID, key, "", 0, lease)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CompleteIdempotency attaches the produced message to a reserved record and
// extends it to ttl.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, id, messageID string, status int, ttl time.Duration) error {
	res := db.WithContext(ctx).Model(&domain.Idempotency{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_id": messageID,
			"status":     status,
			"expires_at": time.Now().UTC().Add(ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotency drops a reservation so the key can be retried.
func ReleaseIdempotency(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Idempotency{}).Error
}

// PurgeExpiredIdempotency deletes records whose ExpiresAt is at or before now.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// isUniqueViolation recognizes UNIQUE constraint failures.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
