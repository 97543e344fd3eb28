// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for Label.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// CreateLabel inserts l. A second label with the same key in a workspace
// yields ErrDuplicate.
func CreateLabel(ctx context.Context, db *gorm.DB, l *domain.Label) error {
	if l.DocumentID == "" {
		l.DocumentID = uuid.NewString()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if err := db.WithContext(ctx).Create(l).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// FindLabels returns the labels of workspaceID whose DocumentID is in ids.
// Unknown ids are skipped; callers compare lengths to detect them.
func FindLabels(ctx context.Context, db *gorm.DB, workspaceID string, ids []string) ([]domain.Label, error) {
	if len(ids) == 0 {
		return []domain.Label{}, nil
	}
	var out []domain.Label
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND document_id IN ?", workspaceID, ids).
		Order("key asc").
		Find(&out).Error
	return out, err
}

// ListLabels returns all labels of a workspace ordered by key.
func ListLabels(ctx context.Context, db *gorm.DB, workspaceID string) ([]domain.Label, error) {
	var out []domain.Label
	err := db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("key asc").Find(&out).Error
	return out, err
}
