// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Chat model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a chat is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - When an insert collides with the active-chat unique index, CreateChat
//     returns ErrDuplicate so callers can re-read the winning row.
//   - On other DB errors the raw gorm error is propagated.
//
// Functions:
//
//   - FindActiveChat(ctx, db, key) -> *domain.Chat, error
//     Most recently updated open/pending chat for a visitor scope.
//
//   - CreateChat(ctx, db, chat) -> error
//     Inserts a chat, assigning a DocumentID when missing.
//
//   - ResolveChatID(ctx, db, raw) -> string, error
//     Maps an opaque or numeric chat id to the canonical DocumentID.
//
//   - GetChat(ctx, db, documentID) -> *domain.Chat, error
//     Loads a chat with its labels.
//
//   - ListChatsPage / CountChats
//     Paginated listing for a workspace with optional filters.
//
//   - ApplyMessageAggregates(ctx, db, documentID, agg) -> error
//     Updates preview fields and atomically increments unread_count.
//
// Usage:
//
//	chat, err := repo.FindActiveChat(ctx, db, repo.ChatKey{...})
//	if errors.Is(err, repo.ErrNotFound) {
//	    // create
//	}
package repo

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// activeStatuses are the chat statuses covered by the single-active rule.
var activeStatuses = []domain.ChatStatus{domain.ChatOpen, domain.ChatPending}

// ChatKey identifies a visitor scope: one visitor on one channel setting of
// one workspace.
type ChatKey struct {
	WorkspaceID string
	Channel     domain.Channel
	SettingID   string
	VisitorID   string
}

// FindActiveChat returns the most recently updated open or pending chat for
// key, or ErrNotFound.
func FindActiveChat(ctx context.Context, db *gorm.DB, key ChatKey) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Where("workspace_id = ? AND channel = ? AND setting_id = ? AND visitor_id = ? AND status IN ?",
			key.WorkspaceID, key.Channel, key.SettingID, key.VisitorID, activeStatuses).
		Order("updated_at desc, id desc").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChat inserts c. DocumentID defaults to a random UUID, timestamps to
// now (UTC). A collision with the active-chat index yields ErrDuplicate.
func CreateChat(ctx context.Context, db *gorm.DB, c *domain.Chat) error {
	if c.DocumentID == "" {
		c.DocumentID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.ChatOpen
	}
	if c.AssignmentStatus == "" {
		c.AssignmentStatus = domain.Unassigned
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if err := db.WithContext(ctx).Omit("Labels.*").Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ResolveChatID maps raw, either a DocumentID or a numeric surrogate id, to
// the canonical DocumentID. Unknown ids return ErrNotFound.
func ResolveChatID(ctx context.Context, db *gorm.DB, raw string) (string, error) {
	return resolveDocumentID(ctx, db, &domain.Chat{}, raw)
}

// ResolveMessageID is the Message counterpart of ResolveChatID.
func ResolveMessageID(ctx context.Context, db *gorm.DB, raw string) (string, error) {
	return resolveDocumentID(ctx, db, &domain.Message{}, raw)
}

func resolveDocumentID(ctx context.Context, db *gorm.DB, model any, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNotFound
	}
	q := db.WithContext(ctx).Model(model).Select("document_id")
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		q = q.Where("id = ?", n)
	} else {
		q = q.Where("document_id = ?", raw)
	}
	var ids []string
	if err := q.Limit(1).Pluck("document_id", &ids).Error; err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

// GetChat fetches a chat by DocumentID with its labels preloaded.
func GetChat(ctx context.Context, db *gorm.DB, documentID string) (*domain.Chat, error) {
	var c domain.Chat
	err := db.WithContext(ctx).
		Preload("Labels", func(tx *gorm.DB) *gorm.DB { return tx.Order("labels.key asc") }).
		Where("document_id = ?", documentID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatFilter narrows workspace chat listings. Empty fields do not filter.
type ChatFilter struct {
	WorkspaceID string
	Status      domain.ChatStatus
	Channel     domain.Channel
}

func (f ChatFilter) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("workspace_id = ?", f.WorkspaceID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Channel != "" {
		q = q.Where("channel = ?", f.Channel)
	}
	return q
}

// CountChats returns the number of chats matching f.
func CountChats(ctx context.Context, db *gorm.DB, f ChatFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.Chat{})).Count(&total).Error
	return total, err
}

// ListChatsPage returns a page of chats matching f, most recent activity
// first. Use CountChats for pagination totals.
func ListChatsPage(ctx context.Context, db *gorm.DB, f ChatFilter, offset, limit int) ([]domain.Chat, error) {
	var out []domain.Chat
	err := f.apply(db.WithContext(ctx).Model(&domain.Chat{})).
		Preload("Labels").
		Order("updated_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateChatFields applies a partial update to the chat with documentID.
// It returns ErrNotFound when no row matched and ErrDuplicate when the update
// would create a second active chat for the visitor.
func UpdateChatFields(ctx context.Context, db *gorm.DB, documentID string, fields map[string]any) error {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UTC()
	}
	res := db.WithContext(ctx).
		Model(&domain.Chat{}).
		Where("document_id = ?", documentID).
		Updates(fields)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MessageAggregates are the chat side effects of one ingested message.
type MessageAggregates struct {
	Preview         string
	At              time.Time
	IncrementUnread bool
	Inbound         bool
	Outbound        bool
}

// ApplyMessageAggregates updates the preview fields of a chat. The unread
// counter is incremented in SQL so concurrent writers never lose updates.
func ApplyMessageAggregates(ctx context.Context, db *gorm.DB, documentID string, agg MessageAggregates) error {
	fields := map[string]any{
		"last_message":    agg.Preview,
		"last_message_at": agg.At,
		"updated_at":      agg.At,
	}
	if agg.IncrementUnread {
		fields["unread_count"] = gorm.Expr("unread_count + ?", 1)
	}
	if agg.Inbound {
		fields["last_inbound_at"] = agg.At
	}
	if agg.Outbound {
		fields["last_outbound_at"] = agg.At
	}
	return UpdateChatFields(ctx, db, documentID, fields)
}

// ResetUnread sets unread_count to zero.
func ResetUnread(ctx context.Context, db *gorm.DB, documentID string) error {
	return UpdateChatFields(ctx, db, documentID, map[string]any{"unread_count": 0})
}

// ReplaceChatLabels swaps the label set of chat for labels. An empty set
// clears it.
func ReplaceChatLabels(ctx context.Context, db *gorm.DB, chat *domain.Chat, labels []domain.Label) error {
	assoc := db.WithContext(ctx).Model(chat).Association("Labels")
	if len(labels) == 0 {
		return assoc.Clear()
	}
	return assoc.Replace(labels)
}
