// Package services – ChatService
//
// This file implements ChatService, which manages the chat lifecycle outside
// of message ingestion: explicit creation (the widget path), listing with
// pagination, status/assignment/label updates, and read receipts.
//
// Assignment and label changes emit system messages through the ingestion
// pipeline so every operator watching the conversation sees them in order
// with regular messages.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/observability"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// ChatService provides chat-level operations.
type ChatService struct {
	DB       *gorm.DB
	Resolver *Resolver
	Pipeline *Pipeline
	Bus      Publisher
	Actors   ActorDirectory
}

// CreateChatInput is the body of an explicit chat creation.
type CreateChatInput struct {
	WorkspaceID     string
	Channel         domain.Channel
	VisitorID       string
	VisitorName     string
	VisitorAvatar   string
	SettingID       string
	WidgetSettingID string
	Metadata        map[string]any
}

// Create returns the active chat of the visitor scope, creating it when none
// exists. Concurrent calls for one scope all return the same chat.
func (s *ChatService) Create(ctx context.Context, in CreateChatInput) (*domain.Chat, bool, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("workspace.id", in.WorkspaceID),
			observability.ChannelAttr(string(in.Channel)),
		),
	)
	defer span.End()

	in.WorkspaceID = strings.TrimSpace(in.WorkspaceID)
	in.VisitorID = strings.TrimSpace(in.VisitorID)
	if in.WorkspaceID == "" || in.Channel == "" || in.VisitorID == "" {
		return nil, false, ErrMissingChatFields
	}
	if !in.Channel.Valid() {
		return nil, false, ErrInvalidChannel
	}

	meta := datatypes.JSONMap{}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	settingID := strings.TrimSpace(in.SettingID)
	if in.Channel == domain.ChannelWidget {
		if w := strings.TrimSpace(in.WidgetSettingID); w != "" {
			settingID = w
		} else if w, _ := meta["widgetSettingId"].(string); w != "" {
			settingID = w
		}
	}
	if settingID != "" {
		meta[settingMetadataKeys[in.Channel]] = settingID
	}
	name := in.VisitorName
	if name == "" {
		name = in.VisitorID
	}

	return s.Resolver.FindOrCreate(ctx, &domain.Chat{
		WorkspaceID:   in.WorkspaceID,
		Channel:       in.Channel,
		SettingID:     settingID,
		VisitorID:     in.VisitorID,
		VisitorName:   name,
		VisitorAvatar: optString(in.VisitorAvatar),
		Metadata:      meta,
	})
}

// Get loads a chat by opaque or numeric id within workspaceID.
func (s *ChatService) Get(ctx context.Context, workspaceID, rawID string) (*domain.Chat, error) {
	return loadChat(ctx, s.DB, workspaceID, rawID)
}

// ResolveChat maps a client supplied id to the chat's DocumentID and the
// workspace that owns it.
func (s *ChatService) ResolveChat(ctx context.Context, raw string) (realtime.ChatRef, error) {
	chat, err := loadChat(ctx, s.DB, "", raw)
	if err != nil {
		return realtime.ChatRef{}, err
	}
	return realtime.ChatRef{DocumentID: chat.DocumentID, WorkspaceID: chat.WorkspaceID}, nil
}

// ListPage returns a page of chats for a workspace (paginated).
// It applies defaults for invalid page/pageSize and returns total count.
func (s *ChatService) ListPage(ctx context.Context, f repo.ChatFilter, page, pageSize int) ([]domain.Chat, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return nil, 0, ErrInvalidChannel
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountChats(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Chat{}, 0, nil
	}

	items, err := repo.ListChatsPage(ctx, s.DB, f, offset, pageSize)
	return items, total, err
}

// UpdateChatInput is a partial chat update. Nil fields are left unchanged.
type UpdateChatInput struct {
	Status *domain.ChatStatus
	// AssigneeRef is the raw actor reference; JSON null unassigns.
	AssigneeRef json.RawMessage
	// AssignedByRef overrides the recorded assigner.
	AssignedByRef json.RawMessage
	LabelIDs      *[]string
}

// Update applies in to the chat and publishes conversation:updated. A
// change of assignee or label set also posts a system message.
func (s *ChatService) Update(ctx context.Context, workspaceID, rawID, actorUserID string, in UpdateChatInput) (*domain.Chat, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Update", trace.WithAttributes(attribute.String("chat.ref", rawID)))
	defer span.End()

	before, err := loadChat(ctx, s.DB, workspaceID, rawID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if in.Status != nil {
		if !in.Status.Valid() {
			return nil, ErrInvalidStatus
		}
		fields["status"] = *in.Status
	}
	if in.AssigneeRef != nil {
		if err := s.assignmentFields(ctx, fields, in, actorUserID); err != nil {
			return nil, err
		}
	}
	var labels []domain.Label
	if in.LabelIDs != nil {
		ids := uniqueStrings(*in.LabelIDs)
		labels, err = repo.FindLabels(ctx, s.DB, before.WorkspaceID, ids)
		if err != nil {
			return nil, err
		}
		if len(labels) != len(ids) {
			return nil, ErrLabelNotFound
		}
	}

	// ReplaceChatLabels writes the new set back into before.Labels.
	beforeIDs, _ := labelSnapshot(before.Labels)
	beforeAssignee := before.Assignee()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fields) > 0 {
			if err := repo.UpdateChatFields(ctx, tx, before.DocumentID, fields); err != nil {
				return err
			}
		}
		if in.LabelIDs != nil {
			return repo.ReplaceChatLabels(ctx, tx, before, labels)
		}
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrActiveChatExists
	}
	if err != nil {
		return nil, err
	}

	after, err := repo.GetChat(ctx, s.DB, before.DocumentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.WorkspaceRoom(after.WorkspaceID), realtime.EventConversationUpdated, after)

	if !beforeAssignee.Equal(after.Assignee()) {
		content := "Unassigned"
		if after.Assignee() != nil {
			content = "Assigned to " + after.AssigneeName
		}
		s.systemMessage(ctx, after, content, map[string]any{
			"type":        "assignment",
			"assigneeRef": after.Assignee(),
			"actorUserId": nilIfEmpty(actorUserID),
		})
	}

	afterIDs, afterKeys := labelSnapshot(after.Labels)
	if !slices.Equal(beforeIDs, afterIDs) {
		content := "Labels cleared"
		if len(afterKeys) > 0 {
			content = "Labels: " + strings.Join(afterKeys, ", ")
		}
		s.systemMessage(ctx, after, content, map[string]any{
			"type":        "labels",
			"keys":        afterKeys,
			"labelIds":    afterIDs,
			"actorUserId": nilIfEmpty(actorUserID),
		})
	}

	return after, nil
}

// assignmentFields fills the assignment columns for in.AssigneeRef. An
// unknown user is treated as an unassignment.
func (s *ChatService) assignmentFields(ctx context.Context, fields map[string]any, in UpdateChatInput, actorUserID string) error {
	ref, err := domain.ParseActorRef(in.AssigneeRef)
	if err != nil {
		return ErrInvalidActorRef
	}
	var name string
	if ref != nil {
		n, ok := s.lookup(ctx, *ref)
		if !ok && ref.Kind == domain.ActorUser {
			ref = nil
		}
		name = n
	}

	assignedBy := nilIfEmpty(actorUserID)
	if in.AssignedByRef != nil {
		by, err := domain.ParseActorRef(in.AssignedByRef)
		if err != nil {
			return ErrInvalidActorRef
		}
		assignedBy = nil
		if by != nil && by.Kind == domain.ActorUser {
			if _, ok := s.lookup(ctx, *by); ok {
				assignedBy = &by.ID
			}
		}
	}
	fields["assigned_by"] = assignedBy

	if ref == nil {
		fields["assignee_user_id"] = nil
		fields["assignee_agent_id"] = nil
		fields["assignee_name"] = ""
		fields["assigned_at"] = nil
		fields["assignment_status"] = domain.Unassigned
		return nil
	}
	fields["assignee_user_id"] = nil
	fields["assignee_agent_id"] = nil
	if ref.Kind == domain.ActorAgent {
		fields["assignee_agent_id"] = ref.ID
	} else {
		fields["assignee_user_id"] = ref.ID
	}
	fields["assignee_name"] = name
	fields["assigned_at"] = time.Now().UTC()
	fields["assignment_status"] = domain.Assigned
	return nil
}

func (s *ChatService) lookup(ctx context.Context, ref domain.ActorRef) (string, bool) {
	if s.Actors == nil {
		return ref.ID, true
	}
	return s.Actors.Lookup(ctx, ref)
}

// MarkRead resets the unread counter and publishes conversation:updated.
func (s *ChatService) MarkRead(ctx context.Context, workspaceID, rawID string) (*domain.Chat, error) {
	chat, err := loadChat(ctx, s.DB, workspaceID, rawID)
	if err != nil {
		return nil, err
	}
	if err := repo.ResetUnread(ctx, s.DB, chat.DocumentID); err != nil {
		return nil, err
	}
	chat, err = repo.GetChat(ctx, s.DB, chat.DocumentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, realtime.WorkspaceRoom(chat.WorkspaceID), realtime.EventConversationUpdated, chat)
	return chat, nil
}

// Stats returns count and last activity of the workspace chats, used for
// ETags.
func (s *ChatService) Stats(ctx context.Context, workspaceID string) (int64, *time.Time, error) {
	return repo.ChatsStats(ctx, s.DB, workspaceID)
}

func (s *ChatService) systemMessage(ctx context.Context, chat *domain.Chat, content string, meta map[string]any) {
	_, _, err := s.Pipeline.Ingest(ctx, Entry{
		Chat:        chat,
		Role:        domain.RoleSystem,
		Content:     content,
		ContentType: "text",
		Metadata:    meta,
		ToWorkspace: true,
	})
	if err != nil {
		log.Error().Err(err).Str("chat_id", chat.DocumentID).Msg("system message failed")
	}
}

func (s *ChatService) publish(ctx context.Context, room, event string, payload any) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(ctx, room, event, payload); err != nil {
		log.Warn().Err(err).Str("room", room).Str("event", event).Msg("publish failed")
	}
}

// labelSnapshot returns sorted label ids and the display keys in label
// order.
func labelSnapshot(labels []domain.Label) (ids, keys []string) {
	for _, l := range labels {
		ids = append(ids, l.DocumentID)
		keys = append(keys, l.DisplayKey())
	}
	slices.Sort(ids)
	return ids, keys
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
