// Package domain defines the persistence models for conversations, messages,
// channel settings, and labels. These types are mapped with GORM and form the
// core data layer of the messaging hub.
//
// Every persisted entity carries two identities: a numeric surrogate (ID),
// kept for older clients that still address records by number, and a stable
// opaque DocumentID that is the canonical identity everywhere inside the hub.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Channel identifies the external messaging surface a chat belongs to.
type Channel string

const (
	ChannelWidget    Channel = "widget"
	ChannelLine      Channel = "line"
	ChannelFacebook  Channel = "facebook"
	ChannelInstagram Channel = "instagram"
	ChannelWhatsApp  Channel = "whatsapp"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWidget, ChannelLine, ChannelFacebook, ChannelInstagram, ChannelWhatsApp:
		return true
	}
	return false
}

// IsMeta reports whether c is served by the Meta Graph platform.
func (c Channel) IsMeta() bool {
	return c == ChannelFacebook || c == ChannelInstagram || c == ChannelWhatsApp
}

// ChatStatus is the lifecycle state of a chat.
type ChatStatus string

const (
	ChatOpen    ChatStatus = "open"
	ChatPending ChatStatus = "pending"
	ChatClosed  ChatStatus = "closed"
)

// Active reports whether the status counts toward the single active chat
// per visitor rule.
func (s ChatStatus) Active() bool { return s == ChatOpen || s == ChatPending }

// Valid reports whether s is a known status.
func (s ChatStatus) Valid() bool { return s.Active() || s == ChatClosed }

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleVisitor SenderRole = "visitor"
	RoleAgent   SenderRole = "agent"
	RoleSystem  SenderRole = "system"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	MessageSent   MessageStatus = "sent"
	MessageFailed MessageStatus = "failed"
)

// AssignmentStatus mirrors whether a chat currently has an assignee.
type AssignmentStatus string

const (
	Unassigned AssignmentStatus = "unassigned"
	Assigned   AssignmentStatus = "assigned"
)

// LastMessageMaxRunes caps the stored conversation preview.
const LastMessageMaxRunes = 500

// Chat is one conversation between a visitor and a workspace on one channel
// setting.
//
// Fields:
//   - ID / DocumentID: numeric surrogate and canonical opaque id.
//   - WorkspaceID: owning workspace.
//   - Channel: origin channel (widget, line, facebook, instagram, whatsapp).
//   - SettingID: DocumentID of the ChannelSetting the chat arrived through.
//     Empty for widget chats created without a widget setting.
//   - VisitorID: provider scoped visitor identifier (bare, never composite).
//   - UnreadCount: visitor messages not yet read by an operator.
//   - LastMessage*: preview and timestamps maintained by ingestion.
//   - Assignee*: user or automated agent assignment, mutually exclusive.
//   - Labels: many-to-many set of workspace labels.
//   - Metadata: denormalized channel linkage (e.g. lineSettingId).
//
// At most one chat with status open or pending exists per
// (WorkspaceID, Channel, SettingID, VisitorID); a partial unique index
// created in repo.AutoMigrate enforces it.
type Chat struct {
	ID               uint64            `json:"id"               gorm:"primaryKey;autoIncrement"`
	DocumentID       string            `json:"documentId"       gorm:"type:char(36);not null;uniqueIndex"`
	WorkspaceID      string            `json:"workspaceId"      gorm:"type:varchar(64);not null;index:idx_chats_workspace,priority:1"`
	Channel          Channel           `json:"channel"          gorm:"type:varchar(16);not null;check:channel IN ('widget','line','facebook','instagram','whatsapp')"`
	SettingID        string            `json:"settingId"        gorm:"type:varchar(64);not null;default:''"`
	VisitorID        string            `json:"visitorId"        gorm:"type:varchar(255);not null"`
	VisitorName      string            `json:"visitorName"      gorm:"type:varchar(255)"`
	VisitorAvatar    *string           `json:"visitorAvatar"    gorm:"type:text"`
	Status           ChatStatus        `json:"status"           gorm:"type:varchar(16);not null;default:'open';check:status IN ('open','pending','closed')"`
	UnreadCount      int               `json:"unreadCount"      gorm:"not null;default:0;check:unread_count >= 0"`
	LastMessage      string            `json:"lastMessage"      gorm:"type:varchar(2048)"`
	LastMessageAt    *time.Time        `json:"lastMessageAt"`
	LastInboundAt    *time.Time        `json:"lastInboundAt"`
	LastOutboundAt   *time.Time        `json:"lastOutboundAt"`
	AssigneeUserID   *string           `json:"assigneeUserId"   gorm:"type:varchar(64)"`
	AssigneeAgentID  *string           `json:"assigneeAgentId"  gorm:"type:varchar(64)"`
	AssigneeName     string            `json:"assigneeName"     gorm:"type:varchar(255)"`
	AssignedAt       *time.Time        `json:"assignedAt"`
	AssignedBy       *string           `json:"assignedBy"       gorm:"type:varchar(64)"`
	AssignmentStatus AssignmentStatus  `json:"assignmentStatus" gorm:"type:varchar(16);not null;default:'unassigned'"`
	Labels           []Label           `json:"labels"           gorm:"many2many:chat_labels;constraint:OnDelete:CASCADE"`
	Metadata         datatypes.JSONMap `json:"metadata"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"        gorm:"index:idx_chats_workspace,priority:2"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Assignee returns the current assignment as an ActorRef, or nil when the
// chat is unassigned.
func (c *Chat) Assignee() *ActorRef {
	switch {
	case c.AssigneeAgentID != nil && *c.AssigneeAgentID != "":
		ref := AgentRef(*c.AssigneeAgentID)
		return &ref
	case c.AssigneeUserID != nil && *c.AssigneeUserID != "":
		ref := UserRef(*c.AssigneeUserID)
		return &ref
	}
	return nil
}

// Message is one inbound, outbound, or system content unit within a chat.
// Content is immutable once written; only Status and Metadata change, when
// a chained provider send fails after the message was broadcast.
//
// ProviderEventID holds the provider's event id for inbound deliveries and
// is unique per (Channel, SettingID). NULL values never collide, so messages
// without a provider id are unconstrained.
type Message struct {
	ID              uint64            `json:"id"              gorm:"primaryKey;autoIncrement"`
	DocumentID      string            `json:"documentId"      gorm:"type:char(36);not null;uniqueIndex"`
	ChatID          string            `json:"chatId"          gorm:"type:char(36);not null;index:idx_chat_msgs,priority:1"`
	Channel         Channel           `json:"channel"         gorm:"type:varchar(16);not null;uniqueIndex:ux_messages_provider_event,priority:1"`
	SettingID       string            `json:"settingId"       gorm:"type:varchar(64);not null;default:'';uniqueIndex:ux_messages_provider_event,priority:2"`
	Content         string            `json:"content"         gorm:"type:text;not null"`
	ContentType     string            `json:"contentType"     gorm:"type:varchar(32);not null;default:'text'"`
	SenderRole      SenderRole        `json:"senderRole"      gorm:"type:varchar(16);not null;check:sender_role IN ('visitor','agent','system')"`
	SenderName      *string           `json:"senderName"      gorm:"type:varchar(255)"`
	SenderAvatar    *string           `json:"senderAvatar"    gorm:"type:text"`
	FileURL         *string           `json:"fileUrl"         gorm:"type:text"`
	Status          MessageStatus     `json:"status"          gorm:"type:varchar(16);not null;default:'sent'"`
	ProviderEventID *string           `json:"providerEventId" gorm:"type:varchar(255);uniqueIndex:ux_messages_provider_event,priority:3"`
	Metadata        datatypes.JSONMap `json:"metadata"`
	CreatedAt       time.Time         `json:"createdAt"       gorm:"index:idx_chat_msgs,priority:2"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ChannelSetting is a workspace scoped credential bundle for one provider
// account (a LINE bot, a Facebook page, an Instagram account, or a WhatsApp
// business number). A workspace may hold several active settings per channel.
//
// AccessToken and Secret are credentials and are never serialized.
type ChannelSetting struct {
	ID          uint64            `json:"id"          gorm:"primaryKey;autoIncrement"`
	DocumentID  string            `json:"documentId"  gorm:"type:char(36);not null;uniqueIndex"`
	WorkspaceID string            `json:"workspaceId" gorm:"type:varchar(64);not null;index:idx_settings_lookup,priority:1"`
	Channel     Channel           `json:"channel"     gorm:"type:varchar(16);not null;index:idx_settings_lookup,priority:2"`
	Name        string            `json:"name"        gorm:"type:varchar(255)"`
	AccountID   string            `json:"accountId"   gorm:"type:varchar(255)"`
	AccessToken string            `json:"-"           gorm:"type:text"`
	Secret      string            `json:"-"           gorm:"type:text"`
	VerifyToken string            `json:"verifyToken" gorm:"type:varchar(128)"`
	IsActive    bool              `json:"isActive"    gorm:"not null;index:idx_settings_lookup,priority:3"`
	WebhookURL  string            `json:"webhookUrl"  gorm:"type:text"`
	AvatarURL   string            `json:"avatarUrl"   gorm:"type:text;not null;default:''"`
	Metadata    datatypes.JSONMap `json:"metadata"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// TableName returns the database table name for ChannelSetting.
func (ChannelSetting) TableName() string { return "channel_settings" }

// MetadataString returns a string value from the setting metadata, or "".
func (s *ChannelSetting) MetadataString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	v, _ := s.Metadata[key].(string)
	return v
}

// Label is a workspace scoped tag that operators attach to chats.
type Label struct {
	ID          uint64    `json:"id"          gorm:"primaryKey;autoIncrement"`
	DocumentID  string    `json:"documentId"  gorm:"type:char(36);not null;uniqueIndex"`
	WorkspaceID string    `json:"workspaceId" gorm:"type:varchar(64);not null;uniqueIndex:ux_labels_workspace_key,priority:1"`
	Key         string    `json:"key"         gorm:"type:varchar(64);not null;uniqueIndex:ux_labels_workspace_key,priority:2"`
	Name        string    `json:"name"        gorm:"type:varchar(255)"`
	Color       string    `json:"color"       gorm:"type:varchar(16)"`
	IsActive    bool      `json:"isActive"    gorm:"not null"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName returns the database table name for Label.
func (Label) TableName() string { return "labels" }

// DisplayKey is the label identity used in system messages.
func (l Label) DisplayKey() string {
	switch {
	case l.Key != "":
		return l.Key
	case l.Name != "":
		return l.Name
	}
	return l.DocumentID
}
