package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/observability"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// settingMetadataKeys are the chat metadata fields older clients read to
// find the setting of a chat.
var settingMetadataKeys = map[domain.Channel]string{
	domain.ChannelLine:      "lineSettingId",
	domain.ChannelFacebook:  "metaSettingId",
	domain.ChannelInstagram: "metaSettingId",
	domain.ChannelWhatsApp:  "metaSettingId",
	domain.ChannelWidget:    "widgetSettingId",
}

// Resolver maps a visitor scope to its single active chat.
type Resolver struct {
	DB  *gorm.DB
	Bus Publisher

	// EnrichTimeout bounds the profile lookup of ResolveInbound.
	EnrichTimeout time.Duration
}

// FindOrCreate returns the active chat for the scope of c, creating c when
// there is none. A concurrent creator losing the race on the active-chat
// index receives the winner's chat. created reports whether c was inserted,
// in which case conversation:new is published to the workspace room.
func (r *Resolver) FindOrCreate(ctx context.Context, c *domain.Chat) (chat *domain.Chat, created bool, err error) {
	key := repo.ChatKey{
		WorkspaceID: c.WorkspaceID,
		Channel:     c.Channel,
		SettingID:   c.SettingID,
		VisitorID:   c.VisitorID,
	}
	existing, err := repo.FindActiveChat(ctx, r.DB, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	c.Status = domain.ChatOpen
	c.UnreadCount = 0
	switch err := repo.CreateChat(ctx, r.DB, c); {
	case errors.Is(err, repo.ErrDuplicate):
		winner, ferr := repo.FindActiveChat(ctx, r.DB, key)
		if ferr != nil {
			return nil, false, ferr
		}
		return winner, false, nil
	case err != nil:
		return nil, false, err
	}

	if r.Bus != nil {
		if err := r.Bus.Publish(ctx, realtime.WorkspaceRoom(c.WorkspaceID), realtime.EventConversationNew, c); err != nil {
			log.Warn().Err(err).Str("chat_id", c.DocumentID).Msg("publish conversation:new failed")
		}
	}
	return c, true, nil
}

// ResolveInbound returns the chat an inbound event belongs to, enriching the
// visitor profile on the way. Profile lookups are bounded by EnrichTimeout
// and never fail the call: an existing chat keeps its cached name and avatar,
// a new chat falls back to the raw visitor id as its name.
func (r *Resolver) ResolveInbound(ctx context.Context, setting *domain.ChannelSetting, ad channel.Adapter, ev channel.InboundEvent) (*domain.Chat, error) {
	tr := otel.Tracer("services/Resolver")
	ctx, span := tr.Start(ctx, "ResolveInbound",
		trace.WithAttributes(
			attribute.String("setting.id", setting.DocumentID),
			observability.ChannelAttr(string(setting.Channel)),
		),
	)
	defer span.End()

	profile, fetched := r.enrich(ctx, setting, ad, ev)

	c := &domain.Chat{
		WorkspaceID: setting.WorkspaceID,
		Channel:     setting.Channel,
		SettingID:   setting.DocumentID,
		VisitorID:   ev.SenderID,
		VisitorName: ev.SenderID,
		Metadata:    datatypes.JSONMap{settingMetadataKeys[setting.Channel]: setting.DocumentID},
	}
	if fetched {
		if profile.Name != "" {
			c.VisitorName = profile.Name
		}
		c.VisitorAvatar = optString(profile.AvatarURL)
	}

	chat, created, err := r.FindOrCreate(ctx, c)
	if err != nil || created {
		return chat, err
	}

	fields := map[string]any{}
	if fetched {
		if profile.Name != "" && profile.Name != chat.VisitorName {
			fields["visitor_name"] = profile.Name
			chat.VisitorName = profile.Name
		}
		if avatar := optString(profile.AvatarURL); avatar != nil && (chat.VisitorAvatar == nil || *chat.VisitorAvatar != *avatar) {
			fields["visitor_avatar"] = *avatar
			chat.VisitorAvatar = avatar
		}
	}
	if key := settingMetadataKeys[setting.Channel]; chat.Metadata[key] == nil {
		meta := datatypes.JSONMap{}
		for k, v := range chat.Metadata {
			meta[k] = v
		}
		meta[key] = setting.DocumentID
		fields["metadata"] = meta
		chat.Metadata = meta
	}
	if len(fields) > 0 {
		// Enrichment does not count as activity.
		fields["updated_at"] = chat.UpdatedAt
		if err := repo.UpdateChatFields(ctx, r.DB, chat.DocumentID, fields); err != nil {
			log.Warn().Err(err).Str("chat_id", chat.DocumentID).Msg("chat enrichment update failed")
		}
	}
	return chat, nil
}

func (r *Resolver) enrich(ctx context.Context, setting *domain.ChannelSetting, ad channel.Adapter, ev channel.InboundEvent) (channel.Profile, bool) {
	if ev.SenderName != "" {
		return channel.Profile{Name: ev.SenderName}, true
	}
	if ad == nil {
		return channel.Profile{}, false
	}
	timeout := r.EnrichTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := ad.FetchProfile(ctx, setting, ev.SenderID)
	if err != nil {
		if !errors.Is(err, channel.ErrUnsupported) {
			log.Info().Err(err).
				Str("channel", string(setting.Channel)).
				Str("visitor_id", ev.SenderID).
				Msg("profile fetch failed")
		}
		return channel.Profile{}, false
	}
	return p, true
}
