// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file rewrites chats stored under older visitor-key
// schemes into the canonical (setting_id, bare visitor_id) form.
package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// legacySettingKeys are the metadata fields older records used to link a
// chat to its channel setting, by channel.
var legacySettingKeys = map[domain.Channel]string{
	domain.ChannelLine:      "lineSettingId",
	domain.ChannelFacebook:  "metaSettingId",
	domain.ChannelInstagram: "metaSettingId",
	domain.ChannelWhatsApp:  "metaSettingId",
	domain.ChannelWidget:    "widgetSettingId",
}

// CanonicalVisitorKey splits a legacy composite LINE visitor id of the form
// "line:{settingId}:{userId}". ok is false for bare ids.
func CanonicalVisitorKey(visitorID string) (settingID, userID string, ok bool) {
	rest, found := strings.CutPrefix(visitorID, "line:")
	if !found {
		return "", "", false
	}
	settingID, userID, found = strings.Cut(rest, ":")
	if !found || settingID == "" || userID == "" {
		return "", "", false
	}
	return settingID, userID, true
}

// LegacySettingID returns the setting id recorded in chat metadata by older
// writers, or "".
func LegacySettingID(c *domain.Chat) string {
	key, ok := legacySettingKeys[c.Channel]
	if !ok || c.Metadata == nil {
		return ""
	}
	v, _ := c.Metadata[key].(string)
	return strings.TrimSpace(v)
}

// MigrateLegacyVisitorKeys rewrites composite LINE visitor ids and backfills
// empty setting ids from legacy metadata. When a rewritten active chat would
// collide with another active chat for the same canonical key, the older of
// the two is closed. It returns the number of chats rewritten and is safe to
// run repeatedly.
func MigrateLegacyVisitorKeys(ctx context.Context, db *gorm.DB) (int, error) {
	var candidates []domain.Chat
	err := db.WithContext(ctx).
		Where("setting_id = '' OR (channel = ? AND visitor_id LIKE 'line:%')", domain.ChannelLine).
		Order("id asc").
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	rewritten := 0
	for i := range candidates {
		c := &candidates[i]
		settingID, visitorID := c.SettingID, c.VisitorID
		if c.Channel == domain.ChannelLine {
			if sid, uid, ok := CanonicalVisitorKey(c.VisitorID); ok {
				visitorID = uid
				if settingID == "" {
					settingID = sid
				}
			}
		}
		if settingID == "" {
			settingID = LegacySettingID(c)
		}
		if settingID == c.SettingID && visitorID == c.VisitorID {
			continue
		}

		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			fields := map[string]any{"setting_id": settingID, "visitor_id": visitorID}
			if c.Status.Active() {
				winner, err := FindActiveChat(ctx, tx, ChatKey{
					WorkspaceID: c.WorkspaceID,
					Channel:     c.Channel,
					SettingID:   settingID,
					VisitorID:   visitorID,
				})
				switch {
				case err == nil && winner.UpdatedAt.After(c.UpdatedAt):
					fields["status"] = domain.ChatClosed
				case err == nil:
					if err := UpdateChatFields(ctx, tx, winner.DocumentID, map[string]any{
						"status":     domain.ChatClosed,
						"updated_at": winner.UpdatedAt,
					}); err != nil {
						return err
					}
				case !errors.Is(err, ErrNotFound):
					return err
				}
			}
			// updated_at is preserved so list ordering is unaffected.
			fields["updated_at"] = c.UpdatedAt
			return UpdateChatFields(ctx, tx, c.DocumentID, fields)
		})
		if err != nil {
			return rewritten, err
		}
		rewritten++
	}

	if rewritten > 0 {
		log.Info().Int("chats", rewritten).Msg("legacy visitor keys migrated")
	}
	return rewritten, nil
}
