package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// SettingService writes channel settings and reconciles their derived
// fields right after each write.
type SettingService struct {
	DB       *gorm.DB
	Registry *channel.Registry
	// BaseURL is the public origin webhook URLs are derived from.
	BaseURL string
	// Timeout bounds the avatar lookup.
	Timeout time.Duration
}

// CreateLine stores a LINE setting and reconciles it.
func (s *SettingService) CreateLine(ctx context.Context, in *domain.ChannelSetting) (*domain.ChannelSetting, error) {
	in.Channel = domain.ChannelLine
	return s.create(ctx, in)
}

// CreateMeta stores a Facebook, Instagram or WhatsApp setting and
// reconciles it.
func (s *SettingService) CreateMeta(ctx context.Context, in *domain.ChannelSetting) (*domain.ChannelSetting, error) {
	if !in.Channel.IsMeta() {
		return nil, ErrInvalidChannel
	}
	return s.create(ctx, in)
}

func (s *SettingService) create(ctx context.Context, in *domain.ChannelSetting) (*domain.ChannelSetting, error) {
	if err := repo.CreateSetting(ctx, s.DB, in); err != nil {
		return nil, err
	}
	return s.Reconcile(ctx, in.DocumentID)
}

// Update applies fields to the setting and reconciles it.
func (s *SettingService) Update(ctx context.Context, documentID string, fields map[string]any) (*domain.ChannelSetting, error) {
	if err := repo.UpdateSettingFields(ctx, s.DB, documentID, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrSettingNotFound
		}
		return nil, err
	}
	return s.Reconcile(ctx, documentID)
}

// Reconcile derives the webhook URL, generates a Meta verify token when
// missing, and backfills the avatar. Avatar failures are logged only.
func (s *SettingService) Reconcile(ctx context.Context, documentID string) (*domain.ChannelSetting, error) {
	setting, err := repo.GetSetting(ctx, s.DB, documentID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSettingNotFound
	}
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if url := s.WebhookURL(setting); url != setting.WebhookURL {
		fields["webhook_url"] = url
	}
	if setting.Channel.IsMeta() && setting.VerifyToken == "" {
		token, err := newVerifyToken()
		if err != nil {
			return nil, err
		}
		fields["verify_token"] = token
	}
	if len(fields) > 0 {
		if err := repo.UpdateSettingFields(ctx, s.DB, documentID, fields); err != nil {
			return nil, err
		}
		log.Info().Str("setting_id", documentID).Str("channel", string(setting.Channel)).Msg("setting reconciled")
	}

	if _, err := s.EnsureAvatar(ctx, setting); err != nil {
		log.Warn().Err(err).Str("setting_id", documentID).Msg("avatar backfill failed")
	}
	return repo.GetSetting(ctx, s.DB, documentID)
}

// WebhookURL returns the callback URL providers must be configured with.
func (s *SettingService) WebhookURL(setting *domain.ChannelSetting) string {
	family := string(FamilyMeta)
	if setting.Channel == domain.ChannelLine {
		family = string(FamilyLine)
	}
	return strings.TrimRight(s.BaseURL, "/") + "/api/" + family + "/callback/" + setting.DocumentID
}

// EnsureAvatar fetches and stores the bot or page picture when the setting
// has none. The write only happens if no other writer stored an avatar in
// the meantime. It returns the avatar now known for the setting.
func (s *SettingService) EnsureAvatar(ctx context.Context, setting *domain.ChannelSetting) (string, error) {
	if setting.AvatarURL != "" || setting.AccessToken == "" {
		return setting.AvatarURL, nil
	}
	ad, ok := s.Registry.Get(setting.Channel)
	if !ok {
		return "", nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, err := ad.FetchAvatar(fctx, setting)
	if err != nil || url == "" {
		return "", err
	}
	wrote, err := repo.SetSettingAvatarIfEmpty(ctx, s.DB, setting.DocumentID, url)
	if err != nil {
		return "", err
	}
	if wrote {
		log.Info().Str("setting_id", setting.DocumentID).Msg("setting avatar backfilled")
	}
	return url, nil
}

// newVerifyToken returns 32 random bytes, hex encoded.
func newVerifyToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
