package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/repo"
	"github.com/chatcharin/messaging-hub/internal/services"
)

// seedSetting is one entry of the settings seed file. Credentials are
// accepted here even though the model never serializes them.
type seedSetting struct {
	DocumentID  string         `json:"documentId"`
	WorkspaceID string         `json:"workspaceId"`
	Channel     domain.Channel `json:"channel"`
	Name        string         `json:"name"`
	AccountID   string         `json:"accountId"`
	AccessToken string         `json:"accessToken"`
	Secret      string         `json:"secret"`
	VerifyToken string         `json:"verifyToken"`
	IsActive    *bool          `json:"isActive"`
	Metadata    map[string]any `json:"metadata"`
}

// seedSettings creates the settings listed in the JSON file at path.
// Entries whose documentId already exists are only reconciled, so the
// same file can be applied on every start.
func seedSettings(ctx context.Context, svc *services.SettingService, path string) (created int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var entries []seedSetting
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("parse seed file: %w", err)
	}

	for i, e := range entries {
		if e.WorkspaceID == "" {
			return created, fmt.Errorf("seed entry %d: workspaceId is required", i)
		}
		if e.DocumentID != "" {
			if _, err := repo.GetSetting(ctx, svc.DB, e.DocumentID); err == nil {
				if _, err := svc.Reconcile(ctx, e.DocumentID); err != nil {
					return created, fmt.Errorf("seed entry %d: %w", i, err)
				}
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return created, fmt.Errorf("seed entry %d: %w", i, err)
			}
		}

		s := &domain.ChannelSetting{
			DocumentID:  e.DocumentID,
			WorkspaceID: e.WorkspaceID,
			Name:        e.Name,
			AccountID:   e.AccountID,
			AccessToken: e.AccessToken,
			Secret:      e.Secret,
			VerifyToken: e.VerifyToken,
			IsActive:    e.IsActive == nil || *e.IsActive,
			Metadata:    datatypes.JSONMap(e.Metadata),
		}
		if e.Channel == domain.ChannelLine {
			s, err = svc.CreateLine(ctx, s)
		} else {
			s.Channel = e.Channel
			s, err = svc.CreateMeta(ctx, s)
		}
		if err != nil {
			return created, fmt.Errorf("seed entry %d: %w", i, err)
		}
		created++
		log.Info().Str("setting_id", s.DocumentID).Str("channel", string(s.Channel)).
			Str("webhook_url", s.WebhookURL).Msg("setting seeded")
	}
	return created, nil
}
