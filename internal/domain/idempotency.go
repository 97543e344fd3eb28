// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// Idempotency records the message produced by a previously completed
// outbound relay request, keyed by (workspace_id, chat_id, key). A client
// retrying a relay with the same Idempotency-Key header receives the
// original message instead of triggering a second provider send.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	WorkspaceID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_workspace_chat_key,priority:1"`
	ChatID      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_workspace_chat_key,priority:2"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_workspace_chat_key,priority:3"`
	MessageID   string    `gorm:"type:TEXT NOT NULL"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// Pending reports whether the request holding the key has not finished.
func (r *Idempotency) Pending() bool { return r.MessageID == "" }

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
