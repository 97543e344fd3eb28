package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// newTestDB opens a migrated file-backed database in t.TempDir().
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "hub.db"), Options{Silent: true})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedChat(t *testing.T, db *gorm.DB, c domain.Chat) *domain.Chat {
	t.Helper()
	if c.WorkspaceID == "" {
		c.WorkspaceID = "W1"
	}
	if c.Channel == "" {
		c.Channel = domain.ChannelLine
	}
	if err := CreateChat(context.Background(), db, &c); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return &c
}

func ago(d time.Duration) time.Time { return time.Now().UTC().Add(-d) }

var ctxBG = context.Background()
