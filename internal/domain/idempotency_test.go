package domain

import (
	"testing"
	"time"
)

func TestIdempotency_Migration_UniqueKeyPerWorkspaceChat(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if !db.Migrator().HasIndex(&Idempotency{}, "ux_workspace_chat_key") {
		t.Fatalf("expected composite index ux_workspace_chat_key")
	}

	now := time.Now().UTC()
	rec := &Idempotency{
		ID: "id-1", WorkspaceID: "W1", ChatID: "c1", Key: "k1",
		MessageID: "m1", Status: 200, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert valid: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "id-1").Error; err != nil {
		t.Fatalf("readback: %v", err)
	}
	if got.WorkspaceID != "W1" || got.ChatID != "c1" || got.MessageID != "m1" || got.Status != 200 {
		t.Fatalf("unexpected row: %+v", got)
	}

	dup := *rec
	dup.ID = "id-2"
	dup.MessageID = "m2"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on (workspace_id, chat_id, key)")
	}

	other := *rec
	other.ID = "id-3"
	other.WorkspaceID = "W2"
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("same key in another workspace should be allowed: %v", err)
	}
}
