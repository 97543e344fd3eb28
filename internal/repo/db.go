// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), schema migrations, and the raw indexes GORM tags
// cannot express.
package repo

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/chatcharin/messaging-hub/internal/domain"
)

// ErrDuplicate indicates a unique constraint rejected the write: a second
// active chat for the same visitor, a redelivered provider event, or a
// reused idempotency key.
var ErrDuplicate = errors.New("duplicate")

// pragmas are applied per connection through the DSN so every pooled
// connection waits on locks instead of failing with SQLITE_BUSY.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// Options tunes OpenSQLite. The zero value is production defaults.
type Options struct {
	// MaxOpenConns bounds the pool; <= 0 means 10.
	MaxOpenConns int
	// Silent disables GORM's statement logger.
	Silent bool
	// Tracing registers the OpenTelemetry GORM plugin.
	Tracing bool
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
func OpenSQLite(path string, opts ...Options) (*gorm.DB, error) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}

	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	cfg := &gorm.Config{}
	if o.Silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(sqlite.Open(withPragmas(path)), cfg)
	if err != nil {
		return nil, err
	}
	if o.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, err
		}
	}

	// Pool
	maxOpen := o.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

func withPragmas(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// activeChatIndex enforces at most one open/pending chat per visitor scope.
// SQLite supports partial indexes; GORM tags cannot declare the predicate.
const activeChatIndex = `CREATE UNIQUE INDEX IF NOT EXISTS ux_chats_active_visitor
	ON chats (workspace_id, channel, setting_id, visitor_id)
	WHERE status IN ('open','pending')`

// AutoMigrate creates or updates every table the hub owns, rewrites legacy
// visitor keys, and then creates the partial unique index on active chats.
// The rewrite runs first because it may collapse two legacy keys onto one
// canonical key, which the index would otherwise reject.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.Label{},
		&domain.Chat{},
		&domain.Message{},
		&domain.ChannelSetting{},
		&domain.Idempotency{},
	); err != nil {
		return err
	}
	if _, err := MigrateLegacyVisitorKeys(context.Background(), db); err != nil {
		return err
	}
	return db.Exec(activeChatIndex).Error
}
