// Command hub runs the messaging hub: provider webhooks, the operator REST
// API and the real-time websocket endpoint on one HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/channel/line"
	"github.com/chatcharin/messaging-hub/internal/channel/meta"
	"github.com/chatcharin/messaging-hub/internal/config"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/events"
	httpapi "github.com/chatcharin/messaging-hub/internal/http"
	"github.com/chatcharin/messaging-hub/internal/http/handlers"
	"github.com/chatcharin/messaging-hub/internal/observability"
	"github.com/chatcharin/messaging-hub/internal/realtime"
	"github.com/chatcharin/messaging-hub/internal/repo"
	"github.com/chatcharin/messaging-hub/internal/services"
	"github.com/chatcharin/messaging-hub/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	purgeInterval   = time.Hour
)

func main() {
	seedPath := flag.String("seed", "", "JSON file of channel settings to create on start")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		sysutil.SetupLogging("info", false, os.Stderr)
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *seedPath); err != nil {
		log.Fatal().Err(err).Msg("hub stopped with error")
	}
	log.Info().Msg("hub stopped")
}

func run(ctx context.Context, cfg config.Config, seedPath string) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath, repo.Options{Silent: cfg.LogLevel != "debug", Tracing: cfg.OTEL.Enabled})
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	client := channel.NewRestyClient(channel.ClientOptions{
		Timeout:    cfg.Providers.Timeout,
		RetryCount: cfg.Providers.Retries,
	})
	registry := channel.NewRegistry()
	registry.MustRegister(line.New(cfg.Providers.LineBaseURL, client))
	for _, a := range meta.NewAll(cfg.Providers.GraphBaseURL, client) {
		registry.MustRegister(a)
	}

	chats := &services.ChatService{DB: db, Actors: services.StaticDirectory{}}
	hub := realtime.NewHub(realtime.Options{
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		Resolver:       chats,
		Authorize: func(_ context.Context, id realtime.Identity, workspaceID string) bool {
			return id.WorkspaceID != "" && id.WorkspaceID == workspaceID
		},
	})
	defer hub.Close()

	var bus services.Publisher = hub
	if cfg.Events.AMQPURL != "" {
		mirror, err := events.Dial(ctx, events.DialOptions{URL: cfg.Events.AMQPURL, Exchange: cfg.Events.Exchange})
		if err != nil {
			return err
		}
		defer func() { _ = mirror.Close() }()
		async := events.NewAsync(mirror, events.AsyncOptions{})
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := async.Close(sctx); err != nil {
				log.Warn().Err(err).Msg("event mirror drain")
			}
		}()
		bus = events.NewFanout(hub, async)
		log.Info().Str("exchange", cfg.Events.Exchange).Msg("event mirror enabled")
	}

	pipeline := services.NewPipeline(db, bus)
	resolver := &services.Resolver{DB: db, Bus: bus, EnrichTimeout: cfg.Providers.EnrichTimeout}
	chats.Resolver, chats.Pipeline, chats.Bus = resolver, pipeline, bus

	settings := &services.SettingService{DB: db, Registry: registry, BaseURL: cfg.BaseURL, Timeout: cfg.Providers.Timeout}
	if seedPath != "" {
		n, err := seedSettings(ctx, settings, seedPath)
		if err != nil {
			return err
		}
		log.Info().Int("created", n).Str("path", seedPath).Msg("settings seeded")
	}

	inbox := &services.Inbox{DB: db, Registry: registry, Resolver: resolver, Pipeline: pipeline, Settings: settings}
	relay := &services.Relay{
		DB:             db,
		Registry:       registry,
		Pipeline:       pipeline,
		Timeout:        cfg.Providers.Timeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	live := &services.LiveSender{
		DB:         db,
		Pipeline:   pipeline,
		Registry:   registry,
		AutoReply:  autoReplySet(cfg.AutoReply.Channels),
		MarkFailed: cfg.AutoReply.MarkFailed,
		Timeout:    cfg.Providers.Timeout,
	}
	hub.SetSendHandler(live.HandleSend)

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:     db,
		Config: cfg,
		Handlers: handlers.Deps{
			Chats:    chats,
			Messages: &services.MessageService{DB: db},
			Relay:    relay,
			Inbox:    inbox,
			Live:     hub,
		},
	})

	srv := &http.Server{
		Addr:              ":" + strings.TrimPrefix(cfg.Port, ":"),
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		purgeIdempotency(gctx, db, purgeInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Close the hub first: hijacked websocket connections are not
		// tracked by Shutdown.
		hub.Close()
		err := srv.Shutdown(sctx)
		inbox.Wait()
		live.Wait()
		return err
	})
	return g.Wait()
}

// purgeIdempotency deletes expired idempotency records every interval until
// ctx is done.
func purgeIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired idempotency keys purged")
			}
		}
	}
}

func autoReplySet(channels []string) map[domain.Channel]bool {
	out := make(map[domain.Channel]bool, len(channels))
	for _, ch := range channels {
		out[domain.Channel(ch)] = true
	}
	return out
}
