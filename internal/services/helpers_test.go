package services

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

var ctxBG = context.Background()

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "hub.db"), repo.Options{Silent: true})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

// ----- Recording publisher -----

type published struct {
	Room    string
	Event   string
	Payload any
}

type recBus struct {
	mu  sync.Mutex
	got []published
}

func (b *recBus) Publish(_ context.Context, room, event string, payload any) error {
	b.mu.Lock()
	b.got = append(b.got, published{room, event, payload})
	b.mu.Unlock()
	return nil
}

func (b *recBus) events(room, event string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.got {
		if p.Room == room && p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

// ----- Fake adapter -----

type fakeAdapter struct {
	ch domain.Channel

	mu         sync.Mutex
	events     []channel.InboundEvent
	sendErr    error
	sent       []string
	keys       []string
	profile    channel.Profile
	profileErr error
	profiles   int
	avatar     string
	panicOn    string

	// entered and proceed, when set, hold Send until the test lets it go.
	entered chan struct{}
	proceed chan struct{}
}

var _ channel.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Channel() domain.Channel { return f.ch }

func (f *fakeAdapter) Verify(_ []byte, h http.Header, _ *domain.ChannelSetting) bool {
	return h.Get("X-Test-Signature") == "ok"
}

func (f *fakeAdapter) Map([]byte) ([]channel.InboundEvent, error) {
	return f.events, nil
}

func (f *fakeAdapter) Send(_ context.Context, _ *domain.ChannelSetting, recipient, text, key string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.proceed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, recipient+":"+text)
	return nil
}

func (f *fakeAdapter) FetchProfile(_ context.Context, _ *domain.ChannelSetting, userID string) (channel.Profile, error) {
	if userID == f.panicOn && userID != "" {
		panic("profile lookup exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles++
	return f.profile, f.profileErr
}

func (f *fakeAdapter) FetchAvatar(context.Context, *domain.ChannelSetting) (string, error) {
	return f.avatar, nil
}

func (f *fakeAdapter) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

// ----- Wiring -----

type env struct {
	db       *gorm.DB
	bus      *recBus
	line     *fakeAdapter
	fb       *fakeAdapter
	registry *channel.Registry
	pipeline *Pipeline
	resolver *Resolver
	relay    *Relay
	chats    *ChatService
	settings *SettingService
	inbox    *Inbox
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		db:   newTestDB(t),
		bus:  &recBus{},
		line: &fakeAdapter{ch: domain.ChannelLine},
		fb:   &fakeAdapter{ch: domain.ChannelFacebook},
	}
	e.registry = channel.NewRegistry()
	e.registry.MustRegister(e.line)
	e.registry.MustRegister(e.fb)
	e.pipeline = NewPipeline(e.db, e.bus)
	e.resolver = &Resolver{DB: e.db, Bus: e.bus}
	e.relay = &Relay{DB: e.db, Registry: e.registry, Pipeline: e.pipeline}
	e.chats = &ChatService{DB: e.db, Resolver: e.resolver, Pipeline: e.pipeline, Bus: e.bus, Actors: StaticDirectory{}}
	e.settings = &SettingService{DB: e.db, Registry: e.registry, BaseURL: "https://hub.example.com/"}
	e.inbox = &Inbox{DB: e.db, Registry: e.registry, Resolver: e.resolver, Pipeline: e.pipeline, Settings: e.settings}
	return e
}

func (e *env) seedSetting(t *testing.T, ch domain.Channel, active bool) *domain.ChannelSetting {
	t.Helper()
	s := &domain.ChannelSetting{WorkspaceID: "W1", Channel: ch, AccessToken: "tok", Secret: "sec", IsActive: active}
	if err := repo.CreateSetting(ctxBG, e.db, s); err != nil {
		t.Fatalf("CreateSetting: %v", err)
	}
	return s
}

func (e *env) seedChat(t *testing.T, c domain.Chat) *domain.Chat {
	t.Helper()
	if c.WorkspaceID == "" {
		c.WorkspaceID = "W1"
	}
	if c.Channel == "" {
		c.Channel = domain.ChannelLine
	}
	if c.VisitorID == "" {
		c.VisitorID = "U1"
	}
	if err := repo.CreateChat(ctxBG, e.db, &c); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return &c
}

func (e *env) messages(t *testing.T, chatID string) []domain.Message {
	t.Helper()
	msgs, err := repo.ListMessagesPage(ctxBG, e.db, chatID, 0, 1000)
	if err != nil {
		t.Fatalf("ListMessagesPage: %v", err)
	}
	return msgs
}

func (e *env) chat(t *testing.T, id string) *domain.Chat {
	t.Helper()
	c, err := repo.GetChat(ctxBG, e.db, id)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	return c
}
