package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrHubClosed is returned by ServeWS after Close.
var ErrHubClosed = errors.New("realtime: hub closed")

// Identity is who opened a connection, as established by the HTTP layer
// before the upgrade.
type Identity struct {
	UserID      string
	WorkspaceID string
}

// ChatRef identifies a chat and the workspace that owns it.
type ChatRef struct {
	DocumentID  string
	WorkspaceID string
}

// ChatIDResolver maps a client supplied chat id (opaque or numeric) to the
// canonical chat reference.
type ChatIDResolver interface {
	ResolveChat(ctx context.Context, raw string) (ChatRef, error)
}

// Authorizer reports whether id may watch workspaceID.
type Authorizer func(ctx context.Context, id Identity, workspaceID string) bool

// SendHandler processes a message:send intent. A returned error is reported
// to the sender as message:error.
type SendHandler func(ctx context.Context, id Identity, data json.RawMessage) error

// Options configures a Hub. Zero values select defaults.
type Options struct {
	// SendBuffer is the per-connection outbound queue length (default 256).
	SendBuffer int
	// PingInterval is the keepalive period (default 25s). A peer that does
	// not answer within twice the interval is disconnected.
	PingInterval time.Duration
	// WriteTimeout bounds a single frame write (default 10s).
	WriteTimeout time.Duration
	// MaxMessageBytes bounds inbound frames (default 64 KiB).
	MaxMessageBytes int64
	// AllowedOrigins restricts browser origins. Empty or "*" allows any.
	AllowedOrigins []string

	Resolver  ChatIDResolver
	Authorize Authorizer
	OnSend    SendHandler
}

// Hub tracks connections and their room memberships. Publish enqueues one
// serialized frame per subscriber; each connection drains its queue in FIFO
// order, so frames published in sequence to a room reach every member in
// that sequence.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	onSend  SendHandler
}

// NewHub returns a running hub.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		onSend:  opts.OnSend,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetSendHandler installs the message:send handler. The services that
// handle sends publish through the hub, so the two are wired after both
// exist.
func (h *Hub) SetSendHandler(fn SendHandler) {
	h.mu.Lock()
	h.onSend = fn
	h.mu.Unlock()
}

func (h *Hub) sendHandler() SendHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onSend
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and serves the connection until it closes.
// It blocks for the lifetime of the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, id Identity) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return ErrHubClosed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		return err
	}
	c := newClient(h, conn, id)
	if !h.register(c) {
		_ = conn.Close()
		return ErrHubClosed
	}
	go c.writePump()
	c.readPump(h.ctx)
	return nil
}

// Publish sends event with payload to every member of room. It never blocks
// on a subscriber: a member whose queue is full is disconnected.
func (h *Hub) Publish(_ context.Context, room, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, c := range members {
		if c.enqueue(frame) {
			hubPublished.WithLabelValues(event).Inc()
			continue
		}
		slow = append(slow, c)
	}
	for _, c := range slow {
		hubDropped.Inc()
		log.Warn().Str("conn_id", c.id).Str("room", room).Str("event", event).Msg("slow subscriber disconnected")
		h.unregister(c)
		c.close()
	}
	return nil
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.cancel()
	for _, c := range clients {
		h.unregister(c)
		c.close()
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	hubConnections.Inc()
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.removeLocked(c, room)
	}
	hubConnections.Dec()
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *Client, room string) {
	delete(c.rooms, room)
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
