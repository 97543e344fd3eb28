package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is one websocket connection. rooms is guarded by the hub mutex.
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	ident Identity
	send  chan []byte
	rooms map[string]struct{}
	done  chan struct{}
	once  sync.Once
	lg    zerolog.Logger
}

func newClient(h *Hub, conn *websocket.Conn, id Identity) *Client {
	cid := uuid.NewString()
	return &Client{
		id:    cid,
		hub:   h,
		conn:  conn,
		ident: id,
		send:  make(chan []byte, h.opts.SendBuffer),
		rooms: make(map[string]struct{}),
		done:  make(chan struct{}),
		lg:    log.With().Str("conn_id", cid).Str("user_id", id.UserID).Logger(),
	}
}

func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// emit queues a frame for this connection only.
func (c *Client) emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.lg.Error().Err(err).Str("event", event).Msg("marshal frame")
		return
	}
	frame, _ := json.Marshal(Frame{Event: event, Data: data})
	if !c.enqueue(frame) {
		c.lg.Warn().Str("event", event).Msg("direct frame dropped")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.lg.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	pongWait := 2 * c.hub.opts.PingInterval
	c.conn.SetReadLimit(c.hub.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.lg.Info().Msg("client connected")
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.lg.Warn().Err(err).Msg("client disconnected")
			} else {
				c.lg.Info().Msg("client disconnected")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			c.lg.Debug().Msg("ignoring malformed frame")
			continue
		}
		c.dispatch(ctx, f)
	}
}

// dispatch handles one intent. Intents of a connection run sequentially in
// arrival order.
func (c *Client) dispatch(ctx context.Context, f Frame) {
	switch f.Event {
	case IntentWorkspaceJoin, IntentWorkspaceLeave:
		var in RoomIntent
		if err := json.Unmarshal(f.Data, &in); err != nil || in.WorkspaceID == "" {
			return
		}
		room := WorkspaceRoom(in.WorkspaceID)
		if f.Event == IntentWorkspaceLeave {
			c.hub.leave(c, room)
			c.lg.Debug().Str("room", room).Msg("left")
			return
		}
		if auth := c.hub.opts.Authorize; auth != nil && !auth(ctx, c.ident, in.WorkspaceID) {
			c.lg.Warn().Str("workspace_id", in.WorkspaceID).Msg("workspace join denied")
			return
		}
		c.hub.join(c, room)
		c.lg.Debug().Str("room", room).Msg("joined")

	case IntentConversationJoin, IntentConversationLeave:
		var in RoomIntent
		if err := json.Unmarshal(f.Data, &in); err != nil {
			return
		}
		raw := in.RawChatID()
		if raw == "" || c.hub.opts.Resolver == nil {
			return
		}
		ref, err := c.hub.opts.Resolver.ResolveChat(ctx, raw)
		if err != nil || ref.DocumentID == "" {
			c.lg.Debug().Err(err).Str("chat_id", raw).Msg("unresolved conversation id")
			return
		}
		room := ConversationRoom(ref.DocumentID)
		if f.Event == IntentConversationLeave {
			c.hub.leave(c, room)
			return
		}
		if auth := c.hub.opts.Authorize; auth != nil && !auth(ctx, c.ident, ref.WorkspaceID) {
			c.lg.Warn().Str("chat_id", ref.DocumentID).Msg("conversation join denied")
			return
		}
		c.hub.join(c, room)

	case IntentMessageSend:
		fn := c.hub.sendHandler()
		if fn == nil {
			c.emit(EventMessageError, ErrorPayload{Error: "sending is disabled"})
			return
		}
		if err := fn(ctx, c.ident, f.Data); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.lg.Warn().Err(err).Msg("message:send failed")
			}
			c.emit(EventMessageError, ErrorPayload{Error: err.Error()})
		}

	default:
		c.lg.Debug().Str("event", f.Event).Msg("unknown intent")
	}
}
