package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/live"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBuffer = 32
)

type event struct {
	Type      string `json:"type"`
	Message   any    `json:"message,omitempty"`
	MessageID *int   `json:"message_id,omitempty"`
}

// hub fans room events out to the websocket clients connected to that room.
type hub struct {
	ctx      context.Context
	rooms    *core.SyncMap[int, []*client]
	store    *store
	tokens   *tokenIssuer
	upgrader websocket.Upgrader
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func newHub(ctx context.Context, s *store, tokens *tokenIssuer, logger *slog.Logger) *hub {
	return &hub{
		ctx:    ctx,
		rooms:  core.NewSyncMap[int, []*client](),
		store:  s,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

type client struct {
	hub    *hub
	conn   *websocket.Conn
	roomID int
	userID atomic.Int64
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// connect upgrades the request and serves the connection until either side
// closes it.
func (h *hub) connect(w http.ResponseWriter, r *http.Request, roomID int) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}
	c := &client{
		hub:    h,
		conn:   conn,
		roomID: roomID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With(slog.Int("room", roomID), slog.String("conn", uuid.NewString())),
	}
	h.join(c)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer h.wg.Done()
		c.readLoop()
	}()

	c.emit(event{Type: live.EventConnectionEstablished, Message: "You are now connected!"})
	return nil
}

func (h *hub) join(c *client) {
	h.rooms.Update(c.roomID, func(clients []*client, _ bool) ([]*client, bool) {
		return append(slices.Clone(clients), c), true
	})
}

func (h *hub) leave(c *client) {
	h.rooms.Update(c.roomID, func(clients []*client, _ bool) ([]*client, bool) {
		next := slices.DeleteFunc(slices.Clone(clients), func(o *client) bool { return o == c })
		return next, len(next) > 0
	})
}

// broadcast sends e to every authenticated client of the room. Slow clients
// are dropped rather than blocking the room.
func (h *hub) broadcast(roomID int, e event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("encode event", slog.String("error", err.Error()))
		return
	}
	clients, _ := h.rooms.Load(roomID)
	for _, c := range clients {
		if c.userID.Load() == 0 {
			continue
		}
		select {
		case c.send <- data:
		default:
			c.logger.Warn("send buffer full, closing")
			c.close()
		}
	}
}

// close closes every connection and waits for their loops to exit.
func (h *hub) close() {
	h.rooms.DeleteFunc(func(_ int, clients []*client) bool {
		for _, c := range clients {
			c.close()
		}
		return true
	})
	h.wg.Wait()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *client) emit(e event) {
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Error("encode event", slog.String("error", err.Error()))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *client) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
			}
			return
		}
		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var a live.Action
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
			c.logger.Error(fmt.Sprintf("decode action: %v", err))
			continue
		}
		if !c.handle(a) {
			return
		}
	}
}

// handle applies one action. It reports false when the connection must be
// closed.
func (c *client) handle(a live.Action) bool {
	if a.Action == live.ActionAuth {
		claims, err := c.hub.tokens.verify(a.Token, accessType)
		if err != nil {
			c.logger.Debug("auth rejected", slog.String("error", err.Error()))
			return false
		}
		c.userID.Store(int64(claims.UserID))
		c.emit(event{Type: live.EventAuthSuccess, Message: "Authentication successful"})
		return true
	}
	userID := int(c.userID.Load())
	if userID == 0 {
		return false
	}

	switch a.Action {
	case live.ActionSendMessage:
		m, err := c.hub.store.createMessage(userID, c.roomID, a.Body)
		if err != nil {
			c.emit(event{Type: live.EventError, Message: actionError(err, "Room not found")})
			return true
		}
		c.hub.broadcast(c.roomID, event{Type: live.EventChatMessage, Message: m})
	case live.ActionDeleteMessage:
		id := a.MessageID
		roomID, err := c.hub.store.deleteMessage(userID, id)
		if err != nil {
			c.emit(event{Type: live.EventError, Message: actionError(err, "Message not found")})
			return true
		}
		c.hub.broadcast(roomID, event{Type: live.EventChatMessageDelete, MessageID: &id})
	default:
		c.logger.Debug("unknown action", slog.String("action", a.Action))
	}
	return true
}

func actionError(err error, notFound string) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return notFound
	case errors.Is(err, core.ErrForbidden):
		return "Unauthorized to delete this message."
	case errors.Is(err, errEmptyBody):
		return "Message body is required"
	}
	return err.Error()
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error(fmt.Sprintf("write: %v", err))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.hub.ctx.Done():
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
