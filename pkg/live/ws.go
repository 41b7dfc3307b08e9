package live

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
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
)

// Conn is one transport connection to a room.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}

// WSDialer dials {URL}/ws/chat/{roomID}/ over websocket.
type WSDialer struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

func (d *WSDialer) endpoint(roomID string) (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat/" + url.PathEscape(roomID) + "/"
	return u.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	endpoint, err := d.endpoint(roomID)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c, res, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, res.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newWSConn(c, logger), nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

func newWSConn(c *websocket.Conn, logger *slog.Logger) *wsConn {
	w := &wsConn{
		conn:   c,
		done:   make(chan struct{}),
		logger: logger,
	}
	c.SetReadLimit(maxMessageSize)
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go w.pingLoop()
	return w
}

func (w *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				w.logger.Error(fmt.Sprintf("writing ping: %v", err))
				w.conn.Close()
				return
			}
		}
	}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		format, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if format != websocket.TextMessage {
			w.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

// isExpectedClose reports whether err is a normal end of the connection.
func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
