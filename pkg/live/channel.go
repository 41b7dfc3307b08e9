// Package live keeps a room view in sync with the server over a per-room
// websocket.
//
// A Channel is bound to one room view. Each Open for a new room id starts a
// fresh connection instance and tears the previous one down. An instance
// processes inbound frames on a single goroutine, so events are applied to
// the snapshot cache in arrival order, and it stops applying them the moment
// teardown is requested.
package live

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/internal/metrics"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
)

// ErrNotOpen is returned by Send when the channel is not in the open state.
var ErrNotOpen = errors.New("live channel not open")

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Mutator receives the deltas carried by live events.
type Mutator interface {
	AppendMessage(roomID string, msg core.Message)
	RemoveMessage(roomID string, messageID int)
}

type Channel struct {
	dialer  Dialer
	tokens  tokenstore.Reader
	mutator Mutator
	backoff Backoff
	logger  *slog.Logger

	onState     func(roomID string, s State)
	onReconnect func(ctx context.Context, roomID string)

	mu  sync.Mutex
	cur *instance
}

type Option func(*Channel)

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

func WithBackoff(b Backoff) Option {
	return func(c *Channel) {
		c.backoff = b
	}
}

// OnStateChange registers a function called on every state transition.
func OnStateChange(f func(roomID string, s State)) Option {
	return func(c *Channel) {
		c.onState = f
	}
}

// OnReconnect registers a function called after the channel is open again
// following a drop. Events sent while it was down are lost, so this is where
// the room snapshot is refetched.
func OnReconnect(f func(ctx context.Context, roomID string)) Option {
	return func(c *Channel) {
		c.onReconnect = f
	}
}

func New(dialer Dialer, tokens tokenstore.Reader, mutator Mutator, opts ...Option) *Channel {
	c := &Channel{
		dialer:      dialer,
		tokens:      tokens,
		mutator:     mutator,
		backoff:     DefaultBackoff,
		logger:      slog.New(slog.NewTextHandler(os.Stderr, nil)),
		onState:     func(string, State) {},
		onReconnect: func(context.Context, string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open connects to roomID. Opening the room that is already open (or being
// opened) does nothing; any other room is torn down first.
func (c *Channel) Open(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		if c.cur.roomID == roomID && !c.cur.finished() {
			return
		}
		c.cur.teardown()
	}
	c.cur = newInstance(c, roomID)
	go c.cur.run()
}

// Close tears down the current connection. It returns once no further event
// can be applied.
func (c *Channel) Close() {
	c.mu.Lock()
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()

	if cur != nil {
		cur.teardown()
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return StateClosed
	}
	return c.cur.getState()
}

// RoomID returns the room of the current instance, or "" when there is none.
func (c *Channel) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.roomID
}

// Send writes an action to the open connection. It never blocks on a closed
// channel; ErrNotOpen is returned instead.
func (c *Channel) Send(ctx context.Context, a Action) error {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil {
		return ErrNotOpen
	}
	return cur.send(ctx, a)
}

// instance is the connection to one room. It is never reused for another
// room id.
type instance struct {
	ch     *Channel
	roomID string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Int32

	// applyMu serializes event application against teardown.
	applyMu  sync.Mutex
	torndown atomic.Bool

	connMu sync.Mutex
	conn   Conn
}

func newInstance(c *Channel, roomID string) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &instance{
		ch:     c,
		roomID: roomID,
		logger: c.logger.With(slog.String("room", roomID), slog.String("instance", uuid.NewString())),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (i *instance) getState() State {
	return State(i.state.Load())
}

func (i *instance) setState(s State) {
	if State(i.state.Swap(int32(s))) == s {
		return
	}
	i.logger.Debug("state", slog.String("state", s.String()))
	i.ch.onState(i.roomID, s)
}

func (i *instance) finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return i.torndown.Load()
	}
}

func (i *instance) teardown() {
	i.torndown.Store(true)
	// wait out an event being applied right now
	i.applyMu.Lock()
	i.applyMu.Unlock()

	i.cancel()
	i.connMu.Lock()
	if i.conn != nil {
		i.conn.Close()
	}
	i.connMu.Unlock()
}

func (i *instance) run() {
	defer close(i.done)
	defer i.setState(StateClosed)

	attempt := 0
	dropped := false
	for {
		if i.torndown.Load() {
			return
		}

		opened, err := i.connect(dropped)
		if i.torndown.Load() {
			return
		}
		if err != nil && !isExpectedClose(err) {
			i.logger.Warn("transport error", slog.String("error", err.Error()))
		} else {
			i.logger.Info("connection closed")
		}
		i.setState(StateClosed)

		if opened {
			attempt = 0
		}
		attempt++
		if attempt > i.ch.backoff.MaxAttempts {
			if i.ch.backoff.MaxAttempts > 0 {
				i.logger.Error("giving up reconnecting", slog.Int("attempts", attempt-1))
			}
			return
		}
		dropped = true
		metrics.LiveReconnects.Inc()

		delay := i.ch.backoff.Delay(attempt)
		i.logger.Info("reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		select {
		case <-i.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect runs one connection until it ends. opened reports whether it
// reached the open state.
func (i *instance) connect(reconnect bool) (opened bool, err error) {
	i.setState(StateConnecting)
	conn, err := i.ch.dialer.Dial(i.ctx, i.roomID)
	if err != nil {
		return false, err
	}

	i.connMu.Lock()
	if i.torndown.Load() {
		i.connMu.Unlock()
		conn.Close()
		return false, nil
	}
	i.conn = conn
	i.connMu.Unlock()

	defer func() {
		i.connMu.Lock()
		i.conn = nil
		i.connMu.Unlock()
		conn.Close()
	}()

	i.setState(StateAuthenticating)
	pair, _ := i.ch.tokens.Get()
	if err := i.write(conn, authAction(pair.Access)); err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}

	i.setState(StateOpen)
	metrics.OpenChannels.Inc()
	defer metrics.OpenChannels.Dec()

	if reconnect {
		go i.ch.onReconnect(i.ctx, i.roomID)
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		i.handle(data)
	}
}

func (i *instance) write(conn Conn, a Action) error {
	var buf bytes.Buffer
	if err := EncodeAction(&buf, &a); err != nil {
		return err
	}
	return conn.WriteMessage(bytes.TrimRight(buf.Bytes(), "\n"))
}

func (i *instance) send(ctx context.Context, a Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if i.getState() != StateOpen {
		return ErrNotOpen
	}
	i.connMu.Lock()
	conn := i.conn
	i.connMu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	if err := i.write(conn, a); err != nil {
		return fmt.Errorf("send %s: %w", a.Action, err)
	}
	return nil
}

func (i *instance) handle(data []byte) {
	var e Event
	if err := DecodeEvent(bytes.NewReader(data), &e); err != nil {
		metrics.LiveEvents.WithLabelValues("invalid", "ignored").Inc()
		i.logger.Error(err.Error())
		return
	}

	i.applyMu.Lock()
	defer i.applyMu.Unlock()
	if i.torndown.Load() {
		metrics.LiveEvents.WithLabelValues(e.Type, "dropped").Inc()
		i.logger.Debug("event after teardown dropped", slog.String("type", e.Type))
		return
	}

	switch e.Type {
	case EventChatMessage:
		msg, err := e.ChatMessage()
		if err != nil {
			metrics.LiveEvents.WithLabelValues(e.Type, "ignored").Inc()
			i.logger.Error(err.Error())
			return
		}
		i.ch.mutator.AppendMessage(i.roomID, msg)
	case EventChatMessageDelete:
		i.ch.mutator.RemoveMessage(i.roomID, e.MessageID)
	case EventConnectionEstablished, EventAuthSuccess:
		metrics.LiveEvents.WithLabelValues(e.Type, "ignored").Inc()
		i.logger.Info(e.Text())
		return
	case EventError:
		metrics.LiveEvents.WithLabelValues(e.Type, "ignored").Inc()
		i.logger.Warn("server error", slog.String("message", e.Text()))
		return
	default:
		metrics.LiveEvents.WithLabelValues("unknown", "ignored").Inc()
		i.logger.Debug("unknown event ignored", slog.String("type", e.Type))
		return
	}
	metrics.LiveEvents.WithLabelValues(e.Type, "applied").Inc()
}
