package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/tokenstore"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn delivers frames pushed to in. Frames already buffered are still
// returned after Close, like frames in flight on a real socket.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Action
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	default:
	}
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, a)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Action{}, c.written...)
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	c.in <- b
}

type fakeDialer struct {
	mu    sync.Mutex
	rooms []string
	conns []*fakeConn
	// err, when set, fails every dial.
	err error
}

func (d *fakeDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms = append(d.rooms, roomID)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type op struct {
	room   string
	append int
	remove int
}

type fakeMutator struct {
	mu  sync.Mutex
	ops []op
}

func (m *fakeMutator) AppendMessage(roomID string, msg core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op{room: roomID, append: msg.ID})
}

func (m *fakeMutator) RemoveMessage(roomID string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op{room: roomID, remove: id})
}

func (m *fakeMutator) get() []op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]op{}, m.ops...)
}

// gatedMutator blocks the first append until gate is closed.
type gatedMutator struct {
	fakeMutator
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (m *gatedMutator) AppendMessage(roomID string, msg core.Message) {
	m.fakeMutator.AppendMessage(roomID, msg)
	m.once.Do(func() {
		m.entered <- struct{}{}
		<-m.gate
	})
}

func testTokens(t *testing.T) tokenstore.Store {
	t.Helper()
	s := tokenstore.NewMemoryStore()
	require.NoError(t, s.SetPair(tokenstore.Pair{Access: "A1", Refresh: "R1"}))
	return s
}

func newTestChannel(t *testing.T, d Dialer, m Mutator, opts ...Option) *Channel {
	t.Helper()
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackoff(NoReconnect),
	}, opts...)
	c := New(d, testTokens(t), m, opts...)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Channel, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == s }, time.Second, time.Millisecond,
		"state %s never reached", s)
}

func chatMessage(id int, body string) map[string]any {
	return map[string]any{
		"type":    EventChatMessage,
		"message": map[string]any{"id": id, "body": body},
	}
}

func chatDelete(id int) map[string]any {
	return map[string]any{"type": EventChatMessageDelete, "message_id": id}
}
