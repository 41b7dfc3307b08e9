package chatcampus

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/pkg/live"
	"github.com/putto11262002/chatcampus/pkg/snapshot"
)

// RoomView is an open room: its cached snapshot kept current by a live
// channel. Writes go over the channel while it is open and fall back to the
// HTTP endpoints otherwise.
type RoomView struct {
	app     *App
	id      int
	key     string
	channel *live.Channel
	logger  *slog.Logger
	once    sync.Once
}

func newRoomView(app *App, id int) *RoomView {
	v := &RoomView{
		app:    app,
		id:     id,
		key:    strconv.Itoa(id),
		logger: app.logger.With(slog.Int("room", id)),
	}
	cfg := app.config.Live.Reconnect
	v.channel = live.New(app.dialer, app.tokens, app.cache,
		live.WithLogger(v.logger),
		live.WithBackoff(live.Backoff{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		}),
		live.OnStateChange(func(roomID string, s live.State) {
			v.logger.Debug("live channel state", slog.String("state", s.String()))
		}),
		live.OnReconnect(v.resync),
	)
	return v
}

// open fetches the snapshot before connecting, so live deltas always land on
// a loaded room.
func (v *RoomView) open(ctx context.Context) error {
	v.app.addView(v)
	if _, err := v.app.cache.Load(ctx, v.key); err != nil {
		return err
	}
	v.channel.Open(v.key)
	return nil
}

// resync refetches the room after a reconnect. Events sent while the channel
// was down were never received.
func (v *RoomView) resync(ctx context.Context, roomID string) {
	v.app.cache.Invalidate(roomID)
	if _, err := v.app.cache.Refetch(ctx, roomID); err != nil {
		v.logger.Warn("refetch after reconnect", slog.String("error", err.Error()))
	}
}

func (v *RoomView) ID() int {
	return v.id
}

// Snapshot returns the room's current state. A stale room is refetched in the
// background.
func (v *RoomView) Snapshot() snapshot.State {
	return v.app.cache.Get(v.key)
}

// Changes notifies after every change to the room's snapshot.
func (v *RoomView) Changes() (<-chan struct{}, func()) {
	return v.app.cache.Changes(v.key)
}

func (v *RoomView) LiveState() live.State {
	return v.channel.State()
}

func (v *RoomView) Refresh(ctx context.Context) error {
	_, err := v.app.cache.Refetch(ctx, v.key)
	return err
}

func (v *RoomView) SendMessage(ctx context.Context, body string) error {
	if err := (core.MessageInput{Body: body}).Validate(); err != nil {
		return err
	}
	err := v.channel.Send(ctx, live.SendMessage(body))
	if !errors.Is(err, live.ErrNotOpen) {
		return err
	}

	msg, err := v.app.api.CreateMessage(ctx, v.id, core.MessageInput{Body: body})
	if err != nil {
		return err
	}
	v.app.cache.AppendMessage(v.key, msg)
	return v.Refresh(ctx)
}

func (v *RoomView) DeleteMessage(ctx context.Context, messageID int) error {
	err := v.channel.Send(ctx, live.DeleteMessage(messageID))
	if !errors.Is(err, live.ErrNotOpen) {
		return err
	}

	if err := v.app.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	v.app.cache.RemoveMessage(v.key, messageID)
	return v.Refresh(ctx)
}

// Close tears down the live channel. The snapshot stays cached.
func (v *RoomView) Close() {
	v.once.Do(func() {
		v.channel.Close()
		v.app.removeView(v)
	})
}
