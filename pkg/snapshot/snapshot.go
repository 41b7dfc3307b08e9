// Package snapshot caches the initial state of chat rooms, keyed by room id.
//
// Readers always receive copies. The only writes besides fetches are
// AppendMessage and RemoveMessage, used by the live channel; both are no-ops
// for rooms that are not cached. Deltas applied while a fetch is in flight are
// replayed over the fetched result so a slow fetch cannot erase them.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/chatcampus/core"
	"github.com/putto11262002/chatcampus/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultStaleTime = 2 * time.Minute
	DefaultRetries   = 1

	retryDelay = 200 * time.Millisecond
)

var (
	// ErrClosed is returned by Load and Refetch after Close.
	ErrClosed = errors.New("snapshot cache closed")
	// ErrEvicted is returned by a fetch whose room was cleared or evicted
	// before it completed. The result is discarded.
	ErrEvicted = errors.New("snapshot: room evicted while fetching")
)

// Fetcher loads a room from the server.
type Fetcher interface {
	RoomByKey(ctx context.Context, roomID string) (core.RoomDetail, error)
}

type FetcherFunc func(ctx context.Context, roomID string) (core.RoomDetail, error)

func (f FetcherFunc) RoomByKey(ctx context.Context, roomID string) (core.RoomDetail, error) {
	return f(ctx, roomID)
}

// Snapshot is the cached state of a room.
type Snapshot struct {
	Room         core.Room
	Participants []core.Participant
	Messages     []core.Message
	FetchedAt    time.Time
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		Room:         s.Room,
		Participants: slices.Clone(s.Participants),
		Messages:     slices.Clone(s.Messages),
		FetchedAt:    s.FetchedAt,
	}
}

func (s *Snapshot) append(msg core.Message) bool {
	if slices.ContainsFunc(s.Messages, func(m core.Message) bool { return m.ID == msg.ID }) {
		return false
	}
	s.Messages = append(s.Messages, msg)
	return true
}

func (s *Snapshot) remove(id int) bool {
	n := len(s.Messages)
	s.Messages = slices.DeleteFunc(s.Messages, func(m core.Message) bool { return m.ID == id })
	return len(s.Messages) != n
}

// State is what a reader sees for a room. Snapshot is nil until the first
// successful fetch; Err holds the last fetch failure, if any, and does not
// clear the snapshot.
type State struct {
	Snapshot *Snapshot
	Loading  bool
	Err      error
}

type delta struct {
	msg    *core.Message
	remove int
}

type entry struct {
	snap    *Snapshot
	loading bool
	err     error
	stale   bool
	// pending holds deltas applied while a fetch is in flight.
	pending []delta
}

type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	watchers  map[string]map[chan struct{}]struct{}
	fetcher   Fetcher
	sf        singleflight.Group
	staleTime time.Duration
	retries   int
	now       func() time.Time
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Cache)

func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) {
		c.staleTime = d
	}
}

// WithRetries sets how many times a failed fetch is retried before the
// failure is recorded.
func WithRetries(n int) Option {
	return func(c *Cache) {
		c.retries = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func New(fetcher Fetcher, opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:   make(map[string]*entry),
		watchers:  make(map[string]map[chan struct{}]struct{}),
		fetcher:   fetcher,
		staleTime: DefaultStaleTime,
		retries:   DefaultRetries,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close cancels in-flight fetches.
func (c *Cache) Close() {
	c.cancel()
}

// Get returns the current state of a room without blocking. A fetch is
// started in the background when the room is not cached or is stale.
func (c *Cache) Get(roomID string) State {
	c.mu.Lock()
	e := c.entries[roomID]
	need := e == nil || (!e.loading && c.isStale(e))
	if e == nil {
		e = &entry{}
		c.entries[roomID] = e
	}
	if need {
		e.loading = true
	}
	st := e.state()
	c.mu.Unlock()

	if need {
		go func() {
			_, err := c.wait(c.ctx, roomID)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrEvicted) && !errors.Is(err, ErrClosed) {
				c.logger.Warn("background room fetch failed", slog.String("room", roomID), slog.String("error", err.Error()))
			}
		}()
	}
	return st
}

// Peek returns the current state without triggering a fetch.
func (c *Cache) Peek(roomID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[roomID]
	if e == nil {
		return State{}
	}
	return e.state()
}

// Load returns a fresh snapshot, fetching when the room is not cached or is
// stale.
func (c *Cache) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	c.mu.Lock()
	if e := c.entries[roomID]; e != nil && e.snap != nil && !c.isStale(e) {
		s := e.snap.clone()
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()
	return c.wait(ctx, roomID)
}

// Refetch fetches a room regardless of staleness.
func (c *Cache) Refetch(ctx context.Context, roomID string) (*Snapshot, error) {
	return c.wait(ctx, roomID)
}

func (c *Cache) wait(ctx context.Context, roomID string) (*Snapshot, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ch := c.sf.DoChan(roomID, func() (any, error) {
		return c.fetch(c.ctx, roomID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot).clone(), nil
	}
}

// Invalidate marks a room stale. The snapshot stays readable until the next
// fetch replaces it.
func (c *Cache) Invalidate(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[roomID]; e != nil {
		e.stale = true
	}
}

// Evict drops a room, for example after it was deleted. A fetch in flight is
// discarded and later loads start a new one.
func (c *Cache) Evict(roomID string) {
	c.mu.Lock()
	delete(c.entries, roomID)
	c.sf.Forget(roomID)
	c.mu.Unlock()
	c.notify(roomID)
}

// Clear drops every room. Fetches in flight are discarded when they land.
func (c *Cache) Clear() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
		c.sf.Forget(id)
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
	for _, id := range ids {
		c.notify(id)
	}
}

// Changes returns a channel signalled whenever the state of roomID changes.
// Signals are coalesced; read the state with Peek. Call the returned function
// to stop watching.
func (c *Cache) Changes(roomID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.watchers[roomID] == nil {
		c.watchers[roomID] = make(map[chan struct{}]struct{})
	}
	c.watchers[roomID][ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers[roomID], ch)
			if len(c.watchers[roomID]) == 0 {
				delete(c.watchers, roomID)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Cache) notify(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.watchers[roomID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AppendMessage adds msg to the end of a cached room. A message whose id is
// already present is ignored.
func (c *Cache) AppendMessage(roomID string, msg core.Message) {
	c.mutate(roomID, delta{msg: &msg})
}

// RemoveMessage removes a message from a cached room. Unknown ids are ignored.
func (c *Cache) RemoveMessage(roomID string, messageID int) {
	c.mutate(roomID, delta{remove: messageID})
}

func (c *Cache) mutate(roomID string, d delta) {
	c.mu.Lock()
	e := c.entries[roomID]
	if e == nil {
		c.mu.Unlock()
		return
	}
	if e.loading {
		e.pending = append(e.pending, d)
	}
	changed := e.snap != nil && d.apply(e.snap)
	c.mu.Unlock()

	if changed {
		c.notify(roomID)
	}
}

func (d delta) apply(s *Snapshot) bool {
	if d.msg != nil {
		return s.append(*d.msg)
	}
	return s.remove(d.remove)
}

func (c *Cache) isStale(e *entry) bool {
	if e.snap == nil || e.stale {
		return true
	}
	return c.now().Sub(e.snap.FetchedAt) >= c.staleTime
}

func (e *entry) state() State {
	return State{Snapshot: e.snap.clone(), Loading: e.loading, Err: e.err}
}

func (c *Cache) fetch(ctx context.Context, roomID string) (*Snapshot, error) {
	c.mu.Lock()
	e := c.entries[roomID]
	if e == nil {
		e = &entry{}
		c.entries[roomID] = e
	}
	e.loading = true
	e.pending = nil
	c.mu.Unlock()
	c.notify(roomID)

	start := c.now()
	detail, err := c.fetchWithRetry(ctx, roomID)
	metrics.SnapshotFetchLatency.Observe(c.now().Sub(start).Seconds())

	c.mu.Lock()
	if c.entries[roomID] != e {
		// cleared or evicted while fetching
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrEvicted
	}
	e.loading = false
	if err != nil {
		metrics.SnapshotFetches.WithLabelValues("failed").Inc()
		e.err = err
		e.pending = nil
		c.mu.Unlock()
		c.notify(roomID)
		return nil, err
	}
	metrics.SnapshotFetches.WithLabelValues("ok").Inc()

	snap := &Snapshot{
		Room:         detail.Room,
		Participants: slices.Clone(detail.Participants),
		Messages:     slices.Clone(detail.Messages),
		FetchedAt:    c.now(),
	}
	for _, d := range e.pending {
		d.apply(snap)
	}
	e.snap = snap
	e.err = nil
	e.stale = false
	e.pending = nil
	out := snap.clone()
	c.mu.Unlock()

	c.notify(roomID)
	c.logger.Debug("room fetched", slog.String("room", roomID), slog.Int("messages", len(out.Messages)))
	return out, nil
}

func (c *Cache) fetchWithRetry(ctx context.Context, roomID string) (core.RoomDetail, error) {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return core.RoomDetail{}, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}
		var detail core.RoomDetail
		detail, err = c.fetcher.RoomByKey(ctx, roomID)
		if err == nil {
			return detail, nil
		}
		if !retryable(err) {
			return core.RoomDetail{}, err
		}
	}
	return core.RoomDetail{}, err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrForbidden), errors.Is(err, core.ErrUnauthorized):
		return false
	}
	return true
}
