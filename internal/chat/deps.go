package chat

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/data"
	"github.com/dgnsrekt/chatsync/internal/metrics"
	"github.com/dgnsrekt/chatsync/internal/readtrack"
	"github.com/dgnsrekt/chatsync/internal/realtime"
)

// Deps are the process-wide collaborators shared by every screen.
type Deps struct {
	Conn    realtime.Subscriber
	Loader  *Loader
	Cache   *data.Cache
	Unread  *readtrack.Unread
	Events  EventSink
	Metrics *metrics.Collector
	Logger  *zap.Logger

	// Feeds owns the user channels. Required by screens that follow a
	// user's room list.
	Feeds *Feeds
}

var errNoFeeds = errors.New("chat: Deps.Feeds is required to follow a user channel")

func (d Deps) events() EventSink {
	if d.Events == nil {
		return nopSink{}
	}
	return d.Events
}

// Feeds binds each user's notification channel once, however many
// screens show that user's room lists, so every notification is applied
// and counted exactly once.
type Feeds struct {
	deps Deps

	mu    sync.Mutex
	users map[int64]*feed
}

type feed struct {
	refs     int
	channels *realtime.RoomChannels
	work     *workers
}

// NewFeeds creates an empty registry over deps.
func NewFeeds(deps Deps) *Feeds {
	return &Feeds{deps: deps, users: make(map[int64]*feed)}
}

// Acquire binds userID's channel unless it is already bound. The returned
// func releases this hold; the channel is unbound with the last one.
func (f *Feeds) Acquire(userID int64) (release func()) {
	f.mu.Lock()
	fd := f.users[userID]
	if fd == nil {
		fd = &feed{work: newWorkers()}
		notes := &notifications{deps: f.deps, work: fd.work}
		fd.channels = realtime.NewRoomChannels(f.deps.Conn, nil, notes.handle)
		fd.channels.Update(realtime.ChannelState{Enabled: true, UserID: &userID})
		f.users[userID] = fd
		f.deps.Logger.Debug("user feed bound", zap.Int64("user_id", userID))
	}
	fd.refs++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.release(userID, fd) })
	}
}

func (f *Feeds) release(userID int64, fd *feed) {
	f.mu.Lock()
	fd.refs--
	last := fd.refs == 0
	if last {
		delete(f.users, userID)
		fd.channels.Close()
	}
	f.mu.Unlock()

	if last {
		fd.work.Close()
		f.deps.Logger.Debug("user feed released", zap.Int64("user_id", userID))
	}
}

// notifications applies user-channel events to the room lists. Rooms not
// represented locally trigger a background refetch. Rooms on screen are
// not counted unread; see readtrack.Unread.Opened.
type notifications struct {
	deps Deps
	work *workers
}

func (n *notifications) handle(msg realtime.Message) {
	var ev data.RoomNotification
	if err := msg.Decode(&ev); err != nil {
		n.deps.Logger.Warn("dropping room notification", zap.Error(err))
		return
	}

	applied := n.deps.Cache.ApplyRoomNotification(ev)
	n.deps.Metrics.Reconciled(EventRoomNotification, applied)
	n.deps.Unread.Increment(ev.RoomID)
	n.deps.events().Emit(EventRoomNotification, Event{Kind: EventRoomNotification, RoomID: ev.RoomID, Applied: applied})

	if !applied {
		n.refetchRooms(ev.RoomID)
	}
}

func (n *notifications) refetchRooms(roomID int64) {
	n.deps.Logger.Debug("room not cached, refetching room lists", zap.Int64("room_id", roomID))
	n.deps.events().Emit(EventRefetch, Event{Kind: EventRefetch, RoomID: roomID})

	n.work.Go(func(ctx context.Context) {
		if err := n.deps.Loader.RefreshRooms(ctx); err != nil {
			n.deps.Logger.Warn("room list refetch failed", zap.Error(err))
		}
	})
}

// workers runs background refetches for a screen and stops them when the
// screen closes.
type workers struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkers() *workers {
	ctx, cancel := context.WithCancel(context.Background())
	return &workers{ctx: ctx, cancel: cancel}
}

// Go runs fn unless the screen is closing.
func (w *workers) Go(fn func(ctx context.Context)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
	return true
}

// Close cancels running work and waits for it.
func (w *workers) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cancel()
	w.wg.Wait()
}
