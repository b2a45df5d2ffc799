package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/data"
	"github.com/dgnsrekt/chatsync/internal/readtrack"
	"github.com/dgnsrekt/chatsync/internal/realtime"
)

// RoomOptions configure one open room.
type RoomOptions struct {
	RoomID          int64
	UserID          int64 // 0 skips the user channel
	PageSize        int
	ScrollThreshold float64

	// Render is called for every message that became visible, in order.
	Render func(msg data.ChatMessage, updated bool)
}

// RoomView is an open room: it keeps the room's message list fresh from
// the room channel, the room lists fresh from the user channel, and
// acknowledges what was rendered.
type RoomView struct {
	deps     Deps
	opts     RoomOptions
	key      data.MessageKey
	tracker  *readtrack.Tracker
	channels *realtime.RoomChannels
	release  func()
	work     *workers
	logger   *zap.Logger

	closeOnce sync.Once
}

// OpenRoom loads the newest history page, acknowledges its newest message
// and binds the room's channels.
func OpenRoom(ctx context.Context, deps Deps, ack readtrack.AckFunc, opts RoomOptions) (*RoomView, error) {
	key := data.MessageKey{RoomID: opts.RoomID, PageSize: opts.PageSize}
	logger := deps.Logger.With(zap.Int64("room_id", opts.RoomID))
	if opts.UserID != 0 && deps.Feeds == nil {
		return nil, errNoFeeds
	}

	list, err := deps.Loader.LoadMessages(ctx, key)
	if err != nil {
		return nil, err
	}

	v := &RoomView{
		deps:    deps,
		opts:    opts,
		key:     key,
		work:    newWorkers(),
		release: func() {},
		logger:  logger,
	}

	threshold := opts.ScrollThreshold
	if threshold <= 0 {
		threshold = readtrack.DefaultScrollThreshold
	}
	v.tracker = readtrack.New(opts.RoomID, ack, logger,
		readtrack.WithThreshold(threshold),
		readtrack.WithMetrics(deps.Metrics),
		readtrack.WithOnAcked(func(roomID, messageID int64) {
			deps.Unread.Clear(roomID)
			deps.events().Emit(EventRead, Event{Kind: EventRead, RoomID: roomID, MessageID: messageID, Applied: true})
		}),
	)
	deps.Unread.Opened(opts.RoomID)

	for _, m := range data.DisplayOrder(list) {
		v.render(m, false)
	}
	if newest, ok := data.NewestMessageID(list); ok {
		v.tracker.OnHistoryLoaded(newest)
	}

	v.channels = realtime.NewRoomChannels(deps.Conn, v.handleRoomMessage, nil)
	v.channels.Update(realtime.ChannelState{Enabled: true, RoomID: &opts.RoomID})
	if opts.UserID != 0 {
		v.release = deps.Feeds.Acquire(opts.UserID)
	}

	logger.Info("room opened", zap.Int("messages", len(data.DisplayOrder(list))))
	return v, nil
}

// handleRoomMessage reconciles one room-channel event: a new message is
// inserted, an edited or soft-deleted one replaced in place.
func (v *RoomView) handleRoomMessage(msg realtime.Message) {
	var m data.ChatMessage
	if err := msg.Decode(&m); err != nil {
		v.logger.Warn("dropping room message", zap.Error(err))
		return
	}
	if m.RoomID == 0 {
		m.RoomID = v.opts.RoomID
	}

	if m.IsDeleted || m.EditedAt != nil {
		applied := v.deps.Cache.ApplyMessageUpdate(m)
		v.deps.Metrics.Reconciled(EventMessageUpdate, applied)
		v.deps.events().Emit(EventMessageUpdate, Event{Kind: EventMessageUpdate, RoomID: m.RoomID, MessageID: m.MessageID, Applied: applied})
		if applied {
			v.render(m, true)
		}
		return
	}

	inserted := v.deps.Cache.ApplyRoomMessage(data.RoomMessageEvent{
		RoomID:   m.RoomID,
		PageSize: v.key.PageSize,
		Message:  m,
	})
	v.deps.Metrics.Reconciled(EventRoomMessage, inserted)
	v.deps.events().Emit(EventRoomMessage, Event{Kind: EventRoomMessage, RoomID: m.RoomID, MessageID: m.MessageID, Applied: inserted})

	if inserted {
		v.render(m, false)
		return
	}
	if _, cached := v.deps.Cache.Messages(v.key); !cached {
		v.refetch()
	}
}

func (v *RoomView) render(m data.ChatMessage, updated bool) {
	if v.opts.Render != nil {
		v.opts.Render(m, updated)
	}
	v.tracker.OnMessageRendered(m.MessageID)
}

// refetch reloads the message list after a cache miss and renders what
// was missed.
func (v *RoomView) refetch() {
	v.logger.Debug("message list not cached, refetching")
	v.deps.events().Emit(EventRefetch, Event{Kind: EventRefetch, RoomID: v.opts.RoomID})

	v.work.Go(func(ctx context.Context) {
		if err := v.deps.Loader.RefreshMessages(ctx, v.key); err != nil {
			v.logger.Warn("message list refetch failed", zap.Error(err))
			return
		}
		list, _ := v.deps.Cache.Messages(v.key)
		last := v.tracker.LastRendered()
		for _, m := range data.DisplayOrder(list) {
			if m.MessageID > last {
				v.render(m, false)
			}
		}
	})
}

// OnScroll forwards the viewport's distance from the bottom.
func (v *RoomView) OnScroll(distanceFromBottom float64) bool {
	return v.tracker.OnScroll(distanceFromBottom)
}

// LoadOlder fetches the next older history page.
func (v *RoomView) LoadOlder(ctx context.Context) (bool, error) {
	return v.deps.Loader.LoadOlderMessages(ctx, v.key)
}

// Messages returns the room's messages oldest first.
func (v *RoomView) Messages() []data.ChatMessage {
	list, _ := v.deps.Cache.Messages(v.key)
	return data.DisplayOrder(list)
}

// Tracker exposes the room's read tracker.
func (v *RoomView) Tracker() *readtrack.Tracker {
	return v.tracker
}

// Close unbinds both channels and waits for pending work.
func (v *RoomView) Close() {
	v.closeOnce.Do(func() {
		v.channels.Close()
		v.release()
		v.work.Close()
		v.tracker.Close()
		v.deps.Unread.Closed(v.opts.RoomID)
		v.logger.Info("room closed")
	})
}
