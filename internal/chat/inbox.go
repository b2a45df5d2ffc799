package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/data"
)

// Inbox is the room-list screen. Only the user channel is bound.
type Inbox struct {
	deps    Deps
	key     data.RoomListKey
	release func()

	closeOnce sync.Once
}

// OpenInbox loads the first page of the key variant, seeds the unread
// counts from it and binds the user channel of userID.
func OpenInbox(ctx context.Context, deps Deps, userID int64, key data.RoomListKey) (*Inbox, error) {
	if deps.Feeds == nil {
		return nil, errNoFeeds
	}
	list, err := deps.Loader.LoadRooms(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, page := range list.Pages {
		for _, r := range page.Items {
			deps.Unread.Seed(r.RoomID, r.UnreadCount)
		}
	}

	in := &Inbox{deps: deps, key: key, release: deps.Feeds.Acquire(userID)}

	deps.Logger.Info("inbox opened",
		zap.Int64("user_id", userID),
		zap.Int("page_size", key.PageSize),
		zap.String("filter", key.Filter),
	)
	return in, nil
}

// Rooms returns the rooms of the inbox variant, first page first.
func (in *Inbox) Rooms() []data.RoomSummary {
	list, _ := in.deps.Cache.RoomList(in.key)
	var rooms []data.RoomSummary
	for _, page := range list.Pages {
		rooms = append(rooms, page.Items...)
	}
	return rooms
}

// LoadMore appends the next page of the variant.
func (in *Inbox) LoadMore(ctx context.Context) (bool, error) {
	return in.deps.Loader.LoadMoreRooms(ctx, in.key)
}

// Close releases the user channel.
func (in *Inbox) Close() {
	in.closeOnce.Do(in.release)
}
