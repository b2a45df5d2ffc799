// Package chat wires the realtime channels, the caches and the read
// tracker together for the two screens of the client: the inbox (room
// list) and an open room.
package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/data"
)

// FilterUnread is the room-list variant holding only rooms with unread
// messages.
const FilterUnread = "unread"

// Loader fills the caches from the CRUD API.
type Loader struct {
	api    api.Client
	cache  *data.Cache
	logger *zap.Logger
}

func NewLoader(client api.Client, cache *data.Cache, logger *zap.Logger) *Loader {
	return &Loader{api: client, cache: cache, logger: logger}
}

// LoadRooms fetches the first page of a room-list variant and replaces
// the cached one.
func (l *Loader) LoadRooms(ctx context.Context, key data.RoomListKey) (data.RoomList, error) {
	page, err := l.api.ListRooms(ctx, "", key.PageSize)
	if err != nil {
		return data.RoomList{}, fmt.Errorf("loading rooms: %w", err)
	}
	list := data.RoomList{Pages: []data.RoomListPage{filterRooms(page, key.Filter)}}
	l.cache.PutRoomList(key, list)

	l.logger.Debug("room list loaded",
		zap.Int("page_size", key.PageSize),
		zap.String("filter", key.Filter),
		zap.Int("rooms", len(page.Items)),
	)
	return list, nil
}

// LoadMoreRooms appends the next page of a cached variant. It returns
// false when there is nothing more to load.
func (l *Loader) LoadMoreRooms(ctx context.Context, key data.RoomListKey) (bool, error) {
	list, ok := l.cache.RoomList(key)
	if !ok {
		_, err := l.LoadRooms(ctx, key)
		return err == nil, err
	}
	cursor, more := list.NextCursor()
	if !more {
		return false, nil
	}
	page, err := l.api.ListRooms(ctx, cursor, key.PageSize)
	if err != nil {
		return false, fmt.Errorf("loading more rooms: %w", err)
	}
	return l.cache.AppendRoomListPage(key, filterRooms(page, key.Filter)), nil
}

// RefreshRooms invalidates every room-list variant and reloads them.
func (l *Loader) RefreshRooms(ctx context.Context) error {
	keys := l.cache.RoomListKeys()
	l.cache.InvalidateRoomLists()

	result := refreshKeys(ctx, keys, refreshWorkers, func(ctx context.Context, key data.RoomListKey) error {
		_, err := l.LoadRooms(ctx, key)
		return err
	})
	l.logger.Debug("room lists refreshed",
		zap.Int("total", result.Total),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("failed", result.Failed),
	)
	return errors.Join(result.Errors...)
}

// LoadMessages fetches the newest page of a room and replaces the cached
// list.
func (l *Loader) LoadMessages(ctx context.Context, key data.MessageKey) (data.MessageList, error) {
	page, err := l.api.ListMessages(ctx, key.RoomID, "", key.PageSize)
	if err != nil {
		return data.MessageList{}, fmt.Errorf("loading messages of room %d: %w", key.RoomID, err)
	}
	list := data.MessageList{Pages: []data.MessagePage{page}}
	l.cache.PutMessages(key, list)

	l.logger.Debug("messages loaded",
		zap.Int64("room_id", key.RoomID),
		zap.Int("page_size", key.PageSize),
		zap.Int("messages", len(page.Items)),
	)
	return list, nil
}

// LoadOlderMessages appends the next older page. It returns false when
// the history is exhausted.
func (l *Loader) LoadOlderMessages(ctx context.Context, key data.MessageKey) (bool, error) {
	list, ok := l.cache.Messages(key)
	if !ok {
		_, err := l.LoadMessages(ctx, key)
		return err == nil, err
	}
	cursor, more := list.NextCursor()
	if !more {
		return false, nil
	}
	page, err := l.api.ListMessages(ctx, key.RoomID, cursor, key.PageSize)
	if err != nil {
		return false, fmt.Errorf("loading older messages of room %d: %w", key.RoomID, err)
	}
	return l.cache.AppendOlderMessages(key, page), nil
}

// RefreshMessages invalidates a room's message lists and reloads key.
func (l *Loader) RefreshMessages(ctx context.Context, key data.MessageKey) error {
	l.cache.InvalidateMessages(key.RoomID)
	_, err := l.LoadMessages(ctx, key)
	return err
}

func filterRooms(page data.RoomListPage, filter string) data.RoomListPage {
	if filter != FilterUnread {
		return page
	}
	items := make([]data.RoomSummary, 0, len(page.Items))
	for _, r := range page.Items {
		if r.UnreadCount > 0 {
			items = append(items, r)
		}
	}
	page.Items = items
	return page
}
