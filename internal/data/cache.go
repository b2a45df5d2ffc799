package data

import (
	"sort"
	"sync"
)

// Cache holds the paginated room-list and message-list snapshots shared by
// every screen. Readers get immutable snapshots; every write replaces whole
// pages, so a reader never observes a half-updated page.
type Cache struct {
	mu       sync.RWMutex
	rooms    map[RoomListKey]RoomList
	messages map[MessageKey]MessageList
}

func NewCache() *Cache {
	return &Cache{
		rooms:    make(map[RoomListKey]RoomList),
		messages: make(map[MessageKey]MessageList),
	}
}

// PutRoomList stores a freshly fetched room-list variant.
func (c *Cache) PutRoomList(key RoomListKey, list RoomList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[key] = list
}

// AppendRoomListPage adds the next page to a cached variant. It reports
// false when the variant is not cached.
func (c *Cache) AppendRoomListPage(key RoomListKey, page RoomListPage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	list, ok := c.rooms[key]
	if !ok {
		return false
	}
	pages := make([]RoomListPage, 0, len(list.Pages)+1)
	pages = append(pages, list.Pages...)
	pages = append(pages, page)
	c.rooms[key] = RoomList{Pages: pages}
	return true
}

// RoomList returns the snapshot of one variant.
func (c *Cache) RoomList(key RoomListKey) (RoomList, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.rooms[key]
	return list, ok
}

// RoomListKeys returns every cached variant.
func (c *Cache) RoomListKeys() []RoomListKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]RoomListKey, 0, len(c.rooms))
	for k := range c.rooms {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].PageSize != keys[j].PageSize {
			return keys[i].PageSize < keys[j].PageSize
		}
		return keys[i].Filter < keys[j].Filter
	})
	return keys
}

// InvalidateRoomLists drops every room-list variant so the next read
// refetches. It returns how many were dropped.
func (c *Cache) InvalidateRoomLists() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.rooms)
	c.rooms = make(map[RoomListKey]RoomList)
	return n
}

// PutMessages stores a freshly fetched message list.
func (c *Cache) PutMessages(key MessageKey, list MessageList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[key] = list
}

// AppendOlderMessages adds an older page to a cached message list. It
// reports false when the list is not cached.
func (c *Cache) AppendOlderMessages(key MessageKey, page MessagePage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	list, ok := c.messages[key]
	if !ok {
		return false
	}
	c.messages[key] = AppendOlderPage(list, page)
	return true
}

// Messages returns the snapshot of one message list.
func (c *Cache) Messages(key MessageKey) (MessageList, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.messages[key]
	return list, ok
}

// MessageKeys returns the cached message lists of roomID.
func (c *Cache) MessageKeys(roomID int64) []MessageKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var keys []MessageKey
	for k := range c.messages {
		if k.RoomID == roomID {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].PageSize < keys[j].PageSize })
	return keys
}

// InvalidateMessages drops every cached message list of roomID.
func (c *Cache) InvalidateMessages(roomID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.messages {
		if k.RoomID == roomID {
			delete(c.messages, k)
			n++
		}
	}
	return n
}

// HighestMessageID returns the newest loaded id of one message list.
func (c *Cache) HighestMessageID(key MessageKey) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list, ok := c.messages[key]
	if !ok {
		return 0, false
	}
	return NewestMessageID(list)
}

// ApplyRoomNotification patches the preview of n.RoomID in every cached
// room-list variant. False means no variant holds the room and the caller
// must invalidate and refetch.
func (c *Cache) ApplyRoomNotification(n RoomNotification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for key, list := range c.rooms {
		patched, ok := PatchRoomList(list, n)
		if !ok {
			continue
		}
		c.rooms[key] = patched
		found = true
	}
	return found
}

// ApplyRoomMessage inserts ev.Message into the (room, page size) message
// list. False means either the list is not cached (caller must refetch)
// or the message is already loaded.
func (c *Cache) ApplyRoomMessage(ev RoomMessageEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := MessageKey{RoomID: ev.RoomID, PageSize: ev.PageSize}
	list, ok := c.messages[key]
	if !ok {
		return false
	}
	updated, inserted := InsertMessage(list, ev.Message)
	if inserted {
		c.messages[key] = updated
	}
	return inserted
}

// ApplyMessageUpdate replaces an edited or soft-deleted message in every
// cached list of its room. It reports whether any list changed.
func (c *Cache) ApplyMessageUpdate(msg ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for key, list := range c.messages {
		if key.RoomID != msg.RoomID {
			continue
		}
		updated, ok := ReplaceMessage(list, msg)
		if !ok {
			continue
		}
		c.messages[key] = updated
		changed = true
	}
	return changed
}
