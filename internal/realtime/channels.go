package realtime

import (
	"fmt"
	"sync"
)

// PublishDestination receives composed chat messages.
const PublishDestination = "/app/chat/message"

// RoomTopic is the broadcast channel of one room.
func RoomTopic(roomID int64) string {
	return fmt.Sprintf("/topic/chatroom/%d", roomID)
}

// UserTopic carries room-list notifications for one user.
func UserTopic(userID int64) string {
	return fmt.Sprintf("/topic/user/%d/notifications", userID)
}

// Subscriber is the part of Manager RoomChannels needs.
type Subscriber interface {
	Subscribe(destination string, handler Handler) (unsubscribe func())
}

// ChannelState is the desired binding of one screen.
type ChannelState struct {
	Enabled bool
	RoomID  *int64
	UserID  *int64
}

type binding struct {
	id          int64
	unsubscribe func()
}

// RoomChannels keeps a screen's room channel and user channel bound to
// the Manager. Each binding follows its own identifier independently.
type RoomChannels struct {
	sub    Subscriber
	onRoom Handler
	onUser Handler

	mu   sync.Mutex
	room *binding
	user *binding
}

// NewRoomChannels creates an unbound RoomChannels. Either handler may be
// nil if the screen never enables that channel.
func NewRoomChannels(sub Subscriber, onRoom, onUser Handler) *RoomChannels {
	return &RoomChannels{sub: sub, onRoom: onRoom, onUser: onUser}
}

// Update binds the room channel iff Enabled and RoomID is set, and the
// user channel iff Enabled and UserID is set. A binding whose identifier
// changed is released before the new one is made.
func (c *RoomChannels) Update(s ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.room = c.rebind(c.room, s.Enabled, s.RoomID, RoomTopic, c.onRoom)
	c.user = c.rebind(c.user, s.Enabled, s.UserID, UserTopic, c.onUser)
}

// Close releases both bindings.
func (c *RoomChannels) Close() {
	c.Update(ChannelState{})
}

// Bound reports which channels are currently bound.
func (c *RoomChannels) Bound() (room, user bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room != nil, c.user != nil
}

func (c *RoomChannels) rebind(cur *binding, enabled bool, id *int64, topic func(int64) string, h Handler) *binding {
	want := enabled && id != nil && h != nil
	if want && cur != nil && cur.id == *id {
		return cur
	}
	if cur != nil {
		cur.unsubscribe()
	}
	if !want {
		return nil
	}
	return &binding{id: *id, unsubscribe: c.sub.Subscribe(topic(*id), h)}
}
