package data

import "time"

// Message types as sent by the server.
const (
	MessageTypeText   = "TEXT"
	MessageTypeImage  = "IMAGE"
	MessageTypeFile   = "FILE"
	MessageTypeSystem = "SYSTEM"
)

// RoomSummary is one row of the room list.
type RoomSummary struct {
	RoomID             int64      `json:"roomId"`
	Title              string     `json:"title"`
	LastMessageContent *string    `json:"lastMessageContent"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
	ParticipantCount   int        `json:"participantCount"`
	UnreadCount        int        `json:"unreadCount"`
}

// ChatMessage is one message of a room. MessageID is assigned by the
// server, increases within a room and is the only identity used for
// deduplication.
type ChatMessage struct {
	MessageID     int64      `json:"messageId"`
	RoomID        int64      `json:"roomId"`
	SenderID      int64      `json:"senderId"`
	SenderName    string     `json:"senderName,omitempty"`
	Type          string     `json:"type"`
	Content       *string    `json:"content"`
	AttachmentRef *string    `json:"attachmentRef"`
	CreatedAt     time.Time  `json:"createdAt"`
	EditedAt      *time.Time `json:"editedAt,omitempty"`
	IsDeleted     bool       `json:"isDeleted"`
}

// SoftDeleted returns a copy with the content cleared and IsDeleted set.
func (m ChatMessage) SoftDeleted() ChatMessage {
	m.Content = nil
	m.AttachmentRef = nil
	m.IsDeleted = true
	return m
}

// MessagePage is one cursor page of a room's history. Items are ascending
// by MessageID.
type MessagePage struct {
	Items      []ChatMessage `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasNext    bool          `json:"hasNext"`
}

// RoomListPage is one cursor page of the room list.
type RoomListPage struct {
	Items      []RoomSummary `json:"items"`
	NextCursor string        `json:"nextCursor,omitempty"`
	HasNext    bool          `json:"hasNext"`
}

// MessageList is the cached history of one room. Pages[0] is the newest
// slice; each later page is older than the one before it.
type MessageList struct {
	Pages []MessagePage `json:"pages"`
}

// RoomList is one cached room-list query.
type RoomList struct {
	Pages []RoomListPage `json:"pages"`
}

// RoomNotification is the compact event on a user's notification channel.
type RoomNotification struct {
	RoomID             int64      `json:"roomId"`
	LastMessageContent *string    `json:"lastMessageContent"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
}

// RoomMessageEvent targets the message cache of one (room, page size).
type RoomMessageEvent struct {
	RoomID   int64
	PageSize int
	Message  ChatMessage
}

// MessageKey identifies a cached message list.
type MessageKey struct {
	RoomID   int64
	PageSize int
}

// RoomListKey identifies one cached room-list query variant.
type RoomListKey struct {
	PageSize int
	Filter   string
}
