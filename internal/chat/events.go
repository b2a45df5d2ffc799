package chat

// Event kinds emitted to an EventSink.
const (
	EventRoomMessage      = "room_message"
	EventMessageUpdate    = "message_update"
	EventRoomNotification = "room_notification"
	EventRefetch          = "refetch"
	EventRead             = "read"
)

// Event describes one reconciled inbound event.
type Event struct {
	Kind      string `json:"kind"`
	RoomID    int64  `json:"roomId"`
	MessageID int64  `json:"messageId,omitempty"`
	Applied   bool   `json:"applied"`
}

// EventSink receives reconciled events, e.g. the debug SSE stream.
type EventSink interface {
	Emit(kind string, payload any)
}

type nopSink struct{}

func (nopSink) Emit(string, any) {}
