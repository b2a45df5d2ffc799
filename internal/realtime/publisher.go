package realtime

// MessageTypeText is the only type the publisher composes.
const MessageTypeText = "TEXT"

// OutboundMessage is the payload published to PublishDestination. The
// server assigns messageId and createdAt.
type OutboundMessage struct {
	RoomID        int64   `json:"roomId"`
	Type          string  `json:"type"`
	Content       string  `json:"content"`
	AttachmentRef *string `json:"attachmentRef"`
}

// Publishing is the part of Manager the Publisher needs.
type Publishing interface {
	Publish(destination string, payload any) bool
}

// Publisher sends composed text messages. It never echoes locally: a sent
// message reaches the caches only through the room channel.
type Publisher struct {
	conn Publishing
}

// NewPublisher creates a Publisher.
func NewPublisher(conn Publishing) *Publisher {
	return &Publisher{conn: conn}
}

// Send publishes content to roomID. It returns false when not connected;
// the caller keeps the composed text so the user can retry.
func (p *Publisher) Send(roomID int64, content string) bool {
	return p.conn.Publish(PublishDestination, OutboundMessage{
		RoomID:  roomID,
		Type:    MessageTypeText,
		Content: content,
	})
}
