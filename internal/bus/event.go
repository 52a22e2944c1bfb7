package bus

import "time"

// Event kinds published by the delivery core.
const (
	// MsgsChanged signals that the message list of a chat (or the chat list
	// itself, when ChatID is 0) changed.
	MsgsChanged = "msgs.changed"
	// ChatModified signals a chat-level change (name, image, membership).
	ChatModified = "chat.modified"
	// MsgDelivered signals that an outgoing message reached the outbound
	// transport.
	MsgDelivered = "msg.delivered"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	ChatID    int64
	MsgID     int64
	Timestamp time.Time
}
