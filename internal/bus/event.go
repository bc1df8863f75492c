package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the coordinators. Subscribers filter by namespace
// prefix, e.g. "delivery." matches both delivered and queued.
const (
	KindSessionConnected    = "session.connected"
	KindSessionDisconnected = "session.disconnected"
	KindSessionDisplaced    = "session.displaced"
	KindPresenceChanged     = "presence.changed"
	KindDeliveryDelivered   = "delivery.delivered"
	KindDeliveryQueued      = "delivery.queued"
	KindDeliverySent        = "delivery.sent"
	KindReceiptRead         = "receipt.read"
	KindTypingStarted       = "typing.started"
	KindTypingStopped       = "typing.stopped"
	KindOfflineSwept        = "offline.swept"
	KindPushFailed          = "push.failed"
)

// PresenceChange is the payload for presence.changed events.
type PresenceChange struct {
	UserID string
	From   string
	To     string
}

// MessageEvent is the payload for delivery.* and receipt.* events.
type MessageEvent struct {
	MessageID      string
	ConversationID string
	UserID         string
}
