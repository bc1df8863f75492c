package store

// Message statuses, monotonic per recipient-aggregate.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Message is a persisted message. The status field is the recipient-aggregate
// state machine mutated by the delivery and receipt coordinators. Encrypted
// fields are opaque passthrough.
type Message struct {
	ID               string
	ConversationID   string
	SenderID         string
	SenderName       string
	Content          string
	MediaType        string
	MediaRef         string
	ReplyToID        string
	EncryptedContent string
	IV               string
	RecipientKeys    string
	ReceiptsEnabled  bool
	Status           string
	CreatedAt        int64
}

// Encrypted reports whether the message carries an opaque encrypted payload.
func (m *Message) Encrypted() bool {
	return m.EncryptedContent != ""
}

// Participant is one member of a conversation.
type Participant struct {
	UserID   string
	Username string
}

// OfflineEntry is one message held for a recipient with no live session.
type OfflineEntry struct {
	ID             string
	UserID         string
	ConversationID string
	MessageID      string
	EnqueuedAt     int64
}

// ReadTransition records one message whose status actually advanced to read
// during a bulk conversation read.
type ReadTransition struct {
	MessageID       string
	SenderID        string
	ReceiptsEnabled bool
}
