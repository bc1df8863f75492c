package wire

// SetStatus is the client request to change its own presence status.
type SetStatus struct {
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
	Emoji         string `json:"emoji,omitempty"`
}

// TypingChange carries typing start/stop in both directions.
type TypingChange struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
}

// SubmitMessage is the client message-submission payload. Encrypted fields
// are carried opaquely; the server never inspects them.
type SubmitMessage struct {
	ConversationID   string `json:"conversationId"`
	Content          string `json:"content,omitempty"`
	MediaType        string `json:"mediaType,omitempty"`
	MediaRef         string `json:"mediaRef,omitempty"`
	ReplyToID        string `json:"replyToId,omitempty"`
	ReceiptsEnabled  *bool  `json:"receiptsEnabled,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
	RecipientKeys    string `json:"recipientKeys,omitempty"`
}

// ReadReceipt marks a single message read.
type ReadReceipt struct {
	MessageID string `json:"messageId"`
}

// ConversationRef names a conversation for join/leave/bulk-read requests.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// Reaction sets or clears (empty emoji) the sender's reaction on a message.
type Reaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// OfflineAck removes acknowledged entries from the caller's offline queue.
type OfflineAck struct {
	EntryIDs []string `json:"entryIds"`
}

// UserStatus is the presence broadcast sent to a user's contacts.
type UserStatus struct {
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	StatusMessage string `json:"statusMessage,omitempty"`
	Emoji         string `json:"emoji,omitempty"`
	LastActiveAt  int64  `json:"lastActiveAt"`
}

// PresenceSnapshot is sent once after connect with the contacts' current state.
type PresenceSnapshot struct {
	Contacts []UserStatus `json:"contacts"`
}

// MessageOut is the new_message fan-out payload.
type MessageOut struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	SenderName       string `json:"senderName,omitempty"`
	Content          string `json:"content,omitempty"`
	MediaType        string `json:"mediaType,omitempty"`
	MediaRef         string `json:"mediaRef,omitempty"`
	ReplyToID        string `json:"replyToId,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
	IV               string `json:"iv,omitempty"`
	RecipientKeys    string `json:"recipientKeys,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// MessageSent acknowledges a submission to the sender.
type MessageSent struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Timestamp      int64  `json:"timestamp"`
}

// MessageDelivered tells the sender one recipient received the message live.
type MessageDelivered struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Timestamp      int64  `json:"timestamp"`
}

// MessageRead tells the sender a recipient read the message (or, for bulk
// reads, that the reader caught up in the conversation).
type MessageRead struct {
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Timestamp      int64  `json:"timestamp"`
}

// ConversationPresence is broadcast on viewer join/leave.
type ConversationPresence struct {
	ConversationID string   `json:"conversationId"`
	Action         string   `json:"action"` // join or leave
	UserID         string   `json:"userId"`
	ActiveUsers    []string `json:"activeUsers"`
}

// MessageReaction is the reaction fan-out payload. An empty emoji means the
// reaction was removed.
type MessageReaction struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
}

// OfflineEntry is one queued message returned by fetch_offline.
type OfflineEntry struct {
	EntryID        string     `json:"entryId"`
	ConversationID string     `json:"conversationId"`
	Message        MessageOut `json:"message"`
	EnqueuedAt     int64      `json:"enqueuedAt"`
}

// OfflineMessages is the fetch_offline response.
type OfflineMessages struct {
	Entries []OfflineEntry `json:"entries"`
}

// Error codes surfaced to the originating session.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeInvalidStatus  = "invalid_status"
	CodeNotParticipant = "not_participant"
	CodeNotSender      = "not_sender"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

// ErrorPayload is sent only to the session whose request failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error event for the originating session.
func NewError(code, message string) Event {
	return NewEvent(TypeError, ErrorPayload{Code: code, Message: message})
}
