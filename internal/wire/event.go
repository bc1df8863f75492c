// Package wire defines the JSON event envelope and payloads exchanged with
// clients over the websocket.
package wire

import "encoding/json"

// Event is the envelope for every message on the socket, in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server event types.
const (
	TypeStatus            = "status"
	TypeUserActivity      = "user_activity"
	TypeTyping            = "typing"
	TypeTypingStopped     = "typing_stopped"
	TypeMessage           = "message"
	TypeReadReceipt       = "read_receipt"
	TypeReadConversation  = "read_conversation"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeReaction          = "reaction"
	TypeFetchOffline      = "fetch_offline"
	TypeOfflineAck        = "offline_ack"
)

// Server -> client event types.
const (
	TypeUserStatus           = "user_status"
	TypeNewMessage           = "new_message"
	TypeMessageSent          = "message_sent"
	TypeMessageDelivered     = "message_delivered"
	TypeMessageRead          = "message_read"
	TypeConversationPresence = "conversation_presence"
	TypeMessageReaction      = "message_reaction"
	TypePresenceSnapshot     = "presence_snapshot"
	TypeOfflineMessages      = "offline_messages"
	TypeError                = "error"
)

// NewEvent marshals payload and wraps it in an envelope. Marshal errors are
// impossible for the payload structs in this package, so they are swallowed
// into an empty payload.
func NewEvent(eventType string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return Event{Type: eventType, Payload: data}
}
