// Package receipts applies read-state transitions idempotently and fans out
// message_read notifications to senders.
package receipts

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/wire"
)

// Sentinel errors keep the not-found vs permission distinction testable and
// let the gateway map each to its wire error code.
var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a conversation participant")
	ErrOwnMessage     = errors.New("sender cannot read-receipt own message")
)

// MessageStore is the persistence surface the coordinator needs.
type MessageStore interface {
	MessageByID(id string) (*store.Message, error)
	MarkMessageRead(id string) (bool, error)
	MarkConversationRead(conversationID, readerID string) ([]store.ReadTransition, error)
	IsParticipant(conversationID, userID string) (bool, error)
	ConversationExists(id string) (bool, error)
}

// Coordinator applies read transitions and notifies senders.
type Coordinator struct {
	store    MessageStore
	registry *registry.Registry
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates a coordinator.
func New(st MessageStore, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: st, registry: reg, bus: b, logger: logger}
}

// MarkRead marks a single message read. Idempotent: re-marking an already
// read message succeeds without a second notification. The sender is notified
// only when the status actually advanced and the message has receipts
// enabled; with receipts disabled the status still advances silently.
func (c *Coordinator) MarkRead(messageID, readerID string) error {
	msg, err := c.store.MessageByID(messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if msg == nil {
		return ErrNotFound
	}
	ok, err := c.store.IsParticipant(msg.ConversationID, readerID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	if msg.SenderID == readerID {
		return ErrOwnMessage
	}

	changed, err := c.store.MarkMessageRead(messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !changed {
		return nil
	}

	c.bus.Publish(bus.Event{Kind: bus.KindReceiptRead, Timestamp: time.Now(),
		Payload: bus.MessageEvent{MessageID: messageID, ConversationID: msg.ConversationID, UserID: readerID}})

	if msg.ReceiptsEnabled {
		c.notifySender(msg.SenderID, wire.MessageRead{
			MessageID:      messageID,
			ConversationID: msg.ConversationID,
			UserID:         readerID,
			Timestamp:      time.Now().UnixMilli(),
		})
	}
	return nil
}

// MarkConversationRead bulk-marks every unread message in the conversation
// not sent by the reader, then notifies each distinct sender exactly once per
// invocation rather than once per message. Messages with receipts disabled
// advance silently and do not add their sender to the notification set.
func (c *Coordinator) MarkConversationRead(conversationID, readerID string) error {
	exists, err := c.store.ConversationExists(conversationID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	ok, err := c.store.IsParticipant(conversationID, readerID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}

	transitions, err := c.store.MarkConversationRead(conversationID, readerID)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if len(transitions) == 0 {
		return nil
	}

	c.bus.Publish(bus.Event{Kind: bus.KindReceiptRead, Timestamp: time.Now(),
		Payload: bus.MessageEvent{ConversationID: conversationID, UserID: readerID}})

	notified := make(map[string]struct{})
	for _, tr := range transitions {
		if !tr.ReceiptsEnabled || tr.SenderID == readerID {
			continue
		}
		if _, done := notified[tr.SenderID]; done {
			continue
		}
		notified[tr.SenderID] = struct{}{}
		c.notifySender(tr.SenderID, wire.MessageRead{
			ConversationID: conversationID,
			UserID:         readerID,
			Timestamp:      time.Now().UnixMilli(),
		})
	}
	return nil
}

// notifySender sends message_read to the sender's live session, if any. An
// offline sender simply misses the notification; read state is persisted and
// their client catches up from the store on next sync.
func (c *Coordinator) notifySender(senderID string, payload wire.MessageRead) {
	sess, ok := c.registry.Lookup(senderID)
	if !ok {
		return
	}
	if err := sess.Send(wire.NewEvent(wire.TypeMessageRead, payload)); err != nil {
		c.logger.Warn("message_read send failed",
			zap.String("sender_id", senderID), zap.Error(err))
	}
}
