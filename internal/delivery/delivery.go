// Package delivery routes submitted messages to their recipients: live
// sessions get the event directly, everyone else gets an offline-queue entry
// and a push notification.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/push"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/wire"
)

var (
	// ErrInvalid rejects a submission with no conversation or no content.
	ErrInvalid = errors.New("invalid message submission")
	// ErrNotParticipant rejects a submission to a conversation the sender
	// is not a member of.
	ErrNotParticipant = errors.New("not a conversation participant")
)

// MessageStore is the persistence surface the coordinator needs.
type MessageStore interface {
	CreateMessage(m *store.Message) error
	MessageByID(id string) (*store.Message, error)
	MarkDelivered(id string) (bool, error)
	Participants(conversationID string) ([]store.Participant, error)
	IsParticipant(conversationID, userID string) (bool, error)
}

// OfflineQueue is the fallback path for unreachable recipients.
type OfflineQueue interface {
	Enqueue(userID, conversationID, messageID string) (*store.OfflineEntry, error)
	Pending(userID string) ([]store.OfflineEntry, error)
	Ack(userID string, entryIDs []string) (int64, error)
}

// Coordinator fans submitted messages out to recipients and drains the
// offline queue on reconnect.
type Coordinator struct {
	store    MessageStore
	queue    OfflineQueue
	registry *registry.Registry
	notifier push.Notifier
	bus      *bus.Bus
	logger   *zap.Logger
}

// New creates a coordinator.
func New(st MessageStore, q OfflineQueue, reg *registry.Registry, n push.Notifier, b *bus.Bus, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: st, queue: q, registry: reg, notifier: n, bus: b, logger: logger}
}

// Submit persists the message and fans it out. Persistence failure aborts the
// whole operation; no recipient sees an unpersisted message. Per-recipient
// failures degrade that recipient to the offline path without touching the
// rest of the fan-out. The sender gets message_sent regardless of recipient
// reachability: submission success and delivery success are independent.
func (c *Coordinator) Submit(ctx context.Context, sender registry.Session, req wire.SubmitMessage) (*store.Message, error) {
	if req.ConversationID == "" {
		return nil, ErrInvalid
	}
	if req.Content == "" && req.MediaRef == "" && req.EncryptedContent == "" {
		return nil, ErrInvalid
	}
	isMember, err := c.store.IsParticipant(req.ConversationID, sender.UserID())
	if err != nil {
		return nil, fmt.Errorf("participant check: %w", err)
	}
	if !isMember {
		return nil, ErrNotParticipant
	}

	msg := &store.Message{
		ID:               uuid.NewString(),
		ConversationID:   req.ConversationID,
		SenderID:         sender.UserID(),
		SenderName:       sender.Username(),
		Content:          req.Content,
		MediaType:        req.MediaType,
		MediaRef:         req.MediaRef,
		ReplyToID:        req.ReplyToID,
		EncryptedContent: req.EncryptedContent,
		IV:               req.IV,
		RecipientKeys:    req.RecipientKeys,
		ReceiptsEnabled:  req.ReceiptsEnabled == nil || *req.ReceiptsEnabled,
		Status:           store.StatusSent,
	}
	if err := c.store.CreateMessage(msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	participants, err := c.store.Participants(req.ConversationID)
	if err != nil {
		// The message is persisted; recipients will pick it up from the
		// store. Report fan-out failure to the caller anyway.
		return msg, fmt.Errorf("resolve participants: %w", err)
	}

	evt := wire.NewEvent(wire.TypeNewMessage, messageOut(msg))
	for _, p := range participants {
		if p.UserID == sender.UserID() {
			continue
		}
		c.deliverOrQueue(ctx, sender, msg, p, evt)
	}

	c.ackSent(sender, msg)
	return msg, nil
}

// deliverOrQueue routes one recipient. A live session whose send fails
// degrades to the offline path, same as no session at all.
func (c *Coordinator) deliverOrQueue(ctx context.Context, sender registry.Session, msg *store.Message, p store.Participant, evt wire.Event) {
	if sess, ok := c.registry.Lookup(p.UserID); ok {
		err := sess.Send(evt)
		if err == nil {
			c.markDelivered(sender, msg, p.UserID)
			return
		}
		c.logger.Warn("live delivery failed, degrading to offline path",
			zap.String("message_id", msg.ID), zap.String("user_id", p.UserID), zap.Error(err))
	}

	if _, err := c.queue.Enqueue(p.UserID, msg.ConversationID, msg.ID); err != nil {
		c.logger.Error("offline enqueue failed",
			zap.String("message_id", msg.ID), zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	notif := push.Notification{
		Title: msg.SenderName,
		Body:  Preview(msg),
		Data: map[string]string{
			"conversationId": msg.ConversationID,
			"messageId":      msg.ID,
		},
	}
	if err := c.notifier.Notify(ctx, p.UserID, notif); err != nil {
		c.logger.Warn("push notification failed",
			zap.String("user_id", p.UserID), zap.Error(err))
		c.bus.Publish(bus.Event{Kind: bus.KindPushFailed, Timestamp: time.Now(),
			Payload: bus.MessageEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, UserID: p.UserID}})
	}
}

// DrainOffline replays the session user's queued messages in enqueue order.
// Each entry is acknowledged only after its socket write succeeded, keeping
// redelivery at-least-once: a crash mid-drain re-sends rather than loses.
func (c *Coordinator) DrainOffline(_ context.Context, sess registry.Session) {
	entries, err := c.queue.Pending(sess.UserID())
	if err != nil {
		c.logger.Error("offline drain read failed",
			zap.String("user_id", sess.UserID()), zap.Error(err))
		return
	}
	for _, entry := range entries {
		msg, err := c.store.MessageByID(entry.MessageID)
		if err != nil {
			c.logger.Error("offline drain lookup failed",
				zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		if msg == nil {
			// The message is gone (deleted externally). Drop the entry.
			if _, err := c.queue.Ack(sess.UserID(), []string{entry.ID}); err != nil {
				c.logger.Error("offline drain ack failed",
					zap.String("entry_id", entry.ID), zap.Error(err))
			}
			continue
		}
		if err := sess.Send(wire.NewEvent(wire.TypeNewMessage, messageOut(msg))); err != nil {
			// The session died mid-drain; remaining entries stay queued.
			c.logger.Warn("offline drain send failed",
				zap.String("user_id", sess.UserID()), zap.Error(err))
			return
		}
		if _, err := c.queue.Ack(sess.UserID(), []string{entry.ID}); err != nil {
			c.logger.Error("offline drain ack failed",
				zap.String("entry_id", entry.ID), zap.Error(err))
		}
		c.markDeliveredForSender(msg, sess.UserID())
	}
}

// FetchOffline returns the wire form of the user's pending entries.
func (c *Coordinator) FetchOffline(sess registry.Session) ([]wire.OfflineEntry, error) {
	entries, err := c.queue.Pending(sess.UserID())
	if err != nil {
		return nil, fmt.Errorf("fetch offline: %w", err)
	}
	out := make([]wire.OfflineEntry, 0, len(entries))
	for _, entry := range entries {
		msg, err := c.store.MessageByID(entry.MessageID)
		if err != nil || msg == nil {
			continue
		}
		out = append(out, wire.OfflineEntry{
			EntryID:        entry.ID,
			ConversationID: entry.ConversationID,
			Message:        messageOut(msg),
			EnqueuedAt:     entry.EnqueuedAt,
		})
	}
	return out, nil
}

// AckOffline removes client-acknowledged entries.
func (c *Coordinator) AckOffline(sess registry.Session, entryIDs []string) (int64, error) {
	return c.queue.Ack(sess.UserID(), entryIDs)
}

// markDelivered advances the status and notifies the live sender session.
func (c *Coordinator) markDelivered(sender registry.Session, msg *store.Message, recipientID string) {
	changed, err := c.store.MarkDelivered(msg.ID)
	if err != nil {
		c.logger.Warn("mark delivered failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	if changed {
		c.bus.Publish(bus.Event{Kind: bus.KindDeliveryDelivered, Timestamp: time.Now(),
			Payload: bus.MessageEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, UserID: recipientID}})
	}
	payload := wire.MessageDelivered{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         recipientID,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := sender.Send(wire.NewEvent(wire.TypeMessageDelivered, payload)); err != nil {
		c.logger.Warn("message_delivered send failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// markDeliveredForSender is the drain variant: the sender may or may not be
// connected when the recipient finally comes back.
func (c *Coordinator) markDeliveredForSender(msg *store.Message, recipientID string) {
	changed, err := c.store.MarkDelivered(msg.ID)
	if err != nil {
		c.logger.Warn("mark delivered failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	if changed {
		c.bus.Publish(bus.Event{Kind: bus.KindDeliveryDelivered, Timestamp: time.Now(),
			Payload: bus.MessageEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, UserID: recipientID}})
	}
	sess, ok := c.registry.Lookup(msg.SenderID)
	if !ok {
		return
	}
	payload := wire.MessageDelivered{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         recipientID,
		Timestamp:      time.Now().UnixMilli(),
	}
	if err := sess.Send(wire.NewEvent(wire.TypeMessageDelivered, payload)); err != nil {
		c.logger.Warn("message_delivered send failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (c *Coordinator) ackSent(sender registry.Session, msg *store.Message) {
	c.bus.Publish(bus.Event{Kind: bus.KindDeliverySent, Timestamp: time.Now(),
		Payload: bus.MessageEvent{MessageID: msg.ID, ConversationID: msg.ConversationID, UserID: msg.SenderID}})
	payload := wire.MessageSent{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Timestamp:      msg.CreatedAt,
	}
	if err := sender.Send(wire.NewEvent(wire.TypeMessageSent, payload)); err != nil {
		c.logger.Warn("message_sent send failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func messageOut(msg *store.Message) wire.MessageOut {
	return wire.MessageOut{
		ID:               msg.ID,
		ConversationID:   msg.ConversationID,
		SenderID:         msg.SenderID,
		SenderName:       msg.SenderName,
		Content:          msg.Content,
		MediaType:        msg.MediaType,
		MediaRef:         msg.MediaRef,
		ReplyToID:        msg.ReplyToID,
		EncryptedContent: msg.EncryptedContent,
		IV:               msg.IV,
		RecipientKeys:    msg.RecipientKeys,
		Timestamp:        msg.CreatedAt,
	}
}
