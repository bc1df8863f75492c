// Package offline is the durable per-user queue of messages submitted while
// the recipient had no active session.
package offline

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/store"
)

// Store is the persistence surface behind the queue.
type Store interface {
	EnqueueOffline(e *store.OfflineEntry) error
	PendingOffline(userID string) ([]store.OfflineEntry, error)
	AckOffline(userID string, entryIDs []string) (int64, error)
	SweepOffline(cutoff int64) (int64, error)
}

// Queue provides enqueue, ordered read, and acknowledged removal. Entries
// survive restarts; redelivery is at-least-once because an entry is only
// removed after the client (or the drain path) acknowledges it.
type Queue struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a queue over the given store.
func New(st Store, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{store: st, bus: b, logger: logger}
}

// Enqueue stores one message for an unreachable recipient.
func (q *Queue) Enqueue(userID, conversationID, messageID string) (*store.OfflineEntry, error) {
	entry := &store.OfflineEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		EnqueuedAt:     time.Now().UnixMilli(),
	}
	if err := q.store.EnqueueOffline(entry); err != nil {
		return nil, err
	}
	q.bus.Publish(bus.Event{Kind: bus.KindDeliveryQueued, Timestamp: time.Now(),
		Payload: bus.MessageEvent{MessageID: messageID, ConversationID: conversationID, UserID: userID}})
	return entry, nil
}

// Pending returns the user's entries in enqueue order.
func (q *Queue) Pending(userID string) ([]store.OfflineEntry, error) {
	return q.store.PendingOffline(userID)
}

// Ack removes acknowledged entries, scoped to the owning user.
func (q *Queue) Ack(userID string, entryIDs []string) (int64, error) {
	return q.store.AckOffline(userID, entryIDs)
}
