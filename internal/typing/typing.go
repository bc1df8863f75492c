// Package typing tracks ephemeral per-(user, conversation) typing indicators.
// State lives only in memory: a process restart dropping it is correct, since
// typing indicators have no historical value.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/wire"
)

// ParticipantSource resolves conversation membership for broadcast scoping.
type ParticipantSource interface {
	ParticipantIDs(conversationID string) ([]string, error)
}

type pair struct {
	userID         string
	conversationID string
}

type state struct {
	username  string
	startedAt time.Time
	expiry    *time.Timer
}

// Coordinator owns the typing map. Each active pair carries a TTL timer as a
// safety net against clients that vanish without a stop or disconnect event.
type Coordinator struct {
	mu     sync.Mutex
	typing map[pair]*state

	registry     *registry.Registry
	participants ParticipantSource
	bus          *bus.Bus
	logger       *zap.Logger
	ttl          time.Duration
}

// New creates a coordinator. A non-positive ttl disables the safety net.
func New(reg *registry.Registry, participants ParticipantSource, b *bus.Bus, logger *zap.Logger, ttl time.Duration) *Coordinator {
	return &Coordinator{
		typing:       make(map[pair]*state),
		registry:     reg,
		participants: participants,
		bus:          b,
		logger:       logger,
		ttl:          ttl,
	}
}

// Start records or refreshes the typing flag and broadcasts typing to the
// other participants. Refreshing replaces the TTL timer.
func (c *Coordinator) Start(conversationID, userID, username string) {
	key := pair{userID: userID, conversationID: conversationID}

	c.mu.Lock()
	st, exists := c.typing[key]
	if exists {
		if st.expiry != nil {
			st.expiry.Stop()
		}
	} else {
		st = &state{username: username, startedAt: time.Now()}
		c.typing[key] = st
	}
	if c.ttl > 0 {
		st.expiry = time.AfterFunc(c.ttl, func() {
			c.expire(key)
		})
	}
	c.mu.Unlock()

	if !exists {
		c.bus.Publish(bus.Event{Kind: bus.KindTypingStarted, Timestamp: time.Now(),
			Payload: bus.MessageEvent{ConversationID: conversationID, UserID: userID}})
		c.broadcast(wire.TypeTyping, conversationID, userID, username)
	}
}

// Stop clears the typing flag and broadcasts typing_stopped. Stopping a pair
// that was not typing is a silent no-op, which is what makes the implicit
// stops (message send, conversation leave, disconnect) safe to call
// unconditionally.
func (c *Coordinator) Stop(conversationID, userID string) {
	key := pair{userID: userID, conversationID: conversationID}

	c.mu.Lock()
	st, exists := c.typing[key]
	if exists {
		if st.expiry != nil {
			st.expiry.Stop()
		}
		delete(c.typing, key)
	}
	c.mu.Unlock()

	if exists {
		c.bus.Publish(bus.Event{Kind: bus.KindTypingStopped, Timestamp: time.Now(),
			Payload: bus.MessageEvent{ConversationID: conversationID, UserID: userID}})
		c.broadcast(wire.TypeTypingStopped, conversationID, userID, st.username)
	}
}

// StopAll clears every typing flag the user holds. Disconnect cleanup.
func (c *Coordinator) StopAll(userID string) {
	c.mu.Lock()
	var keys []pair
	for key := range c.typing {
		if key.userID == userID {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.Stop(key.conversationID, key.userID)
	}
}

// IsTyping reports whether the pair has an active flag.
func (c *Coordinator) IsTyping(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[pair{userID: userID, conversationID: conversationID}]
	return ok
}

// Shutdown cancels every pending TTL timer.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, st := range c.typing {
		if st.expiry != nil {
			st.expiry.Stop()
		}
		delete(c.typing, key)
	}
}

func (c *Coordinator) expire(key pair) {
	c.mu.Lock()
	st, exists := c.typing[key]
	if exists {
		delete(c.typing, key)
	}
	c.mu.Unlock()

	if exists {
		c.logger.Debug("typing flag expired",
			zap.String("conversation_id", key.conversationID), zap.String("user_id", key.userID))
		c.bus.Publish(bus.Event{Kind: bus.KindTypingStopped, Timestamp: time.Now(),
			Payload: bus.MessageEvent{ConversationID: key.conversationID, UserID: key.userID}})
		c.broadcast(wire.TypeTypingStopped, key.conversationID, key.userID, st.username)
	}
}

func (c *Coordinator) broadcast(eventType, conversationID, userID, username string) {
	ids, err := c.participants.ParticipantIDs(conversationID)
	if err != nil {
		c.logger.Warn("participant resolution failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	evt := wire.NewEvent(eventType, wire.TypingChange{
		ConversationID: conversationID,
		UserID:         userID,
		Username:       username,
	})
	for _, id := range ids {
		if id == userID {
			continue
		}
		sess, ok := c.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := sess.Send(evt); err != nil {
			c.logger.Warn("typing broadcast send failed",
				zap.String("conversation_id", conversationID), zap.String("user_id", id), zap.Error(err))
		}
	}
}
