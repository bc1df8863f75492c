// Package viewers tracks which users are currently inside each conversation
// view and broadcasts join/leave presence to the other participants.
package viewers

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/wire"
)

// ParticipantSource resolves conversation membership for broadcast scoping.
type ParticipantSource interface {
	ParticipantIDs(conversationID string) ([]string, error)
}

// Set is the per-conversation active-viewer map. Empty sets are removed, so
// the map only holds conversations someone is actually looking at.
type Set struct {
	mu      sync.Mutex
	viewers map[string]map[string]struct{} // conversationID -> userIDs
	joined  map[string]map[string]struct{} // userID -> conversationIDs, for disconnect cleanup

	registry     *registry.Registry
	participants ParticipantSource
	logger       *zap.Logger
}

// New creates an empty viewer set.
func New(reg *registry.Registry, participants ParticipantSource, logger *zap.Logger) *Set {
	return &Set{
		viewers:      make(map[string]map[string]struct{}),
		joined:       make(map[string]map[string]struct{}),
		registry:     reg,
		participants: participants,
		logger:       logger,
	}
}

// Join adds the user to the conversation's viewer set, broadcasts the join to
// the other participants, and sends the full active list to the joiner.
// Returns the active list after the join.
func (s *Set) Join(conversationID, userID string) []string {
	s.mu.Lock()
	set, ok := s.viewers[conversationID]
	if !ok {
		set = make(map[string]struct{})
		s.viewers[conversationID] = set
	}
	set[userID] = struct{}{}
	convs, ok := s.joined[userID]
	if !ok {
		convs = make(map[string]struct{})
		s.joined[userID] = convs
	}
	convs[conversationID] = struct{}{}
	active := activeLocked(set)
	s.mu.Unlock()

	s.broadcast(conversationID, userID, "join", active)

	if sess, ok := s.registry.Lookup(userID); ok {
		evt := wire.NewEvent(wire.TypeConversationPresence, wire.ConversationPresence{
			ConversationID: conversationID,
			Action:         "join",
			UserID:         userID,
			ActiveUsers:    active,
		})
		if err := sess.Send(evt); err != nil {
			s.logger.Warn("viewer list send failed",
				zap.String("conversation_id", conversationID), zap.String("user_id", userID), zap.Error(err))
		}
	}
	return active
}

// Leave removes the user from the conversation's viewer set and broadcasts
// the updated list. Leaving a conversation the user was not viewing is a
// no-op with no broadcast.
func (s *Set) Leave(conversationID, userID string) {
	s.mu.Lock()
	set, ok := s.viewers[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, viewing := set[userID]; !viewing {
		s.mu.Unlock()
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(s.viewers, conversationID)
	}
	if convs, ok := s.joined[userID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(s.joined, userID)
		}
	}
	active := activeLocked(set)
	s.mu.Unlock()

	s.broadcast(conversationID, userID, "leave", active)
}

// LeaveAll performs the implicit leave for every conversation the user was
// viewing, and returns those conversation ids so the caller can run the rest
// of the disconnect cleanup (typing state) per conversation.
func (s *Set) LeaveAll(userID string) []string {
	s.mu.Lock()
	convs := make([]string, 0, len(s.joined[userID]))
	for conversationID := range s.joined[userID] {
		convs = append(convs, conversationID)
	}
	s.mu.Unlock()
	sort.Strings(convs)

	for _, conversationID := range convs {
		s.Leave(conversationID, userID)
	}
	return convs
}

// ActiveUsers returns the conversation's current viewers.
func (s *Set) ActiveUsers(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return activeLocked(s.viewers[conversationID])
}

// IsViewing reports whether the user currently has the conversation open.
func (s *Set) IsViewing(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.viewers[conversationID]
	if !ok {
		return false
	}
	_, viewing := set[userID]
	return viewing
}

func (s *Set) broadcast(conversationID, actorID, action string, active []string) {
	ids, err := s.participants.ParticipantIDs(conversationID)
	if err != nil {
		s.logger.Warn("participant resolution failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	evt := wire.NewEvent(wire.TypeConversationPresence, wire.ConversationPresence{
		ConversationID: conversationID,
		Action:         action,
		UserID:         actorID,
		ActiveUsers:    active,
	})
	for _, id := range ids {
		if id == actorID {
			continue
		}
		sess, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := sess.Send(evt); err != nil {
			s.logger.Warn("presence broadcast send failed",
				zap.String("conversation_id", conversationID), zap.String("user_id", id), zap.Error(err))
		}
	}
}

func activeLocked(set map[string]struct{}) []string {
	active := make([]string, 0, len(set))
	for id := range set {
		active = append(active, id)
	}
	sort.Strings(active)
	return active
}
