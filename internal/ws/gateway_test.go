package ws

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/delivery"
	"github.com/parley-im/parley/internal/offline"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/push"
	"github.com/parley-im/parley/internal/receipts"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/typing"
	"github.com/parley-im/parley/internal/viewers"
	"github.com/parley-im/parley/internal/wire"
)

// fakeSession stands in for a websocket session so dispatch can be exercised
// without a real connection.
type fakeSession struct {
	id       string
	userID   string
	username string

	mu     sync.Mutex
	events []wire.Event
	closed bool
}

func newFakeSession(userID string) *fakeSession {
	return &fakeSession{id: uuid.NewString(), userID: userID, username: userID + "-name"}
}

func (f *fakeSession) ID() string       { return f.id }
func (f *fakeSession) UserID() string   { return f.userID }
func (f *fakeSession) Username() string { return f.username }

func (f *fakeSession) Send(evt wire.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSession) ofType(eventType string) []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Event
	for _, evt := range f.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (f *fakeSession) lastError(t *testing.T) wire.ErrorPayload {
	t.Helper()
	errs := f.ofType(wire.TypeError)
	if len(errs) == 0 {
		t.Fatal("expected an error event, got none")
	}
	var payload wire.ErrorPayload
	if err := json.Unmarshal(errs[len(errs)-1].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	return payload
}

type fixture struct {
	gateway *Gateway
	db      *store.DB
	reg     *registry.Registry
	queue   *offline.Queue
	typing  *typing.Coordinator
	viewers *viewers.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	reg := registry.New()
	tracker := presence.New(reg, db, presence.NopStore{}, b, logger, time.Hour, time.Hour)
	t.Cleanup(tracker.Stop)
	viewerSet := viewers.New(reg, db, logger)
	typingCoord := typing.New(reg, db, b, logger, time.Hour)
	t.Cleanup(typingCoord.Shutdown)
	queue := offline.New(db, b, logger)
	deliveryCoord := delivery.New(db, queue, reg, push.NewLogNotifier(logger), b, logger)
	receiptCoord := receipts.New(db, reg, b, logger)

	g := NewGateway(auth.NewJWT("test-secret"), reg, tracker, viewerSet, typingCoord,
		deliveryCoord, receiptCoord, db, b, logger, config.LimitsConfig{EventsPerSecond: 100, Burst: 100})
	return &fixture{gateway: g, db: db, reg: reg, queue: queue, typing: typingCoord, viewers: viewerSet}
}

func (fx *fixture) connect(t *testing.T, userID string) *fakeSession {
	t.Helper()
	sess := newFakeSession(userID)
	fx.reg.Register(sess)
	return sess
}

func (fx *fixture) seedConversation(t *testing.T, convID string, users ...string) {
	t.Helper()
	if err := fx.db.CreateConversation(convID, "test"); err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if err := fx.db.AddParticipant(convID, u, u+"-name"); err != nil {
			t.Fatal(err)
		}
	}
}

func (fx *fixture) seedMessage(t *testing.T, convID, sender string) *store.Message {
	t.Helper()
	m := &store.Message{
		ID:              uuid.NewString(),
		ConversationID:  convID,
		SenderID:        sender,
		Content:         "hello",
		ReceiptsEnabled: true,
		Status:          store.StatusSent,
	}
	if err := fx.db.CreateMessage(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func event(t *testing.T, eventType string, payload any) wire.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return wire.Event{Type: eventType, Payload: data}
}

func TestDispatchUnknownType(t *testing.T) {
	fx := newFixture(t)
	sess := fx.connect(t, "alice")

	fx.gateway.dispatch(sess, wire.Event{Type: "bogus"})

	if got := sess.lastError(t); got.Code != wire.CodeInvalidPayload {
		t.Errorf("code = %q, want %q", got.Code, wire.CodeInvalidPayload)
	}
}

// Joining a conversation implies the joiner has caught up: the join must run
// the bulk read and notify the waiting sender.
func TestJoinConversationBulkReads(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	msg := fx.seedMessage(t, "c1", "bob")
	alice := fx.connect(t, "alice")
	bob := fx.connect(t, "bob")

	fx.gateway.dispatch(alice, event(t, wire.TypeJoinConversation, wire.ConversationRef{ConversationID: "c1"}))

	if !fx.viewers.IsViewing("c1", "alice") {
		t.Error("alice should be viewing c1 after join")
	}
	if got := alice.ofType(wire.TypeConversationPresence); len(got) != 1 {
		t.Errorf("alice got %d conversation_presence events, want 1 (join echo)", len(got))
	}
	if got := bob.ofType(wire.TypeMessageRead); len(got) != 1 {
		t.Fatalf("bob got %d message_read events, want 1", len(got))
	}
	stored, err := fx.db.MessageByID(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != store.StatusRead {
		t.Errorf("message status = %q, want %q", stored.Status, store.StatusRead)
	}
}

// Sending a message must clear the sender's typing flag first, so recipients
// never see "typing" outlive the message it announced.
func TestMessageClearsTyping(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	alice := fx.connect(t, "alice")
	bob := fx.connect(t, "bob")

	fx.gateway.dispatch(alice, event(t, wire.TypeTyping, wire.TypingChange{ConversationID: "c1"}))
	if len(bob.ofType(wire.TypeTyping)) != 1 {
		t.Fatal("bob never saw the typing start")
	}

	fx.gateway.dispatch(alice, event(t, wire.TypeMessage, wire.SubmitMessage{ConversationID: "c1", Content: "hi"}))

	if fx.typing.IsTyping("c1", "alice") {
		t.Error("alice still marked typing after sending")
	}
	if got := bob.ofType(wire.TypeTypingStopped); len(got) != 1 {
		t.Errorf("bob got %d typing_stopped events, want 1", len(got))
	}
	if got := bob.ofType(wire.TypeNewMessage); len(got) != 1 {
		t.Errorf("bob got %d new_message events, want 1", len(got))
	}
	if got := alice.ofType(wire.TypeMessageSent); len(got) != 1 {
		t.Errorf("alice got %d message_sent events, want 1", len(got))
	}
}

func TestDispatchErrorCodes(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	fx.seedConversation(t, "private", "bob", "carol")
	own := fx.seedMessage(t, "c1", "alice")
	alice := fx.connect(t, "alice")

	tests := []struct {
		name     string
		evt      wire.Event
		wantCode string
	}{
		{"invalid status", event(t, wire.TypeStatus, wire.SetStatus{Status: "sleeping"}), wire.CodeInvalidStatus},
		{"malformed payload", wire.Event{Type: wire.TypeMessage, Payload: json.RawMessage(`{`)}, wire.CodeInvalidPayload},
		{"empty message", event(t, wire.TypeMessage, wire.SubmitMessage{ConversationID: "c1"}), wire.CodeInvalidPayload},
		{"message to foreign conversation", event(t, wire.TypeMessage, wire.SubmitMessage{ConversationID: "private", Content: "hi"}), wire.CodeNotParticipant},
		{"typing in foreign conversation", event(t, wire.TypeTyping, wire.TypingChange{ConversationID: "private"}), wire.CodeNotParticipant},
		{"join foreign conversation", event(t, wire.TypeJoinConversation, wire.ConversationRef{ConversationID: "private"}), wire.CodeNotParticipant},
		{"receipt for unknown message", event(t, wire.TypeReadReceipt, wire.ReadReceipt{MessageID: "nope"}), wire.CodeNotFound},
		{"receipt for own message", event(t, wire.TypeReadReceipt, wire.ReadReceipt{MessageID: own.ID}), wire.CodeNotSender},
		{"bulk read unknown conversation", event(t, wire.TypeReadConversation, wire.ConversationRef{ConversationID: "nope"}), wire.CodeNotFound},
		{"reaction to unknown message", event(t, wire.TypeReaction, wire.Reaction{MessageID: "nope", Emoji: "x"}), wire.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx.gateway.dispatch(alice, tt.evt)
			if got := alice.lastError(t); got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestReactionBroadcast(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	msg := fx.seedMessage(t, "c1", "bob")
	alice := fx.connect(t, "alice")
	bob := fx.connect(t, "bob")

	fx.gateway.dispatch(alice, event(t, wire.TypeReaction, wire.Reaction{MessageID: msg.ID, Emoji: "thumbsup"}))

	got := bob.ofType(wire.TypeMessageReaction)
	if len(got) != 1 {
		t.Fatalf("bob got %d message_reaction events, want 1", len(got))
	}
	var payload wire.MessageReaction
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.UserID != "alice" || payload.Emoji != "thumbsup" {
		t.Errorf("payload = %+v, want alice/thumbsup", payload)
	}
	if len(alice.ofType(wire.TypeMessageReaction)) != 0 {
		t.Error("reactor should not receive their own reaction broadcast")
	}
	if emoji, err := fx.db.ReactionEmoji(msg.ID, "alice"); err != nil || emoji != "thumbsup" {
		t.Errorf("stored reaction = %q, %v, want thumbsup", emoji, err)
	}
}

func TestFetchOfflineAndAck(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	msg := fx.seedMessage(t, "c1", "bob")
	entry, err := fx.queue.Enqueue("alice", "c1", msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	alice := fx.connect(t, "alice")

	fx.gateway.dispatch(alice, wire.Event{Type: wire.TypeFetchOffline})

	got := alice.ofType(wire.TypeOfflineMessages)
	if len(got) != 1 {
		t.Fatalf("alice got %d offline_messages events, want 1", len(got))
	}
	var payload wire.OfflineMessages
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Entries) != 1 || payload.Entries[0].EntryID != entry.ID {
		t.Fatalf("entries = %+v, want one entry %s", payload.Entries, entry.ID)
	}

	fx.gateway.dispatch(alice, event(t, wire.TypeOfflineAck, wire.OfflineAck{EntryIDs: []string{entry.ID}}))

	pending, err := fx.queue.Pending("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d entries after ack, want 0", len(pending))
	}
}

// A disconnect must clean up viewer and typing state, but only for the
// session that actually lost the registry slot: a displaced session's late
// disconnect touches nothing.
func TestDisconnectCleanup(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	alice := fx.connect(t, "alice")
	bob := fx.connect(t, "bob")

	fx.gateway.dispatch(alice, event(t, wire.TypeJoinConversation, wire.ConversationRef{ConversationID: "c1"}))
	fx.gateway.dispatch(alice, event(t, wire.TypeTyping, wire.TypingChange{ConversationID: "c1"}))

	fx.gateway.handleDisconnect(alice)

	if fx.viewers.IsViewing("c1", "alice") {
		t.Error("alice still viewing after disconnect")
	}
	if fx.typing.IsTyping("c1", "alice") {
		t.Error("alice still typing after disconnect")
	}
	if got := bob.ofType(wire.TypeTypingStopped); len(got) != 1 {
		t.Errorf("bob got %d typing_stopped events, want 1", len(got))
	}

	// Reconnect, then replay the old session's disconnect: it must not tear
	// down the replacement's state.
	replacement := fx.connect(t, "alice")
	fx.gateway.dispatch(replacement, event(t, wire.TypeJoinConversation, wire.ConversationRef{ConversationID: "c1"}))

	fx.gateway.handleDisconnect(alice)

	if !fx.viewers.IsViewing("c1", "alice") {
		t.Error("stale disconnect removed the replacement session's viewer state")
	}
	if _, ok := fx.reg.Lookup("alice"); !ok {
		t.Error("stale disconnect unregistered the replacement session")
	}
}

func TestLeaveConversationStopsTyping(t *testing.T) {
	fx := newFixture(t)
	fx.seedConversation(t, "c1", "alice", "bob")
	alice := fx.connect(t, "alice")
	bob := fx.connect(t, "bob")

	fx.gateway.dispatch(alice, event(t, wire.TypeJoinConversation, wire.ConversationRef{ConversationID: "c1"}))
	fx.gateway.dispatch(alice, event(t, wire.TypeTyping, wire.TypingChange{ConversationID: "c1"}))
	fx.gateway.dispatch(alice, event(t, wire.TypeLeaveConversation, wire.ConversationRef{ConversationID: "c1"}))

	if fx.viewers.IsViewing("c1", "alice") {
		t.Error("alice still viewing after leave")
	}
	if fx.typing.IsTyping("c1", "alice") {
		t.Error("alice still typing after leave")
	}
	if got := bob.ofType(wire.TypeTypingStopped); len(got) != 1 {
		t.Errorf("bob got %d typing_stopped events, want 1", len(got))
	}
}
