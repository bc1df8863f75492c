package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *DB, convID string, users ...string) {
	t.Helper()
	if err := db.CreateConversation(convID, "test"); err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if err := db.AddParticipant(convID, u, u+"-name"); err != nil {
			t.Fatal(err)
		}
	}
}

func seedMessage(t *testing.T, db *DB, convID, sender, content string) *Message {
	t.Helper()
	m := &Message{
		ID:              uuid.NewString(),
		ConversationID:  convID,
		SenderID:        sender,
		Content:         content,
		ReceiptsEnabled: true,
		Status:          StatusSent,
	}
	if err := db.CreateMessage(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestCreateMessageStampsTimestamp(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")

	before := time.Now().UnixMilli()
	m := seedMessage(t, db, "c1", "alice", "hi")
	if m.CreatedAt < before {
		t.Errorf("created_at = %d, want >= %d", m.CreatedAt, before)
	}

	got, err := db.MessageByID(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Content != "hi" || got.Status != StatusSent {
		t.Errorf("got %+v, want content=hi status=sent", got)
	}
}

func TestMessageByIDMissing(t *testing.T) {
	db := testDB(t)

	got, err := db.MessageByID("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")
	m := seedMessage(t, db, "c1", "alice", "hi")

	changed, err := db.MarkDelivered(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("sent -> delivered should transition")
	}

	changed, err = db.MarkMessageRead(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("delivered -> read should transition")
	}

	// read is terminal: neither delivered nor read may re-apply.
	changed, err = db.MarkDelivered(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("read -> delivered must not transition")
	}
	changed, err = db.MarkMessageRead(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("re-marking read must affect zero rows")
	}

	got, _ := db.MessageByID(m.ID)
	if got.Status != StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}
}

func TestMarkConversationReadSkipsOwnAndRead(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob", "carol")

	m1 := seedMessage(t, db, "c1", "bob", "one")
	seedMessage(t, db, "c1", "bob", "two")
	seedMessage(t, db, "c1", "carol", "three")
	mine := seedMessage(t, db, "c1", "alice", "mine")
	if _, err := db.MarkMessageRead(m1.ID); err != nil {
		t.Fatal(err)
	}

	transitions, err := db.MarkConversationRead("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	// m1 already read, mine is alice's own: two transitions remain.
	if len(transitions) != 2 {
		t.Fatalf("transitions = %d, want 2", len(transitions))
	}
	senders := map[string]bool{}
	for _, tr := range transitions {
		senders[tr.SenderID] = true
	}
	if !senders["bob"] || !senders["carol"] {
		t.Errorf("senders = %v, want bob and carol", senders)
	}

	got, _ := db.MessageByID(mine.ID)
	if got.Status != StatusSent {
		t.Errorf("own message status = %q, want sent (untouched)", got.Status)
	}

	// Second bulk read is a no-op.
	transitions, err = db.MarkConversationRead("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 0 {
		t.Errorf("second bulk read transitions = %d, want 0", len(transitions))
	}
}

func TestUnreadMessages(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")

	m1 := seedMessage(t, db, "c1", "bob", "one")
	seedMessage(t, db, "c1", "bob", "two")
	seedMessage(t, db, "c1", "alice", "mine")
	if _, err := db.MarkMessageRead(m1.ID); err != nil {
		t.Fatal(err)
	}

	unread, err := db.UnreadMessages("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 {
		t.Fatalf("unread = %d, want 1 (read and own messages excluded)", len(unread))
	}
	if unread[0].Content != "two" {
		t.Errorf("unread[0].Content = %q, want two", unread[0].Content)
	}
}

func TestParticipantsAndMembership(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")

	parts, err := db.Participants("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("participants = %d, want 2", len(parts))
	}

	ok, err := db.IsParticipant("c1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("alice should be a participant")
	}
	ok, err = db.IsParticipant("c1", "mallory")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("mallory should not be a participant")
	}
}

func TestContactIDs(t *testing.T) {
	db := testDB(t)
	if err := db.AddContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}
	if err := db.AddContact("alice", "carol"); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := db.AddContact("alice", "bob"); err != nil {
		t.Fatal(err)
	}

	ids, err := db.ContactIDs("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("contacts = %v, want 2 entries", ids)
	}
}

func TestOfflineQueueOrderAndAck(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")

	var ids []string
	for i, content := range []string{"one", "two", "three"} {
		m := seedMessage(t, db, "c1", "alice", content)
		e := &OfflineEntry{
			ID:             uuid.NewString(),
			UserID:         "bob",
			ConversationID: "c1",
			MessageID:      m.ID,
			EnqueuedAt:     int64(1000 + i),
		}
		if err := db.EnqueueOffline(e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	pending, err := db.PendingOffline("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].EnqueuedAt < pending[i-1].EnqueuedAt {
			t.Error("pending entries out of enqueue order")
		}
	}

	// Ack scoped to the owning user: alice cannot remove bob's entries.
	n, err := db.AckOffline("alice", ids[:1])
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("cross-user ack removed %d, want 0", n)
	}

	n, err = db.AckOffline("bob", ids[:2])
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("ack removed %d, want 2", n)
	}
	pending, _ = db.PendingOffline("bob")
	if len(pending) != 1 {
		t.Errorf("pending after ack = %d, want 1", len(pending))
	}
}

func TestSweepOffline(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")
	m := seedMessage(t, db, "c1", "alice", "old")

	for i, ts := range []int64{100, 200, 9000} {
		e := &OfflineEntry{
			ID:         uuid.NewString(),
			UserID:     "bob",
			MessageID:  m.ID,
			EnqueuedAt: ts,
		}
		e.ConversationID = "c1"
		if err := db.EnqueueOffline(e); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}

	n, err := db.SweepOffline(500)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("swept %d, want 2", n)
	}
}

func TestSetReactionUpsertAndRemove(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "alice", "bob")
	m := seedMessage(t, db, "c1", "alice", "hi")

	if err := db.SetReaction(m.ID, "bob", "👍"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetReaction(m.ID, "bob", "❤️"); err != nil {
		t.Fatal(err)
	}
	emoji, err := db.ReactionEmoji(m.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if emoji != "❤️" {
		t.Errorf("emoji = %q, want replacement to win", emoji)
	}

	if err := db.SetReaction(m.ID, "bob", ""); err != nil {
		t.Fatal(err)
	}
	emoji, err = db.ReactionEmoji(m.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if emoji != "" {
		t.Errorf("emoji = %q, want removed", emoji)
	}
}
