// Package presence tracks per-user online/away/busy/offline status, driven by
// activity signals, explicit status requests, and two timers: the inactivity
// timeout and the disconnect grace period.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/wire"
)

// Status is a user's presence state.
type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Busy    Status = "busy"
	Offline Status = "offline"
)

// Valid reports whether s is one of the allowed statuses.
func (s Status) Valid() bool {
	switch s {
	case Online, Away, Busy, Offline:
		return true
	}
	return false
}

// Record is one user's presence state.
type Record struct {
	UserID        string
	Status        Status
	StatusMessage string
	Emoji         string
	LastActiveAt  time.Time
}

// ContactSource resolves the audience for a user's presence broadcasts.
type ContactSource interface {
	ContactIDs(userID string) ([]string, error)
}

// Store persists presence records. Persistence is best-effort: the in-memory
// state is authoritative for real-time correctness, so Save failures are
// logged and never rolled back.
type Store interface {
	Save(ctx context.Context, rec Record) error
}

// Tracker is the per-user presence state machine. All map mutation happens
// under mu; broadcasts and persistence run after the mutation, outside it.
type Tracker struct {
	mu         sync.Mutex
	records    map[string]*Record
	inactivity map[string]*time.Timer
	grace      map[string]*time.Timer

	registry *registry.Registry
	contacts ContactSource
	store    Store
	bus      *bus.Bus
	logger   *zap.Logger

	inactivityTimeout time.Duration
	offlineGrace      time.Duration
}

// New creates a tracker.
func New(reg *registry.Registry, contacts ContactSource, store Store, b *bus.Bus, logger *zap.Logger, inactivityTimeout, offlineGrace time.Duration) *Tracker {
	return &Tracker{
		records:           make(map[string]*Record),
		inactivity:        make(map[string]*time.Timer),
		grace:             make(map[string]*time.Timer),
		registry:          reg,
		contacts:          contacts,
		store:             store,
		bus:               b,
		logger:            logger,
		inactivityTimeout: inactivityTimeout,
		offlineGrace:      offlineGrace,
	}
}

// HandleConnect forces the user online. A pending grace timer from a recent
// disconnect is cancelled, which is what absorbs page-refresh reconnects
// without an offline/online flap: if the status never left online, nothing
// is broadcast.
func (t *Tracker) HandleConnect(ctx context.Context, userID string) {
	t.mu.Lock()
	t.cancelGraceLocked(userID)
	rec := t.recordLocked(userID)
	from := rec.Status
	rec.Status = Online
	rec.LastActiveAt = time.Now()
	t.resetInactivityLocked(userID)
	snapshot := *rec
	t.mu.Unlock()

	if from != Online {
		t.announce(ctx, snapshot, from)
	}
}

// HandleActivity refreshes the user's activity clock. Away transitions back
// to online with a broadcast; busy is explicit and is never overridden.
func (t *Tracker) HandleActivity(ctx context.Context, userID string) {
	t.mu.Lock()
	rec := t.recordLocked(userID)
	rec.LastActiveAt = time.Now()
	from := rec.Status
	changed := false
	if rec.Status == Away {
		rec.Status = Online
		changed = true
	}
	if rec.Status == Online {
		t.resetInactivityLocked(userID)
	}
	snapshot := *rec
	t.mu.Unlock()

	if changed {
		t.announce(ctx, snapshot, from)
	}
}

// SetStatus applies an explicit status request. Invalid statuses are rejected
// without mutating anything. A successful set persists, broadcasts, and
// bypasses the inactivity logic: the timer is rescheduled for online and away
// and cancelled for busy and offline.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status Status, statusMessage, emoji string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	t.mu.Lock()
	rec := t.recordLocked(userID)
	from := rec.Status
	rec.Status = status
	rec.StatusMessage = statusMessage
	rec.Emoji = emoji
	rec.LastActiveAt = time.Now()
	switch status {
	case Online, Away:
		t.resetInactivityLocked(userID)
	default:
		t.cancelInactivityLocked(userID)
	}
	snapshot := *rec
	t.mu.Unlock()

	t.announce(ctx, snapshot, from)
	return nil
}

// HandleDisconnect starts the offline grace timer. The caller must only
// invoke this after a compare-and-clear Unregister succeeded, so a displaced
// session's disconnect never schedules a timer against its replacement.
func (t *Tracker) HandleDisconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelInactivityLocked(userID)
	t.cancelGraceLocked(userID)
	t.grace[userID] = time.AfterFunc(t.offlineGrace, func() {
		t.graceExpired(userID)
	})
}

// Snapshot returns the current records for the given users. Users the
// tracker has never seen are reported offline.
func (t *Tracker) Snapshot(userIDs []string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := t.records[id]; ok {
			out = append(out, *rec)
		} else {
			out = append(out, Record{UserID: id, Status: Offline})
		}
	}
	return out
}

func (t *Tracker) graceExpired(userID string) {
	t.mu.Lock()
	delete(t.grace, userID)
	// A reconnect may have raced the timer. The registry is the source of
	// truth: a live session means this expiry is stale.
	if _, ok := t.registry.Lookup(userID); ok {
		t.mu.Unlock()
		return
	}
	rec := t.recordLocked(userID)
	from := rec.Status
	if from == Offline {
		t.mu.Unlock()
		return
	}
	rec.Status = Offline
	snapshot := *rec
	t.mu.Unlock()

	t.announce(context.Background(), snapshot, from)
}

func (t *Tracker) inactivityExpired(userID string) {
	t.mu.Lock()
	delete(t.inactivity, userID)
	rec := t.recordLocked(userID)
	// Only online decays to away. Busy and offline are never touched, and a
	// stale timer that outlived a status change must not fire a transition.
	if rec.Status != Online {
		t.mu.Unlock()
		return
	}
	from := rec.Status
	rec.Status = Away
	snapshot := *rec
	t.mu.Unlock()

	t.announce(context.Background(), snapshot, from)
}

// announce persists the record best-effort, publishes a bus event, and sends
// user_status to every contact with a live session.
func (t *Tracker) announce(ctx context.Context, rec Record, from Status) {
	if err := t.store.Save(ctx, rec); err != nil {
		t.logger.Warn("presence persist failed",
			zap.String("user_id", rec.UserID), zap.Error(err))
	}
	t.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   bus.PresenceChange{UserID: rec.UserID, From: string(from), To: string(rec.Status)},
	})

	contactIDs, err := t.contacts.ContactIDs(rec.UserID)
	if err != nil {
		t.logger.Warn("contact resolution failed",
			zap.String("user_id", rec.UserID), zap.Error(err))
		return
	}
	evt := wire.NewEvent(wire.TypeUserStatus, statusPayload(rec))
	for _, contactID := range contactIDs {
		sess, ok := t.registry.Lookup(contactID)
		if !ok {
			continue
		}
		if err := sess.Send(evt); err != nil {
			t.logger.Warn("presence broadcast send failed",
				zap.String("user_id", rec.UserID), zap.String("contact_id", contactID), zap.Error(err))
		}
	}
}

func statusPayload(rec Record) wire.UserStatus {
	return wire.UserStatus{
		UserID:        rec.UserID,
		Status:        string(rec.Status),
		StatusMessage: rec.StatusMessage,
		Emoji:         rec.Emoji,
		LastActiveAt:  rec.LastActiveAt.UnixMilli(),
	}
}

// StatusPayloads converts records for the presence_snapshot event.
func StatusPayloads(recs []Record) []wire.UserStatus {
	out := make([]wire.UserStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusPayload(rec))
	}
	return out
}

// recordLocked returns the user's record, creating an offline one if absent.
func (t *Tracker) recordLocked(userID string) *Record {
	rec, ok := t.records[userID]
	if !ok {
		rec = &Record{UserID: userID, Status: Offline}
		t.records[userID] = rec
	}
	return rec
}

// resetInactivityLocked cancels any pending inactivity timer and schedules a
// fresh one. Cancel-before-reschedule is what keeps stale timers from firing
// after the event they were guarding against.
func (t *Tracker) resetInactivityLocked(userID string) {
	t.cancelInactivityLocked(userID)
	if t.inactivityTimeout <= 0 {
		return
	}
	t.inactivity[userID] = time.AfterFunc(t.inactivityTimeout, func() {
		t.inactivityExpired(userID)
	})
}

func (t *Tracker) cancelInactivityLocked(userID string) {
	if timer, ok := t.inactivity[userID]; ok {
		timer.Stop()
		delete(t.inactivity, userID)
	}
}

func (t *Tracker) cancelGraceLocked(userID string) {
	if timer, ok := t.grace[userID]; ok {
		timer.Stop()
		delete(t.grace, userID)
	}
}

// Stop cancels every pending timer. Used on shutdown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.inactivity {
		timer.Stop()
		delete(t.inactivity, id)
	}
	for id, timer := range t.grace {
		timer.Stop()
		delete(t.grace, id)
	}
}
