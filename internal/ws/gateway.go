package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/bus"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/delivery"
	"github.com/parley-im/parley/internal/presence"
	"github.com/parley-im/parley/internal/receipts"
	"github.com/parley-im/parley/internal/registry"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/typing"
	"github.com/parley-im/parley/internal/viewers"
	"github.com/parley-im/parley/internal/wire"
)

// Gateway authenticates websocket upgrades, runs the connect and disconnect
// sequences, and routes every inbound event to the owning coordinator. The
// multi-step workflows (join then bulk-read, message then clear-typing) live
// here as explicit call sequences so each step stays independently testable.
type Gateway struct {
	upgrader websocket.Upgrader

	auth     auth.Authenticator
	registry *registry.Registry
	presence *presence.Tracker
	viewers  *viewers.Set
	typing   *typing.Coordinator
	delivery *delivery.Coordinator
	receipts *receipts.Coordinator
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	limits   config.LimitsConfig
}

// NewGateway wires the router.
func NewGateway(
	authenticator auth.Authenticator,
	reg *registry.Registry,
	tracker *presence.Tracker,
	viewerSet *viewers.Set,
	typingCoord *typing.Coordinator,
	deliveryCoord *delivery.Coordinator,
	receiptCoord *receipts.Coordinator,
	db *store.DB,
	b *bus.Bus,
	logger *zap.Logger,
	limits config.LimitsConfig,
) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		auth:     authenticator,
		registry: reg,
		presence: tracker,
		viewers:  viewerSet,
		typing:   typingCoord,
		delivery: deliveryCoord,
		receipts: receiptCoord,
		db:       db,
		bus:      b,
		logger:   logger,
		limits:   limits,
	}
}

// ServeHTTP handles the websocket upgrade and runs the connect sequence:
// register (displacing any previous session), mark online, send the presence
// snapshot, drain the offline queue, then start the pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	limiter := rate.NewLimiter(rate.Limit(g.limits.EventsPerSecond), g.limits.Burst)
	sess := newSession(conn, identity.UserID, identity.Username, r.UserAgent(), limiter, g.logger)
	ctx := context.Background()

	if displaced := g.registry.Register(sess); displaced != nil {
		// Last connection wins; force-close the old transport so the user
		// never receives duplicate delivery.
		displaced.Close()
		g.bus.Publish(bus.Event{Kind: bus.KindSessionDisplaced, Timestamp: time.Now(), Payload: identity.UserID})
		g.logger.Info("session displaced",
			zap.String("user_id", identity.UserID), zap.String("old_session", displaced.ID()))
	}

	g.presence.HandleConnect(ctx, identity.UserID)
	g.sendPresenceSnapshot(sess)

	go sess.writePump()
	g.delivery.DrainOffline(ctx, sess)

	g.bus.Publish(bus.Event{Kind: bus.KindSessionConnected, Timestamp: time.Now(), Payload: identity.UserID})
	g.logger.Info("session connected",
		zap.String("user_id", identity.UserID),
		zap.String("session_id", sess.ID()),
		zap.String("user_agent", sess.UserAgent()))

	sess.readPump(g)
	g.handleDisconnect(sess)
}

// handleDisconnect runs the cleanup sequence for a dead session. The
// compare-and-clear Unregister gates everything: if a newer session already
// replaced this one, its cleanup already happened or will happen, and this
// stale disconnect must touch nothing.
func (g *Gateway) handleDisconnect(sess registry.Session) {
	if !g.registry.Unregister(sess) {
		return
	}
	g.viewers.LeaveAll(sess.UserID())
	g.typing.StopAll(sess.UserID())
	g.presence.HandleDisconnect(sess.UserID())
	g.bus.Publish(bus.Event{Kind: bus.KindSessionDisconnected, Timestamp: time.Now(), Payload: sess.UserID()})
	g.logger.Info("session disconnected",
		zap.String("user_id", sess.UserID()), zap.String("session_id", sess.ID()))
}

// sendPresenceSnapshot gives the fresh session its contacts' current state.
func (g *Gateway) sendPresenceSnapshot(sess registry.Session) {
	contactIDs, err := g.db.ContactIDs(sess.UserID())
	if err != nil {
		g.logger.Warn("contact snapshot failed",
			zap.String("user_id", sess.UserID()), zap.Error(err))
		return
	}
	recs := g.presence.Snapshot(contactIDs)
	payload := wire.PresenceSnapshot{Contacts: presence.StatusPayloads(recs)}
	if err := sess.Send(wire.NewEvent(wire.TypePresenceSnapshot, payload)); err != nil {
		g.logger.Warn("presence snapshot send failed",
			zap.String("user_id", sess.UserID()), zap.Error(err))
	}
}

// dispatch routes one inbound event. Every failure is surfaced only to the
// originating session as an error event; nothing here is process-fatal.
func (g *Gateway) dispatch(sess registry.Session, evt wire.Event) {
	ctx := context.Background()
	switch evt.Type {
	case wire.TypeStatus:
		g.handleStatus(ctx, sess, evt.Payload)
	case wire.TypeUserActivity:
		g.presence.HandleActivity(ctx, sess.UserID())
	case wire.TypeTyping:
		g.handleTyping(sess, evt.Payload, true)
	case wire.TypeTypingStopped:
		g.handleTyping(sess, evt.Payload, false)
	case wire.TypeMessage:
		g.handleMessage(ctx, sess, evt.Payload)
	case wire.TypeReadReceipt:
		g.handleReadReceipt(sess, evt.Payload)
	case wire.TypeReadConversation:
		g.handleReadConversation(sess, evt.Payload)
	case wire.TypeJoinConversation:
		g.handleJoin(sess, evt.Payload)
	case wire.TypeLeaveConversation:
		g.handleLeave(sess, evt.Payload)
	case wire.TypeReaction:
		g.handleReaction(sess, evt.Payload)
	case wire.TypeFetchOffline:
		g.handleFetchOffline(sess)
	case wire.TypeOfflineAck:
		g.handleOfflineAck(sess, evt.Payload)
	default:
		g.sendError(sess, wire.CodeInvalidPayload, "unknown event type "+evt.Type)
	}
}

func (g *Gateway) handleStatus(ctx context.Context, sess registry.Session, payload json.RawMessage) {
	var req wire.SetStatus
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed status payload")
		return
	}
	if err := g.presence.SetStatus(ctx, sess.UserID(), presence.Status(req.Status), req.StatusMessage, req.Emoji); err != nil {
		g.sendError(sess, wire.CodeInvalidStatus, err.Error())
	}
}

func (g *Gateway) handleTyping(sess registry.Session, payload json.RawMessage, start bool) {
	var req wire.TypingChange
	if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed typing payload")
		return
	}
	ok, err := g.db.IsParticipant(req.ConversationID, sess.UserID())
	if err != nil {
		g.sendError(sess, wire.CodeInternal, "participant check failed")
		return
	}
	if !ok {
		g.sendError(sess, wire.CodeNotParticipant, "not a participant of "+req.ConversationID)
		return
	}
	if start {
		g.typing.Start(req.ConversationID, sess.UserID(), sess.Username())
	} else {
		g.typing.Stop(req.ConversationID, sess.UserID())
	}
}

// handleMessage clears the sender's typing flag first, so recipients never
// see a stale "typing" after the message itself arrives.
func (g *Gateway) handleMessage(ctx context.Context, sess registry.Session, payload json.RawMessage) {
	var req wire.SubmitMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed message payload")
		return
	}
	if req.ConversationID != "" {
		g.typing.Stop(req.ConversationID, sess.UserID())
	}
	if _, err := g.delivery.Submit(ctx, sess, req); err != nil {
		switch {
		case errors.Is(err, delivery.ErrInvalid):
			g.sendError(sess, wire.CodeInvalidPayload, "invalid message submission")
		case errors.Is(err, delivery.ErrNotParticipant):
			g.sendError(sess, wire.CodeNotParticipant, "not a participant of "+req.ConversationID)
		default:
			g.logger.Error("message submission failed",
				zap.String("user_id", sess.UserID()), zap.Error(err))
			g.sendError(sess, wire.CodeInternal, "message submission failed")
		}
	}
}

func (g *Gateway) handleReadReceipt(sess registry.Session, payload json.RawMessage) {
	var req wire.ReadReceipt
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed read_receipt payload")
		return
	}
	g.sendReceiptError(sess, g.receipts.MarkRead(req.MessageID, sess.UserID()))
}

func (g *Gateway) handleReadConversation(sess registry.Session, payload json.RawMessage) {
	var req wire.ConversationRef
	if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed read_conversation payload")
		return
	}
	g.sendReceiptError(sess, g.receipts.MarkConversationRead(req.ConversationID, sess.UserID()))
}

// handleJoin is the explicit join workflow: membership check, viewer-set
// join with its broadcasts, then the bulk read that "now viewing" implies.
func (g *Gateway) handleJoin(sess registry.Session, payload json.RawMessage) {
	var req wire.ConversationRef
	if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed join_conversation payload")
		return
	}
	ok, err := g.db.IsParticipant(req.ConversationID, sess.UserID())
	if err != nil {
		g.sendError(sess, wire.CodeInternal, "participant check failed")
		return
	}
	if !ok {
		g.sendError(sess, wire.CodeNotParticipant, "not a participant of "+req.ConversationID)
		return
	}
	g.viewers.Join(req.ConversationID, sess.UserID())
	if err := g.receipts.MarkConversationRead(req.ConversationID, sess.UserID()); err != nil {
		g.logger.Warn("bulk read on join failed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("user_id", sess.UserID()), zap.Error(err))
	}
}

func (g *Gateway) handleLeave(sess registry.Session, payload json.RawMessage) {
	var req wire.ConversationRef
	if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed leave_conversation payload")
		return
	}
	g.viewers.Leave(req.ConversationID, sess.UserID())
	g.typing.Stop(req.ConversationID, sess.UserID())
}

func (g *Gateway) handleReaction(sess registry.Session, payload json.RawMessage) {
	var req wire.Reaction
	if err := json.Unmarshal(payload, &req); err != nil || req.MessageID == "" {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed reaction payload")
		return
	}
	msg, err := g.db.MessageByID(req.MessageID)
	if err != nil {
		g.sendError(sess, wire.CodeInternal, "reaction lookup failed")
		return
	}
	if msg == nil {
		g.sendError(sess, wire.CodeNotFound, "message not found")
		return
	}
	ok, err := g.db.IsParticipant(msg.ConversationID, sess.UserID())
	if err != nil {
		g.sendError(sess, wire.CodeInternal, "participant check failed")
		return
	}
	if !ok {
		g.sendError(sess, wire.CodeNotParticipant, "not a participant of "+msg.ConversationID)
		return
	}
	if err := g.db.SetReaction(req.MessageID, sess.UserID(), req.Emoji); err != nil {
		g.logger.Error("set reaction failed",
			zap.String("message_id", req.MessageID), zap.Error(err))
		g.sendError(sess, wire.CodeInternal, "set reaction failed")
		return
	}

	out := wire.NewEvent(wire.TypeMessageReaction, wire.MessageReaction{
		MessageID:      req.MessageID,
		ConversationID: msg.ConversationID,
		UserID:         sess.UserID(),
		Emoji:          req.Emoji,
	})
	ids, err := g.db.ParticipantIDs(msg.ConversationID)
	if err != nil {
		g.logger.Warn("reaction broadcast failed",
			zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}
	for _, id := range ids {
		if id == sess.UserID() {
			continue
		}
		if other, live := g.registry.Lookup(id); live {
			if err := other.Send(out); err != nil {
				g.logger.Warn("reaction send failed",
					zap.String("user_id", id), zap.Error(err))
			}
		}
	}
}

func (g *Gateway) handleFetchOffline(sess registry.Session) {
	entries, err := g.delivery.FetchOffline(sess)
	if err != nil {
		g.sendError(sess, wire.CodeInternal, "offline fetch failed")
		return
	}
	if err := sess.Send(wire.NewEvent(wire.TypeOfflineMessages, wire.OfflineMessages{Entries: entries})); err != nil {
		g.logger.Warn("offline_messages send failed",
			zap.String("user_id", sess.UserID()), zap.Error(err))
	}
}

func (g *Gateway) handleOfflineAck(sess registry.Session, payload json.RawMessage) {
	var req wire.OfflineAck
	if err := json.Unmarshal(payload, &req); err != nil || len(req.EntryIDs) == 0 {
		g.sendError(sess, wire.CodeInvalidPayload, "malformed offline_ack payload")
		return
	}
	if _, err := g.delivery.AckOffline(sess, req.EntryIDs); err != nil {
		g.sendError(sess, wire.CodeInternal, "offline ack failed")
	}
}

// sendReceiptError maps the receipt coordinator's sentinel errors to wire
// codes, keeping not-found distinct from permission failures.
func (g *Gateway) sendReceiptError(sess registry.Session, err error) {
	switch {
	case err == nil:
	case errors.Is(err, receipts.ErrNotFound):
		g.sendError(sess, wire.CodeNotFound, "not found")
	case errors.Is(err, receipts.ErrNotParticipant):
		g.sendError(sess, wire.CodeNotParticipant, "not a participant")
	case errors.Is(err, receipts.ErrOwnMessage):
		g.sendError(sess, wire.CodeNotSender, "cannot read-receipt own message")
	default:
		g.logger.Error("read receipt failed", zap.Error(err))
		g.sendError(sess, wire.CodeInternal, "read receipt failed")
	}
}

func (g *Gateway) sendError(sess registry.Session, code, message string) {
	if err := sess.Send(wire.NewError(code, message)); err != nil {
		g.logger.Debug("error event send failed",
			zap.String("user_id", sess.UserID()), zap.Error(err))
	}
}
