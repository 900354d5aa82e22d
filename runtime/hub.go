package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rescue-chat/access"
	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/domain/event"
	"rescue-chat/ratelimit"
)

const (
	hubQueueSize    = 1024
	deliveryTimeout = 2 * time.Second
	typingTTL       = 5 * time.Second
)

// ChatAuthorizer decides whether a user may access a chat.
type ChatAuthorizer interface {
	Authorize(ctx context.Context, userID domain.UserID, chatID domain.ChatID, actx contract.AuditContext) (access.Decision, error)
}

// broadcast is a queued fan-out order. The single Run loop drains the
// queue, which keeps delivery order per room first-in first-out.
type broadcast struct {
	evt        event.ChatEvent
	exceptConn ConnID
	exceptUser domain.UserID
}

// Hub routes chat events to live connections. Producers enqueue, the Run
// worker fans out. It also owns the socket-side rate limiters and the
// typing auto-expiry timers.
type Hub struct {
	registry   *Registry
	authorizer ChatAuthorizer
	socket     *ratelimit.Limiter
	typing     *ratelimit.Limiter
	audit      contract.AuditLogger
	log        *slog.Logger

	queue     chan broadcast
	typingTTL time.Duration

	mu     sync.Mutex
	timers map[domain.ChatID]map[domain.UserID]*time.Timer
}

func NewHub(registry *Registry, authorizer ChatAuthorizer, socket, typing *ratelimit.Limiter, audit contract.AuditLogger, log *slog.Logger) *Hub {
	return &Hub{
		registry:   registry,
		authorizer: authorizer,
		socket:     socket,
		typing:     typing,
		audit:      audit,
		log:        log,
		queue:      make(chan broadcast, hubQueueSize),
		typingTTL:  typingTTL,
		timers:     make(map[domain.ChatID]map[domain.UserID]*time.Timer),
	}
}

// Run drains the broadcast queue until the context is cancelled. It is
// meant to be placed under the supervisor as a worker.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-h.queue:
			h.deliver(ctx, b)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, b broadcast) {
	sinks := h.registry.RoomSinks(b.evt.Room(), b.exceptConn, b.exceptUser)
	for _, sink := range sinks {
		dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		if err := sink.Consume(dctx, b.evt); err != nil {
			h.log.Warn("Event delivery failed", "event", b.evt.Name(), "room", b.evt.Room(), "error", err)
		}
		cancel()
	}
}

// enqueue never blocks a producer. A full queue drops the event with a
// warning rather than stalling the HTTP or socket path.
func (h *Hub) enqueue(b broadcast) {
	select {
	case h.queue <- b:
	default:
		h.log.Warn("Hub queue full, dropping event", "event", b.evt.Name(), "room", b.evt.Room())
	}
}

// notify pushes an event to a single connection, bypassing rooms.
func (h *Hub) notify(connID ConnID, evt event.ChatEvent) {
	sink, ok := h.registry.Sink(connID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := sink.Consume(ctx, evt); err != nil {
		h.log.Warn("Notice delivery failed", "connection", connID, "error", err)
	}
}

// Connect registers an anonymous connection. Until Authenticate is
// called the connection belongs to no rooms and may emit nothing.
func (h *Hub) Connect(connID ConnID, sink contract.EventSink) {
	h.registry.Register(connID, sink)
	h.log.Debug("Connection opened", "connection", connID)
}

// Authenticate binds a connection to its user and joins the user room,
// so direct notifications reach every tab and device the user holds.
func (h *Hub) Authenticate(connID ConnID, userID domain.UserID) {
	h.registry.Bind(connID, userID)
	h.registry.JoinRoom(connID, event.UserRoom(userID))
	h.log.Debug("Connection authenticated", "connection", connID, "user_id", userID)
}

// JoinChat subscribes a connection to a chat room. Access is checked
// again here even when the HTTP layer already did, so a connection can
// never ride into a room on a stale token.
func (h *Hub) JoinChat(ctx context.Context, connID ConnID, chatID domain.ChatID, actx contract.AuditContext) {
	userID, ok := h.registry.Owner(connID)
	if !ok {
		h.notify(connID, event.Notice{Event: "join_chat", Message: "not authenticated"})
		return
	}
	if !h.socket.Consume(ratelimit.Key(string(userID), "join_chat")) {
		h.notify(connID, event.Notice{Event: "join_chat", Message: "rate limit exceeded"})
		return
	}
	decision, err := h.authorizer.Authorize(ctx, userID, chatID, actx)
	if err != nil || !decision.Granted {
		h.notify(connID, event.Notice{Event: "join_chat", Message: "access denied"})
		return
	}
	h.registry.JoinRoom(connID, event.ChatRoom(chatID))
	h.audit.Record("hub", fmt.Sprintf("User %s joined chat %s", userID, chatID), contract.AuditInfo, actx)
}

// LeaveChat unsubscribes a connection from a chat room.
func (h *Hub) LeaveChat(connID ConnID, chatID domain.ChatID) {
	h.registry.LeaveRoom(connID, event.ChatRoom(chatID))
}

// TypingStart broadcasts a typing indicator to the other room members.
// Over-limit calls are dropped silently: a missing indicator is harmless
// and a warning would only add noise.
func (h *Hub) TypingStart(connID ConnID, chatID domain.ChatID) {
	userID, ok := h.registry.Owner(connID)
	if !ok {
		return
	}
	if !h.typing.Consume(ratelimit.Key(string(userID), string(chatID))) {
		return
	}
	h.armTypingExpiry(chatID, userID)
	h.enqueue(broadcast{
		evt:        event.UserTyping{ChatID: chatID, UserID: userID},
		exceptConn: connID,
	})
}

// TypingEnd clears the indicator before the auto-expiry would.
func (h *Hub) TypingEnd(connID ConnID, chatID domain.ChatID) {
	userID, ok := h.registry.Owner(connID)
	if !ok {
		return
	}
	if !h.typing.Consume(ratelimit.Key(string(userID), string(chatID))) {
		return
	}
	if !h.clearTypingExpiry(chatID, userID) {
		return
	}
	h.enqueue(broadcast{
		evt:        event.UserStoppedTyping{ChatID: chatID, UserID: userID},
		exceptConn: connID,
	})
}

// armTypingExpiry (re)starts the stop-typing fallback for clients that
// never send typing_end.
func (h *Hub) armTypingExpiry(chatID domain.ChatID, userID domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	byUser, ok := h.timers[chatID]
	if !ok {
		byUser = make(map[domain.UserID]*time.Timer)
		h.timers[chatID] = byUser
	}
	if t, ok := byUser[userID]; ok {
		t.Stop()
	}
	byUser[userID] = time.AfterFunc(h.typingTTL, func() {
		if h.clearTypingExpiry(chatID, userID) {
			h.enqueue(broadcast{evt: event.UserStoppedTyping{ChatID: chatID, UserID: userID}})
		}
	})
}

// clearTypingExpiry reports whether an indicator was actually pending,
// so stop events only fire once per start.
func (h *Hub) clearTypingExpiry(chatID domain.ChatID, userID domain.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	byUser, ok := h.timers[chatID]
	if !ok {
		return false
	}
	t, ok := byUser[userID]
	if !ok {
		return false
	}
	t.Stop()
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(h.timers, chatID)
	}
	return true
}

// EmitNewMessage fans a persisted message out to the chat room.
func (h *Hub) EmitNewMessage(msg domain.Message) {
	if !h.socket.Consume(ratelimit.Key(string(msg.SenderID), "new_message")) {
		h.log.Warn("Socket rate limit hit", "user_id", msg.SenderID, "event", "new_message")
		return
	}
	h.enqueue(broadcast{evt: event.NewMessage{ChatID: msg.ChatID, Message: msg}})
}

// EmitChatUpdate announces a chat status change to the room.
func (h *Hub) EmitChatUpdate(evt event.ChatUpdated) {
	if !h.socket.Consume(ratelimit.Key(string(evt.UpdatedBy), "chat_updated")) {
		h.log.Warn("Socket rate limit hit", "user_id", evt.UpdatedBy, "event", "chat_updated")
		return
	}
	h.enqueue(broadcast{evt: evt})
}

// EmitParticipantUpdate announces a join or leave to the room, keyed on
// the participant the change is about.
func (h *Hub) EmitParticipantUpdate(evt event.ParticipantUpdated) {
	if !h.socket.Consume(ratelimit.Key(string(evt.Participant.UserID), "participant_updated")) {
		h.log.Warn("Socket rate limit hit", "user_id", evt.Participant.UserID, "event", "participant_updated")
		return
	}
	h.enqueue(broadcast{evt: evt})
}

// EmitReadStatusUpdate pushes one batched read-status event to the room.
// The reader's own connections are excluded: their client already knows.
func (h *Hub) EmitReadStatusUpdate(evt event.ReadStatusUpdated) {
	if len(evt.MessageIDs) == 0 {
		return
	}
	if !h.socket.Consume(ratelimit.Key(string(evt.UserID), "read_status_updated")) {
		h.log.Warn("Socket rate limit hit", "user_id", evt.UserID, "event", "read_status_updated")
		return
	}
	h.enqueue(broadcast{evt: evt, exceptUser: evt.UserID})
}

// SendToUser delivers an arbitrary payload to every connection of one
// user.
func (h *Hub) SendToUser(userID domain.UserID, name string, data any) {
	if !h.socket.Consume(ratelimit.Key(string(userID), name)) {
		h.log.Warn("Socket rate limit hit", "user_id", userID, "event", name)
		return
	}
	h.enqueue(broadcast{evt: event.Direct{UserID: userID, Event: name, Data: data}})
}

// Disconnect removes a connection and clears any typing indicator left
// hanging by it. Calling it twice is harmless.
func (h *Hub) Disconnect(connID ConnID) {
	userID, authenticated := h.registry.Owner(connID)
	h.registry.Remove(connID)
	if !authenticated {
		return
	}
	if h.registry.UserConnectionCount(userID) > 0 {
		return
	}
	for _, chatID := range h.typingChats(userID) {
		if h.clearTypingExpiry(chatID, userID) {
			h.enqueue(broadcast{evt: event.UserStoppedTyping{ChatID: chatID, UserID: userID}})
		}
	}
	h.log.Debug("Connection closed", "connection", connID, "user_id", userID)
}

func (h *Hub) typingChats(userID domain.UserID) []domain.ChatID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var chats []domain.ChatID
	for chatID, byUser := range h.timers {
		if _, ok := byUser[userID]; ok {
			chats = append(chats, chatID)
		}
	}
	return chats
}
