// Package ws is the WebSocket transport: one Connection per socket,
// JSON frames in both directions, a buffered outbound queue so the hub
// never blocks on a slow client.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rescue-chat/auth"
	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/domain/event"
	"rescue-chat/runtime"
	"rescue-chat/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20
	sendQueueSize  = 256
	requestTimeout = 5 * time.Second
)

// Frame is the wire envelope for both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type chatPayload struct {
	ChatID string `json:"chat_id"`
}

type getMessagesPayload struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

type sendMessagePayload struct {
	ChatID      string              `json:"chat_id"`
	Content     string              `json:"content"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// Connection is one live socket. It implements contract.EventSink so
// the hub can push events at it; Consume only enqueues.
type Connection struct {
	id     runtime.ConnID
	conn   *websocket.Conn
	send   chan outboundFrame
	server *Server
	log    *slog.Logger

	ip        string
	userAgent string

	mu     sync.RWMutex
	claims *auth.Claims

	// done signals shutdown to the pumps. send itself is never closed:
	// the hub may still hold this sink from a fan-out snapshot taken
	// before Disconnect, and a late Consume must not panic.
	done      chan struct{}
	closeOnce sync.Once
}

// Consume queues an event for the write pump. A closed connection or a
// client too slow to drain its queue loses events rather than stalling
// the hub.
func (c *Connection) Consume(_ context.Context, e event.ChatEvent) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.send <- outboundFrame{Event: e.Name(), Data: e}:
		return nil
	default:
		c.log.Warn("Outbound queue full, dropping event", "connection", c.id, "event", e.Name())
		return nil
	}
}

func (c *Connection) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) readPump() {
	defer func() {
		c.server.hub.Disconnect(c.id)
		c.shutdown()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.fail(frame.Event, "malformed frame")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) dispatch(frame Frame) {
	if frame.Event == "authenticate" {
		c.handleAuthenticate(frame.Data)
		return
	}

	claims := c.currentClaims()
	if claims == nil {
		c.fail(frame.Event, "not authenticated")
		return
	}

	switch frame.Event {
	case "join_chat":
		c.handleJoinChat(claims, frame.Data)
	case "leave_chat":
		if p, ok := decode[chatPayload](c, frame); ok {
			c.server.hub.LeaveChat(c.id, domain.ChatID(p.ChatID))
		}
	case "typing_start":
		if p, ok := decode[chatPayload](c, frame); ok {
			c.server.hub.TypingStart(c.id, domain.ChatID(p.ChatID))
		}
	case "typing_end":
		if p, ok := decode[chatPayload](c, frame); ok {
			c.server.hub.TypingEnd(c.id, domain.ChatID(p.ChatID))
		}
	case "send_message":
		c.handleSendMessage(claims, frame.Data)
	case "mark_all_read":
		c.handleMarkAllRead(claims, frame.Data)
	case "get_messages":
		c.handleGetMessages(claims, frame.Data)
	case "get_chat_status":
		c.handleGetChatStatus(claims, frame.Data)
	default:
		c.fail(frame.Event, "unknown event")
	}
}

func (c *Connection) handleAuthenticate(data json.RawMessage) {
	var payload authenticatePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Token == "" {
		c.fail("authenticate", "missing token")
		return
	}
	claims, err := c.server.tokens.Validate(payload.Token)
	if err != nil {
		c.fail("authenticate", "invalid token")
		return
	}

	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()

	c.server.hub.Authenticate(c.id, domain.UserID(claims.UserID))
	c.push("authenticated", map[string]string{"user_id": claims.UserID})
}

func (c *Connection) handleJoinChat(claims *auth.Claims, data json.RawMessage) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		c.fail("join_chat", "missing chat_id")
		return
	}
	ctx, cancel := c.requestContext(claims)
	defer cancel()
	c.server.hub.JoinChat(ctx, c.id, domain.ChatID(payload.ChatID), c.auditContext(claims))
}

func (c *Connection) handleSendMessage(claims *auth.Claims, data json.RawMessage) {
	var payload sendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.fail("send_message", "malformed payload")
		return
	}
	if !c.server.messages.Consume(c.ip) {
		c.fail("send_message", "rate limit exceeded")
		return
	}

	ctx, cancel := c.requestContext(claims)
	defer cancel()
	_, err := c.server.service.SendMessage(ctx, services.SendMessageCommand{
		ChatID:      domain.ChatID(payload.ChatID),
		SenderID:    domain.UserID(claims.UserID),
		Content:     payload.Content,
		Attachments: payload.Attachments,
	}, c.auditContext(claims))
	if err != nil {
		c.log.Debug("send_message rejected", "connection", c.id, "error", err)
		c.fail("send_message", "message rejected")
	}
}

func (c *Connection) handleMarkAllRead(claims *auth.Claims, data json.RawMessage) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		c.fail("mark_all_read", "missing chat_id")
		return
	}
	ctx, cancel := c.requestContext(claims)
	defer cancel()
	_, err := c.server.service.MarkAllRead(ctx, domain.ChatID(payload.ChatID),
		domain.UserID(claims.UserID), c.auditContext(claims))
	if err != nil {
		c.log.Debug("mark_all_read rejected", "connection", c.id, "error", err)
		c.fail("mark_all_read", "request rejected")
	}
}

// handleGetMessages answers a history query on the caller's own socket.
func (c *Connection) handleGetMessages(claims *auth.Claims, data json.RawMessage) {
	var payload getMessagesPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		c.fail("get_messages", "missing chat_id")
		return
	}
	ctx, cancel := c.requestContext(claims)
	defer cancel()
	messages, err := c.server.service.GetMessages(ctx, domain.UserID(claims.UserID),
		domain.ChatID(payload.ChatID), payload.Limit, c.auditContext(claims))
	if err != nil {
		c.log.Debug("get_messages rejected", "connection", c.id, "error", err)
		c.fail("get_messages", "request rejected")
		return
	}
	c.push("messages", map[string]any{
		"chat_id":  payload.ChatID,
		"messages": messages,
	})
}

func (c *Connection) handleGetChatStatus(claims *auth.Claims, data json.RawMessage) {
	var payload chatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ChatID == "" {
		c.fail("get_chat_status", "missing chat_id")
		return
	}
	ctx, cancel := c.requestContext(claims)
	defer cancel()
	chat, _, err := c.server.service.GetChat(ctx, domain.UserID(claims.UserID),
		domain.ChatID(payload.ChatID), c.auditContext(claims))
	if err != nil {
		c.log.Debug("get_chat_status rejected", "connection", c.id, "error", err)
		c.fail("get_chat_status", "request rejected")
		return
	}
	c.push("chat_status", map[string]any{
		"chat_id": string(chat.ID),
		"status":  string(chat.Status),
	})
}

// requestContext bounds the persistence work behind one socket frame
// and carries the caller's verified claims.
func (c *Connection) requestContext(claims *auth.Claims) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	return auth.ContextWithClaims(ctx, claims), cancel
}

func (c *Connection) auditContext(claims *auth.Claims) contract.AuditContext {
	return contract.AuditContext{
		Actor:     domain.UserID(claims.UserID),
		IP:        c.ip,
		UserAgent: c.userAgent,
	}
}

func (c *Connection) currentClaims() *auth.Claims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claims
}

func (c *Connection) push(name string, data any) {
	select {
	case c.send <- outboundFrame{Event: name, Data: data}:
	default:
	}
}

func (c *Connection) fail(source, message string) {
	c.push("error", event.Notice{Event: source, Message: message})
}

func decode[T any](c *Connection, frame Frame) (T, bool) {
	var payload T
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		c.fail(frame.Event, "malformed payload")
		return payload, false
	}
	return payload, true
}
