// Package event defines the events fanned out to live connections.
// Every event targets exactly one room: a chat room for chat-scoped
// events or a user room for user-directed delivery.
package event

import (
	"fmt"
	"time"

	"rescue-chat/domain"
)

// Room is a logical broadcast group on the connection hub.
type Room string

func ChatRoom(id domain.ChatID) Room { return Room(fmt.Sprintf("chat:%s", id)) }
func UserRoom(id domain.UserID) Room { return Room(fmt.Sprintf("user:%s", id)) }

type ChatEvent interface {
	// Name is the wire-level event name pushed to clients.
	Name() string
	Room() Room
}

type NewMessage struct {
	ChatID  domain.ChatID  `json:"chat_id"`
	Message domain.Message `json:"message"`
}

func (e NewMessage) Name() string { return "new_message" }
func (e NewMessage) Room() Room   { return ChatRoom(e.ChatID) }

type ChatUpdated struct {
	ChatID    domain.ChatID     `json:"chat_id"`
	Status    domain.ChatStatus `json:"status"`
	UpdatedBy domain.UserID     `json:"updated_by"`
	At        time.Time         `json:"at"`
}

func (e ChatUpdated) Name() string { return "chat_updated" }
func (e ChatUpdated) Room() Room   { return ChatRoom(e.ChatID) }

type ParticipantChange string

const (
	ParticipantJoined ParticipantChange = "joined"
	ParticipantLeft   ParticipantChange = "left"
)

type ParticipantUpdated struct {
	ChatID      domain.ChatID          `json:"chat_id"`
	Participant domain.ChatParticipant `json:"participant"`
	Change      ParticipantChange      `json:"change"`
	At          time.Time              `json:"at"`
}

func (e ParticipantUpdated) Name() string { return "participant_updated" }
func (e ParticipantUpdated) Room() Room   { return ChatRoom(e.ChatID) }

// ReadStatusUpdated is emitted once per mark-all-read call, carrying the
// whole batch of newly read message ids. It is never split per message.
type ReadStatusUpdated struct {
	ChatID     domain.ChatID      `json:"chat_id"`
	UserID     domain.UserID      `json:"user_id"`
	MessageIDs []domain.MessageID `json:"message_ids"`
	ReadAt     time.Time          `json:"read_at"`
}

func (e ReadStatusUpdated) Name() string { return "read_status_updated" }
func (e ReadStatusUpdated) Room() Room   { return ChatRoom(e.ChatID) }

type UserTyping struct {
	ChatID domain.ChatID `json:"chat_id"`
	UserID domain.UserID `json:"user_id"`
}

func (e UserTyping) Name() string { return "user_typing" }
func (e UserTyping) Room() Room   { return ChatRoom(e.ChatID) }

type UserStoppedTyping struct {
	ChatID domain.ChatID `json:"chat_id"`
	UserID domain.UserID `json:"user_id"`
}

func (e UserStoppedTyping) Name() string { return "user_stopped_typing" }
func (e UserStoppedTyping) Room() Room   { return ChatRoom(e.ChatID) }

// Direct wraps an arbitrary payload addressed to all of one user's
// connections (multiple tabs or devices).
type Direct struct {
	UserID domain.UserID `json:"-"`
	Event  string        `json:"-"`
	Data   any           `json:"data"`
}

func (e Direct) Name() string { return e.Event }
func (e Direct) Room() Room   { return UserRoom(e.UserID) }

// Notice is delivered to a single connection, never broadcast. The hub
// uses it for rate-limit warnings to the offending caller.
type Notice struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func (e Notice) Name() string { return "error" }
func (e Notice) Room() Room   { return "" }
