// Package domain contains core concepts of the adoption chat system.
// This file defines ChatParticipant entities and related invariants.
package domain

import "time"

type ParticipantRole string

const (
	RoleUser   ParticipantRole = "user"
	RoleRescue ParticipantRole = "rescue"
)

// RoleAdmin is a platform role carried by the identity collaborator,
// not a participant role. Admins act on chats without a participant row.
const RoleAdmin = "admin"

// ChatParticipant links a user to a chat. The (ChatID, UserID) pair is
// unique; the persistence layer rejects duplicates.
type ChatParticipant struct {
	ID         string          `json:"id"`
	ChatID     ChatID          `json:"chat_id"`
	UserID     UserID          `json:"user_id"`
	Role       ParticipantRole `json:"role"`
	LastReadAt *time.Time      `json:"last_read_at,omitempty"`
	JoinedAt   time.Time       `json:"joined_at"`
}
