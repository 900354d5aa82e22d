// Package domain contains core concepts of the adoption chat system.
// This file defines Chat entities and their status rules.
// No runtime, network, or UI logic should be added here.
package domain

import "time"

type (
	ChatID    string
	UserID    string
	RescueID  string
	MessageID string
)

type ChatStatus string

const (
	StatusActive   ChatStatus = "active"
	StatusLocked   ChatStatus = "locked"
	StatusArchived ChatStatus = "archived"
)

func (s ChatStatus) Valid() bool {
	switch s {
	case StatusActive, StatusLocked, StatusArchived:
		return true
	}
	return false
}

// Chat is a conversation thread between an applicant and a rescue,
// optionally tied to an adoption application.
type Chat struct {
	ID            ChatID     `json:"id"`
	RescueID      RescueID   `json:"rescue_id"`
	ApplicationID string     `json:"application_id,omitempty"`
	Status        ChatStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
