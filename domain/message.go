// Package domain contains core concepts of the adoption chat system.
// This file defines Message entities. Messages are immutable once
// read-status rows exist against them, except for sender/admin deletion.
package domain

import "time"

// Message belongs to exactly one chat.
type Message struct {
	ID          MessageID    `json:"id"`
	ChatID      ChatID       `json:"chat_id"`
	SenderID    UserID       `json:"sender_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Attachment is a reference to externally stored content.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// MessageReadStatus records that a user has read a message.
// At most one row exists per (MessageID, UserID); re-marking a message
// read updates ReadAt in place.
type MessageReadStatus struct {
	MessageID MessageID `json:"message_id"`
	UserID    UserID    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}
