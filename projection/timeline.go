// Package projection builds local read models from observed events.
// Handles ordering and deduplication for clients that replay a mix of
// history fetches and live pushes. Does not emit events.
package projection

import (
	"slices"
	"sort"

	"rescue-chat/domain"
	"rescue-chat/domain/event"
)

// Timeline holds one chat's messages as seen by a client, oldest
// first. History loaded over REST and live pushes over the socket
// overlap, so insertion is idempotent per message ID.
type Timeline struct {
	ChatID   domain.ChatID
	messages []domain.Message
	seen     map[domain.MessageID]struct{}
	read     map[domain.MessageID]struct{}
}

func NewTimeline(chatID domain.ChatID) *Timeline {
	return &Timeline{
		ChatID: chatID,
		seen:   make(map[domain.MessageID]struct{}),
		read:   make(map[domain.MessageID]struct{}),
	}
}

// Consume applies one event. Events for other chats are ignored so a
// client can feed every received frame through a single timeline.
func (t *Timeline) Consume(e event.ChatEvent) {
	switch evt := e.(type) {
	case event.NewMessage:
		if evt.ChatID != t.ChatID {
			return
		}
		t.Add(evt.Message)
	case event.ReadStatusUpdated:
		if evt.ChatID != t.ChatID {
			return
		}
		for _, id := range evt.MessageIDs {
			t.read[id] = struct{}{}
		}
	}
}

// Add inserts a message in chronological position. Duplicates are
// dropped.
func (t *Timeline) Add(msg domain.Message) {
	if _, ok := t.seen[msg.ID]; ok {
		return
	}
	t.seen[msg.ID] = struct{}{}
	at := sort.Search(len(t.messages), func(i int) bool {
		return t.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	t.messages = slices.Insert(t.messages, at, msg)
}

// Messages returns the timeline oldest first.
func (t *Timeline) Messages() []domain.Message {
	return slices.Clone(t.messages)
}

// IsRead reports whether a read receipt has been observed for the
// message.
func (t *Timeline) IsRead(id domain.MessageID) bool {
	_, ok := t.read[id]
	return ok
}

func (t *Timeline) Len() int { return len(t.messages) }
