// Package readstatus derives per-user read state and unread counts on
// top of the persistence collaborator. The collaborator's bulk upsert
// is transactional, so concurrent mark-all-read calls cannot duplicate
// rows; each caller only reports what was unread when it looked.
// Access control is the service layer's job: callers are authorized
// through the chat access policy before the tracker runs.
package readstatus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rescue-chat/contract"
	"rescue-chat/domain"
)

const service = "ReadTracker"

type Tracker struct {
	repo  contract.ChatRepository
	audit contract.AuditLogger
	log   *slog.Logger
	now   func() time.Time
}

func NewTracker(repo contract.ChatRepository, audit contract.AuditLogger, log *slog.Logger) *Tracker {
	return &Tracker{repo: repo, audit: audit, log: log, now: time.Now}
}

// WithClock replaces the time source for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// MarkRead upserts the read-status row for one message. Re-marking
// refreshes ReadAt rather than duplicating the row.
func (t *Tracker) MarkRead(ctx context.Context, messageID domain.MessageID, userID domain.UserID,
	actx contract.AuditContext) (domain.MessageReadStatus, error) {

	if _, err := t.repo.FindMessageByID(ctx, messageID); err != nil {
		return domain.MessageReadStatus{}, err
	}

	row := domain.MessageReadStatus{MessageID: messageID, UserID: userID, ReadAt: t.now().UTC()}
	if err := t.repo.UpsertReadStatuses(ctx, []domain.MessageReadStatus{row}); err != nil {
		return domain.MessageReadStatus{}, err
	}

	t.audit.Record(service, fmt.Sprintf("Message %s marked read by %s", messageID, userID),
		contract.AuditInfo, actx)
	return row, nil
}

// MarkAllRead upserts read-status rows for every message in the chat
// that the user has not read and did not send, all sharing one ReadAt.
// The returned ids are exactly what was unread at call time; an empty
// result means the caller must not emit any fan-out event.
func (t *Tracker) MarkAllRead(ctx context.Context, chatID domain.ChatID, userID domain.UserID,
	actx contract.AuditContext) ([]domain.MessageID, time.Time, error) {

	unread, err := t.unreadMessageIDs(ctx, chatID, userID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(unread) == 0 {
		return nil, t.now().UTC(), nil
	}

	readAt := t.now().UTC()
	rows := make([]domain.MessageReadStatus, 0, len(unread))
	for _, id := range unread {
		rows = append(rows, domain.MessageReadStatus{MessageID: id, UserID: userID, ReadAt: readAt})
	}
	if err := t.repo.UpsertReadStatuses(ctx, rows); err != nil {
		return nil, time.Time{}, err
	}

	t.audit.Record(service, fmt.Sprintf("%d messages in chat %s marked read by %s", len(unread), chatID, userID),
		contract.AuditInfo, actx)
	return unread, readAt, nil
}

// UnreadCount counts messages in the chat authored by someone else and
// lacking a read-status row for the user.
func (t *Tracker) UnreadCount(ctx context.Context, chatID domain.ChatID, userID domain.UserID) (int, error) {
	unread, err := t.unreadMessageIDs(ctx, chatID, userID)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// UnreadCountsForUser computes unread counts across every chat the user
// participates in. Chats with nothing unread are omitted entirely.
func (t *Tracker) UnreadCountsForUser(ctx context.Context, userID domain.UserID) (map[domain.ChatID]int, error) {
	chats, err := t.repo.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.ChatID]int)
	for _, chat := range chats {
		n, err := t.UnreadCount(ctx, chat.ID, userID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			counts[chat.ID] = n
		}
	}
	return counts, nil
}

func (t *Tracker) unreadMessageIDs(ctx context.Context, chatID domain.ChatID, userID domain.UserID) ([]domain.MessageID, error) {
	messages, err := t.repo.FindMessages(ctx, chatID, contract.MessageFilter{ExcludeSender: userID})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	ids := make([]domain.MessageID, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}

	statuses, err := t.repo.FindReadStatuses(ctx, ids, userID)
	if err != nil {
		return nil, err
	}
	read := make(map[domain.MessageID]struct{}, len(statuses))
	for _, s := range statuses {
		read[s.MessageID] = struct{}{}
	}

	var unread []domain.MessageID
	for _, id := range ids {
		if _, ok := read[id]; !ok {
			unread = append(unread, id)
		}
	}
	return unread, nil
}
