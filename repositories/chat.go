// Package repositories persists chats, participants, messages and
// read-status rows in BadgerDB. Rows are CBOR-encoded; keys are laid
// out so every listing is a single prefix scan.
package repositories

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/errors"
)

// Key layout:
//
//	chat:{chat_id}                          -> diskChat
//	chat-rescue:{rescue_id}:{chat_id}       -> empty (listing index)
//	chat-user:{user_id}:{chat_id}           -> empty (listing index)
//	part:{chat_id}:{user_id}                -> diskParticipant
//	msg:{chat_id}:{timestamp_padded}:{id}   -> diskMessage
//	msgid:{message_id}                      -> message key (id lookup)
//	read:{message_id}:{user_id}             -> diskReadStatus
//
// The 19-digit zero-padded UnixNano in the message key makes a plain
// forward prefix scan return messages in chronological order; the
// trailing uuid disambiguates two messages landing on the same
// nanosecond.
type ChatRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewChatRepository(db *badger.DB, log *slog.Logger) *ChatRepository {
	return &ChatRepository{db: db, log: log}
}

type diskChat struct {
	ID            string `cbor:"id"`
	RescueID      string `cbor:"rescue_id"`
	ApplicationID string `cbor:"application_id,omitempty"`
	Status        string `cbor:"status"`
	CreatedAt     int64  `cbor:"created_at"`
	UpdatedAt     int64  `cbor:"updated_at"`
}

type diskParticipant struct {
	ID         string `cbor:"id"`
	ChatID     string `cbor:"chat_id"`
	UserID     string `cbor:"user_id"`
	Role       string `cbor:"role"`
	LastReadAt *int64 `cbor:"last_read_at,omitempty"`
	JoinedAt   int64  `cbor:"joined_at"`
}

type diskAttachment struct {
	ID       string `cbor:"id"`
	Filename string `cbor:"filename"`
	MimeType string `cbor:"mime_type"`
	Size     int64  `cbor:"size"`
	URL      string `cbor:"url"`
}

type diskMessage struct {
	ID          string           `cbor:"id"`
	ChatID      string           `cbor:"chat_id"`
	SenderID    string           `cbor:"sender_id"`
	Content     string           `cbor:"content"`
	Attachments []diskAttachment `cbor:"attachments,omitempty"`
	CreatedAt   int64            `cbor:"created_at"`
}

type diskReadStatus struct {
	MessageID string `cbor:"message_id"`
	UserID    string `cbor:"user_id"`
	ReadAt    int64  `cbor:"read_at"`
}

func chatKey(id domain.ChatID) []byte { return fmt.Appendf(nil, "chat:%s", id) }

func rescueIndexKey(rescueID domain.RescueID, chatID domain.ChatID) []byte {
	return fmt.Appendf(nil, "chat-rescue:%s:%s", rescueID, chatID)
}

func userIndexKey(userID domain.UserID, chatID domain.ChatID) []byte {
	return fmt.Appendf(nil, "chat-user:%s:%s", userID, chatID)
}

func participantKey(chatID domain.ChatID, userID domain.UserID) []byte {
	return fmt.Appendf(nil, "part:%s:%s", chatID, userID)
}

func messageKey(chatID domain.ChatID, at time.Time, id domain.MessageID) []byte {
	return fmt.Appendf(nil, "msg:%s:%019d:%s", chatID, at.UnixNano(), id)
}

func messageIDKey(id domain.MessageID) []byte { return fmt.Appendf(nil, "msgid:%s", id) }

func readKey(messageID domain.MessageID, userID domain.UserID) []byte {
	return fmt.Appendf(nil, "read:%s:%s", messageID, userID)
}

func (r *ChatRepository) FindChatByID(ctx context.Context, id domain.ChatID) (domain.Chat, error) {
	var row diskChat
	err := r.db.View(func(txn *badger.Txn) error {
		return getRow(txn, chatKey(id), &row)
	})
	if err != nil {
		return domain.Chat{}, mapBadgerErr(err, fmt.Sprintf("chat %s", id))
	}
	return toChat(row), nil
}

// CreateChat writes the chat row, its rescue index and the initiating
// participant in one transaction. Either everything lands or nothing.
func (r *ChatRepository) CreateChat(ctx context.Context, chat domain.Chat,
	initial domain.ChatParticipant) (domain.Chat, error) {

	err := r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(chatKey(chat.ID)); err == nil {
			return fmt.Errorf("%w: chat %s already exists", errors.ErrConstraintViolation, chat.ID)
		}
		if err := setRow(txn, chatKey(chat.ID), fromChat(chat)); err != nil {
			return err
		}
		if err := txn.Set(rescueIndexKey(chat.RescueID, chat.ID), nil); err != nil {
			return err
		}
		if err := setRow(txn, participantKey(chat.ID, initial.UserID), fromParticipant(initial)); err != nil {
			return err
		}
		return txn.Set(userIndexKey(initial.UserID, chat.ID), nil)
	})
	if err != nil {
		return domain.Chat{}, mapBadgerErr(err, fmt.Sprintf("chat %s", chat.ID))
	}
	return chat, nil
}

func (r *ChatRepository) UpdateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error) {
	err := r.db.Update(func(txn *badger.Txn) error {
		var existing diskChat
		if err := getRow(txn, chatKey(chat.ID), &existing); err != nil {
			return err
		}
		return setRow(txn, chatKey(chat.ID), fromChat(chat))
	})
	if err != nil {
		return domain.Chat{}, mapBadgerErr(err, fmt.Sprintf("chat %s", chat.ID))
	}
	return chat, nil
}

// DeleteChat removes the chat row, its indexes and its participants.
// Messages are expected to be gone already via DeleteMessagesByChat.
func (r *ChatRepository) DeleteChat(ctx context.Context, id domain.ChatID) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var row diskChat
		if err := getRow(txn, chatKey(id), &row); err != nil {
			return err
		}
		participants, err := scanParticipants(txn, id)
		if err != nil {
			return err
		}
		for _, p := range participants {
			if err := txn.Delete(participantKey(id, domain.UserID(p.UserID))); err != nil {
				return err
			}
			if err := txn.Delete(userIndexKey(domain.UserID(p.UserID), id)); err != nil {
				return err
			}
		}
		if err := txn.Delete(rescueIndexKey(domain.RescueID(row.RescueID), id)); err != nil {
			return err
		}
		return txn.Delete(chatKey(id))
	})
	return mapBadgerErr(err, fmt.Sprintf("chat %s", id))
}

func (r *ChatRepository) ListChatsByRescue(ctx context.Context, rescueID domain.RescueID) ([]domain.Chat, error) {
	return r.listChatsByIndex(fmt.Sprintf("chat-rescue:%s:", rescueID))
}

func (r *ChatRepository) ListChatsByUser(ctx context.Context, userID domain.UserID) ([]domain.Chat, error) {
	return r.listChatsByIndex(fmt.Sprintf("chat-user:%s:", userID))
}

func (r *ChatRepository) listChatsByIndex(prefixStr string) ([]domain.Chat, error) {
	var chats []domain.Chat
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chatID := domain.ChatID(it.Item().Key()[len(prefix):])
			var row diskChat
			if err := getRow(txn, chatKey(chatID), &row); err != nil {
				// A dangling index entry is data corruption worth surfacing
				return fmt.Errorf("index entry for missing chat %s: %w", chatID, err)
			}
			chats = append(chats, toChat(row))
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err, "chat listing")
	}
	return chats, nil
}

func (r *ChatRepository) FindParticipant(ctx context.Context, chatID domain.ChatID, userID domain.UserID,
	role *domain.ParticipantRole) (domain.ChatParticipant, error) {

	var row diskParticipant
	err := r.db.View(func(txn *badger.Txn) error {
		return getRow(txn, participantKey(chatID, userID), &row)
	})
	if err != nil {
		return domain.ChatParticipant{}, mapBadgerErr(err, fmt.Sprintf("participant %s in chat %s", userID, chatID))
	}
	if role != nil && domain.ParticipantRole(row.Role) != *role {
		return domain.ChatParticipant{}, fmt.Errorf("%w: participant %s in chat %s with role %s",
			errors.ErrNotFound, userID, chatID, *role)
	}
	return toParticipant(row), nil
}

func (r *ChatRepository) ListParticipants(ctx context.Context, chatID domain.ChatID) ([]domain.ChatParticipant, error) {
	var rows []diskParticipant
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		rows, err = scanParticipants(txn, chatID)
		return err
	})
	if err != nil {
		return nil, mapBadgerErr(err, fmt.Sprintf("participants of chat %s", chatID))
	}
	participants := make([]domain.ChatParticipant, 0, len(rows))
	for _, row := range rows {
		participants = append(participants, toParticipant(row))
	}
	return participants, nil
}

func (r *ChatRepository) CreateParticipant(ctx context.Context, p domain.ChatParticipant) (domain.ChatParticipant, error) {
	err := r.db.Update(func(txn *badger.Txn) error {
		var chat diskChat
		if err := getRow(txn, chatKey(p.ChatID), &chat); err != nil {
			return err
		}
		if _, err := txn.Get(participantKey(p.ChatID, p.UserID)); err == nil {
			return fmt.Errorf("%w: user %s already participates in chat %s",
				errors.ErrConstraintViolation, p.UserID, p.ChatID)
		}
		if err := setRow(txn, participantKey(p.ChatID, p.UserID), fromParticipant(p)); err != nil {
			return err
		}
		return txn.Set(userIndexKey(p.UserID, p.ChatID), nil)
	})
	if err != nil {
		return domain.ChatParticipant{}, mapBadgerErr(err, fmt.Sprintf("chat %s", p.ChatID))
	}
	return p, nil
}

func (r *ChatRepository) DeleteParticipant(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		var row diskParticipant
		if err := getRow(txn, participantKey(chatID, userID), &row); err != nil {
			return err
		}
		if err := txn.Delete(participantKey(chatID, userID)); err != nil {
			return err
		}
		return txn.Delete(userIndexKey(userID, chatID))
	})
	return mapBadgerErr(err, fmt.Sprintf("participant %s in chat %s", userID, chatID))
}

func (r *ChatRepository) FindMessageByID(ctx context.Context, id domain.MessageID) (domain.Message, error) {
	var row diskMessage
	err := r.db.View(func(txn *badger.Txn) error {
		key, err := messageKeyByID(txn, id)
		if err != nil {
			return err
		}
		return getRow(txn, key, &row)
	})
	if err != nil {
		return domain.Message{}, mapBadgerErr(err, fmt.Sprintf("message %s", id))
	}
	return toMessage(row), nil
}

// FindMessages scans the chat's messages in chronological order; the
// padded timestamp in the key does the sorting.
func (r *ChatRepository) FindMessages(ctx context.Context, chatID domain.ChatID,
	filter contract.MessageFilter) ([]domain.Message, error) {

	var messages []domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := fmt.Appendf(nil, "msg:%s:", chatID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if filter.Limit > 0 && len(messages) == filter.Limit {
				break
			}
			var row diskMessage
			if err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &row)
			}); err != nil {
				return err
			}
			if filter.ExcludeSender != "" && domain.UserID(row.SenderID) == filter.ExcludeSender {
				continue
			}
			messages = append(messages, toMessage(row))
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err, fmt.Sprintf("messages of chat %s", chatID))
	}
	return messages, nil
}

func (r *ChatRepository) CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	key := messageKey(m.ChatID, m.CreatedAt, m.ID)
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := setRow(txn, key, fromMessage(m)); err != nil {
			return err
		}
		return txn.Set(messageIDKey(m.ID), key)
	})
	if err != nil {
		return domain.Message{}, mapBadgerErr(err, fmt.Sprintf("message %s", m.ID))
	}
	return m, nil
}

func (r *ChatRepository) DeleteMessage(ctx context.Context, id domain.MessageID) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return deleteMessageInTxn(txn, id)
	})
	return mapBadgerErr(err, fmt.Sprintf("message %s", id))
}

func (r *ChatRepository) DeleteMessages(ctx context.Context, ids []domain.MessageID) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := deleteMessageInTxn(txn, id); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBadgerErr(err, "message batch")
}

func (r *ChatRepository) DeleteMessagesByChat(ctx context.Context, chatID domain.ChatID) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		prefix := fmt.Appendf(nil, "msg:%s:", chatID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)

		// Collect first, then close: deleting needs its own iterator for
		// the read-status scan and a RW txn allows only one at a time
		var ids []domain.MessageID
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row diskMessage
			if err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &row)
			}); err != nil {
				it.Close()
				return err
			}
			ids = append(ids, domain.MessageID(row.ID))
		}
		it.Close()

		for _, id := range ids {
			if err := deleteMessageInTxn(txn, id); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBadgerErr(err, fmt.Sprintf("messages of chat %s", chatID))
}

func (r *ChatRepository) FindReadStatuses(ctx context.Context, messageIDs []domain.MessageID,
	userID domain.UserID) ([]domain.MessageReadStatus, error) {

	var rows []domain.MessageReadStatus
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range messageIDs {
			var row diskReadStatus
			err := getRow(txn, readKey(id, userID), &row)
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			rows = append(rows, toReadStatus(row))
		}
		return nil
	})
	if err != nil {
		return nil, mapBadgerErr(err, "read statuses")
	}
	return rows, nil
}

// UpsertReadStatuses writes the whole batch in one transaction. ReadAt
// only ever moves forward: re-reading an already-read message never
// rewinds the recorded time below what another writer already stored.
func (r *ChatRepository) UpsertReadStatuses(ctx context.Context, rows []domain.MessageReadStatus) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		for _, row := range rows {
			key := readKey(row.MessageID, row.UserID)
			var existing diskReadStatus
			err := getRow(txn, key, &existing)
			switch {
			case stderrors.Is(err, badger.ErrKeyNotFound):
				// New row
			case err != nil:
				return err
			case existing.ReadAt >= row.ReadAt.UnixNano():
				continue
			}
			if err := setRow(txn, key, fromReadStatus(row)); err != nil {
				return err
			}
		}
		return nil
	})
	return mapBadgerErr(err, "read statuses")
}

func deleteMessageInTxn(txn *badger.Txn, id domain.MessageID) error {
	key, err := messageKeyByID(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(key); err != nil {
		return err
	}
	if err := txn.Delete(messageIDKey(id)); err != nil {
		return err
	}
	return deleteReadStatusesInTxn(txn, id)
}

// deleteReadStatusesInTxn drops every read-status row of the message so
// deleted messages leave no orphaned read state behind.
func deleteReadStatusesInTxn(txn *badger.Txn, id domain.MessageID) error {
	prefix := fmt.Appendf(nil, "read:%s:", id)
	it := txn.NewIterator(badger.DefaultIteratorOptions)

	// Collect first: deleting under a live iterator is undefined
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func messageKeyByID(txn *badger.Txn, id domain.MessageID) ([]byte, error) {
	item, err := txn.Get(messageIDKey(id))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func scanParticipants(txn *badger.Txn, chatID domain.ChatID) ([]diskParticipant, error) {
	prefix := fmt.Appendf(nil, "part:%s:", chatID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var rows []diskParticipant
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var row diskParticipant
		if err := it.Item().Value(func(value []byte) error {
			return cbor.Unmarshal(value, &row)
		}); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func getRow(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(value []byte) error {
		return cbor.Unmarshal(value, out)
	})
}

func setRow(txn *badger.Txn, key []byte, row any) error {
	bytes, err := cbor.Marshal(row)
	if err != nil {
		return err
	}
	return txn.Set(key, bytes)
}

// mapBadgerErr translates storage failures onto the error taxonomy.
// Errors already carrying a taxonomy sentinel pass through untouched.
func mapBadgerErr(err error, subject string) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errors.ErrNotFound),
		stderrors.Is(err, errors.ErrConstraintViolation):
		return err
	case stderrors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("%w: %s", errors.ErrNotFound, subject)
	case stderrors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %s", errors.ErrConstraintViolation, subject)
	default:
		return fmt.Errorf("%w: %s: %v", errors.ErrUnavailable, subject, err)
	}
}

func fromChat(c domain.Chat) diskChat {
	return diskChat{
		ID:            string(c.ID),
		RescueID:      string(c.RescueID),
		ApplicationID: c.ApplicationID,
		Status:        string(c.Status),
		CreatedAt:     c.CreatedAt.UnixNano(),
		UpdatedAt:     c.UpdatedAt.UnixNano(),
	}
}

func toChat(row diskChat) domain.Chat {
	return domain.Chat{
		ID:            domain.ChatID(row.ID),
		RescueID:      domain.RescueID(row.RescueID),
		ApplicationID: row.ApplicationID,
		Status:        domain.ChatStatus(row.Status),
		CreatedAt:     time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:     time.Unix(0, row.UpdatedAt).UTC(),
	}
}

func fromParticipant(p domain.ChatParticipant) diskParticipant {
	row := diskParticipant{
		ID:       p.ID,
		ChatID:   string(p.ChatID),
		UserID:   string(p.UserID),
		Role:     string(p.Role),
		JoinedAt: p.JoinedAt.UnixNano(),
	}
	if p.LastReadAt != nil {
		nanos := p.LastReadAt.UnixNano()
		row.LastReadAt = &nanos
	}
	return row
}

func toParticipant(row diskParticipant) domain.ChatParticipant {
	p := domain.ChatParticipant{
		ID:       row.ID,
		ChatID:   domain.ChatID(row.ChatID),
		UserID:   domain.UserID(row.UserID),
		Role:     domain.ParticipantRole(row.Role),
		JoinedAt: time.Unix(0, row.JoinedAt).UTC(),
	}
	if row.LastReadAt != nil {
		at := time.Unix(0, *row.LastReadAt).UTC()
		p.LastReadAt = &at
	}
	return p
}

func fromMessage(m domain.Message) diskMessage {
	row := diskMessage{
		ID:        string(m.ID),
		ChatID:    string(m.ChatID),
		SenderID:  string(m.SenderID),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixNano(),
	}
	for _, a := range m.Attachments {
		row.Attachments = append(row.Attachments, diskAttachment{
			ID:       a.ID,
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
			URL:      a.URL,
		})
	}
	return row
}

func toMessage(row diskMessage) domain.Message {
	m := domain.Message{
		ID:        domain.MessageID(row.ID),
		ChatID:    domain.ChatID(row.ChatID),
		SenderID:  domain.UserID(row.SenderID),
		Content:   row.Content,
		CreatedAt: time.Unix(0, row.CreatedAt).UTC(),
	}
	for _, a := range row.Attachments {
		m.Attachments = append(m.Attachments, domain.Attachment{
			ID:       a.ID,
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
			URL:      a.URL,
		})
	}
	return m
}

func fromReadStatus(s domain.MessageReadStatus) diskReadStatus {
	return diskReadStatus{
		MessageID: string(s.MessageID),
		UserID:    string(s.UserID),
		ReadAt:    s.ReadAt.UnixNano(),
	}
}

func toReadStatus(row diskReadStatus) domain.MessageReadStatus {
	return domain.MessageReadStatus{
		MessageID: domain.MessageID(row.MessageID),
		UserID:    domain.UserID(row.UserID),
		ReadAt:    time.Unix(0, row.ReadAt).UTC(),
	}
}
