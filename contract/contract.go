//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"rescue-chat/domain"
	"rescue-chat/domain/event"
)

// MessageFilter narrows FindMessages. The zero value selects every
// message of the chat in chronological order.
type MessageFilter struct {
	// ExcludeSender drops messages authored by this user (unread math).
	ExcludeSender domain.UserID
	// Limit caps the result set; zero means no cap.
	Limit int
}

// ChatRepository is the persistence collaborator. Implementations must
// provide row-level atomicity for single-row updates and transactional
// atomicity for CreateChat (chat + initial participant) and
// UpsertReadStatuses (bulk). Failures map onto errors.ErrNotFound,
// errors.ErrConstraintViolation and errors.ErrUnavailable.
type ChatRepository interface {
	FindChatByID(ctx context.Context, id domain.ChatID) (domain.Chat, error)
	CreateChat(ctx context.Context, chat domain.Chat, initial domain.ChatParticipant) (domain.Chat, error)
	UpdateChat(ctx context.Context, chat domain.Chat) (domain.Chat, error)
	DeleteChat(ctx context.Context, id domain.ChatID) error
	ListChatsByRescue(ctx context.Context, rescueID domain.RescueID) ([]domain.Chat, error)
	ListChatsByUser(ctx context.Context, userID domain.UserID) ([]domain.Chat, error)

	FindParticipant(ctx context.Context, chatID domain.ChatID, userID domain.UserID, role *domain.ParticipantRole) (domain.ChatParticipant, error)
	ListParticipants(ctx context.Context, chatID domain.ChatID) ([]domain.ChatParticipant, error)
	CreateParticipant(ctx context.Context, p domain.ChatParticipant) (domain.ChatParticipant, error)
	DeleteParticipant(ctx context.Context, chatID domain.ChatID, userID domain.UserID) error

	FindMessageByID(ctx context.Context, id domain.MessageID) (domain.Message, error)
	FindMessages(ctx context.Context, chatID domain.ChatID, filter MessageFilter) ([]domain.Message, error)
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	DeleteMessage(ctx context.Context, id domain.MessageID) error
	DeleteMessages(ctx context.Context, ids []domain.MessageID) error
	DeleteMessagesByChat(ctx context.Context, chatID domain.ChatID) error

	FindReadStatuses(ctx context.Context, messageIDs []domain.MessageID, userID domain.UserID) ([]domain.MessageReadStatus, error)
	UpsertReadStatuses(ctx context.Context, rows []domain.MessageReadStatus) error
}

// IdentityDirectory resolves platform roles and rescue membership.
// Role and ownership can change between calls, so results are never
// cached across requests.
type IdentityDirectory interface {
	RolesForUser(ctx context.Context, userID domain.UserID) ([]string, error)
	// RescueIDForUser returns the empty id when the user belongs to no rescue.
	RescueIDForUser(ctx context.Context, userID domain.UserID) (domain.RescueID, error)
}

type AuditLevel string

const (
	AuditInfo    AuditLevel = "INFO"
	AuditWarning AuditLevel = "WARNING"
	AuditError   AuditLevel = "ERROR"
)

// AuditContext carries per-request provenance, constructed once at the
// boundary and threaded explicitly. Never pulled from ambient storage.
type AuditContext struct {
	Actor     domain.UserID
	IP        string
	UserAgent string
}

// AuditLogger records authorization decisions and state mutations.
// Calls are fire-and-forget: a failing audit write never fails the
// primary operation.
type AuditLogger interface {
	Record(service, message string, level AuditLevel, actx AuditContext)
}

// EventSink is one live connection's intake. Consume must not block
// longer than the hub's delivery timeout.
type EventSink interface {
	Consume(ctx context.Context, e event.ChatEvent) error
}

// EventHub is the fan-out side of the connection hub as seen by the
// service layer: emit-only, no connection management.
type EventHub interface {
	EmitNewMessage(msg domain.Message)
	EmitChatUpdate(evt event.ChatUpdated)
	EmitParticipantUpdate(evt event.ParticipantUpdated)
	EmitReadStatusUpdate(evt event.ReadStatusUpdated)
	SendToUser(userID domain.UserID, name string, data any)
}

// Moderator rewrites user-provided text before it is persisted.
type Moderator interface {
	Censor(original string) string
}

// Worker is a supervised unit of work. Workers don't protect
// themselves; the supervisor recovers their panics.
type Worker interface {
	Run(ctx context.Context) error
}

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// GetWorkerName resolves a worker's type name via reflection, used for
// supervision logs so workers don't have to carry a name themselves.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
