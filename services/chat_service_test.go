package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"rescue-chat/access"
	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/domain/event"
	"rescue-chat/errors"
	"rescue-chat/mocks"
)

type stubAuthorizer struct {
	decision  access.Decision
	err       error
	statusErr error
}

func (s stubAuthorizer) Authorize(context.Context, domain.UserID, domain.ChatID, contract.AuditContext) (access.Decision, error) {
	return s.decision, s.err
}

func (s stubAuthorizer) AuthorizeStatusChange(context.Context, domain.UserID, domain.Chat, domain.ChatStatus, contract.AuditContext) error {
	return s.statusErr
}

type stubTracker struct {
	marked []domain.MessageID
	readAt time.Time
	row    domain.MessageReadStatus
	counts map[domain.ChatID]int
	err    error
}

func (s stubTracker) MarkRead(context.Context, domain.MessageID, domain.UserID, contract.AuditContext) (domain.MessageReadStatus, error) {
	return s.row, s.err
}

func (s stubTracker) MarkAllRead(context.Context, domain.ChatID, domain.UserID, contract.AuditContext) ([]domain.MessageID, time.Time, error) {
	return s.marked, s.readAt, s.err
}

func (s stubTracker) UnreadCountsForUser(context.Context, domain.UserID) (map[domain.ChatID]int, error) {
	return s.counts, s.err
}

type fixture struct {
	service   *ChatService
	repo      *mocks.MockChatRepository
	identity  *mocks.MockIdentityDirectory
	hub       *mocks.MockEventHub
	moderator *mocks.MockModerator
}

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, authorizer Authorizer, tracker ReadTracker) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockChatRepository(ctrl)
	identity := mocks.NewMockIdentityDirectory(ctrl)
	hub := mocks.NewMockEventHub(ctrl)
	moderator := mocks.NewMockModerator(ctrl)
	auditLog := mocks.NewMockAuditLogger(ctrl)
	auditLog.EXPECT().Record(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()

	seq := 0
	svc := NewChatService(repo, identity, authorizer, tracker, hub, moderator, auditLog, testLogger()).
		WithClock(func() time.Time { return frozen }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		})
	return fixture{service: svc, repo: repo, identity: identity, hub: hub, moderator: moderator}
}

func TestChatService_CreateChat(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}

	t.Run("should persist the chat and the initiator participant together", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().
			CreateChat(ctx, gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, chat domain.Chat, initial domain.ChatParticipant) (domain.Chat, error) {
				req.Equal(domain.StatusActive, chat.Status)
				req.Equal(chat.ID, initial.ChatID)
				req.Equal(domain.RoleUser, initial.Role)
				req.Equal(domain.UserID("u1"), initial.UserID)
				req.Equal(frozen, chat.CreatedAt)
				return chat, nil
			})

		chat, err := f.service.CreateChat(ctx, CreateChatCommand{
			UserID:        "u1",
			RescueID:      "r1",
			ApplicationID: "app-1",
		}, actx)

		req.NoError(err)
		req.Equal(domain.RescueID("r1"), chat.RescueID)
	})

	t.Run("should reject a command without a rescue", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		_, err := f.service.CreateChat(ctx, CreateChatCommand{UserID: "u1"}, actx)

		req.ErrorIs(err, errors.ErrValidation)
	})
}

func TestChatService_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}
	chat := domain.Chat{ID: "c1", RescueID: "r1", Status: domain.StatusActive}

	t.Run("should mask chats outside the rescue scope as not found", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).Return(chat, nil)

		other := domain.RescueID("r2")
		_, err := f.service.UpdateStatus(ctx, UpdateStatusCommand{
			ChatID:       "c1",
			Status:       domain.StatusArchived,
			ActingUserID: "u1",
			RescueScope:  &other,
		}, actx)

		req.ErrorIs(err, errors.ErrNotFound)
	})

	t.Run("should persist and fan out a granted change", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).Return(chat, nil)
		f.repo.EXPECT().UpdateChat(ctx, gomock.Any()).
			DoAndReturn(func(_ context.Context, c domain.Chat) (domain.Chat, error) {
				req.Equal(domain.StatusArchived, c.Status)
				req.Equal(frozen, c.UpdatedAt)
				return c, nil
			})
		f.hub.EXPECT().EmitChatUpdate(gomock.Any()).
			Do(func(evt event.ChatUpdated) {
				req.Equal(domain.ChatID("c1"), evt.ChatID)
				req.Equal(domain.StatusArchived, evt.Status)
				req.Equal(domain.UserID("u1"), evt.UpdatedBy)
			})

		updated, err := f.service.UpdateStatus(ctx, UpdateStatusCommand{
			ChatID:       "c1",
			Status:       domain.StatusArchived,
			ActingUserID: "u1",
		}, actx)

		req.NoError(err)
		req.Equal(domain.StatusArchived, updated.Status)
	})

	t.Run("should propagate a sub-policy denial without persisting", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{statusErr: errors.ErrForbidden}, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).Return(chat, nil)

		_, err := f.service.UpdateStatus(ctx, UpdateStatusCommand{
			ChatID:       "c1",
			Status:       domain.StatusLocked,
			ActingUserID: "u1",
		}, actx)

		req.ErrorIs(err, errors.ErrForbidden)
	})

	t.Run("should reject an unknown status", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		_, err := f.service.UpdateStatus(ctx, UpdateStatusCommand{
			ChatID:       "c1",
			Status:       "frozen",
			ActingUserID: "u1",
		}, actx)

		req.ErrorIs(err, errors.ErrValidation)
	})
}

func TestChatService_DeleteChat(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}
	chat := domain.Chat{ID: "c1", RescueID: "r1"}

	t.Run("should cascade messages before the chat row for admins", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).Return(chat, nil)
		f.identity.EXPECT().RolesForUser(ctx, domain.UserID("admin-1")).Return([]string{"admin"}, nil)
		gomock.InOrder(
			f.repo.EXPECT().DeleteMessagesByChat(ctx, domain.ChatID("c1")).Return(nil),
			f.repo.EXPECT().DeleteChat(ctx, domain.ChatID("c1")).Return(nil),
		)

		req.NoError(f.service.DeleteChat(ctx, "c1", "admin-1", actx))
	})

	t.Run("should forbid everyone else", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).Return(chat, nil)
		f.identity.EXPECT().RolesForUser(ctx, domain.UserID("u1")).Return([]string{"user"}, nil)

		req.ErrorIs(f.service.DeleteChat(ctx, "c1", "u1", actx), errors.ErrForbidden)
	})

	t.Run("should report a missing chat before any role check", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("nope")).
			Return(domain.Chat{}, errors.ErrNotFound)

		req.ErrorIs(f.service.DeleteChat(ctx, "nope", "admin-1", actx), errors.ErrNotFound)
	})
}

func TestChatService_SendMessage(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}
	granted := stubAuthorizer{decision: access.Decision{Granted: true}}

	t.Run("should censor content, persist and fan out", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, granted, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).
			Return(domain.Chat{ID: "c1", Status: domain.StatusActive}, nil)
		f.moderator.EXPECT().Censor("you stupid mutt").Return("you ****** mutt")
		f.repo.EXPECT().CreateMessage(ctx, gomock.Any()).
			DoAndReturn(func(_ context.Context, m domain.Message) (domain.Message, error) {
				req.Equal("you ****** mutt", m.Content)
				req.Equal(domain.UserID("u1"), m.SenderID)
				req.Equal(frozen, m.CreatedAt)
				return m, nil
			})
		f.hub.EXPECT().EmitNewMessage(gomock.Any()).
			Do(func(m domain.Message) {
				req.Equal(domain.ChatID("c1"), m.ChatID)
			})

		msg, err := f.service.SendMessage(ctx, SendMessageCommand{
			ChatID:   "c1",
			SenderID: "u1",
			Content:  "you stupid mutt",
		}, actx)

		req.NoError(err)
		req.Equal("you ****** mutt", msg.Content)
	})

	t.Run("should refuse to post into a locked chat", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, granted, stubTracker{})

		f.repo.EXPECT().FindChatByID(ctx, domain.ChatID("c1")).
			Return(domain.Chat{ID: "c1", Status: domain.StatusLocked}, nil)

		_, err := f.service.SendMessage(ctx, SendMessageCommand{
			ChatID:   "c1",
			SenderID: "u1",
			Content:  "hello",
		}, actx)

		req.ErrorIs(err, errors.ErrForbidden)
	})

	t.Run("should refuse non-members before touching the chat", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		_, err := f.service.SendMessage(ctx, SendMessageCommand{
			ChatID:   "c1",
			SenderID: "stranger",
			Content:  "hello",
		}, actx)

		req.ErrorIs(err, errors.ErrForbidden)
	})

	t.Run("should reject an empty message without attachments", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, granted, stubTracker{})

		_, err := f.service.SendMessage(ctx, SendMessageCommand{ChatID: "c1", SenderID: "u1"}, actx)

		req.ErrorIs(err, errors.ErrValidation)
	})
}

func TestChatService_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}
	msg := domain.Message{ID: "m1", ChatID: "c1", SenderID: "u1"}

	t.Run("should let the sender delete their own message", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m1")).Return(msg, nil)
		f.repo.EXPECT().DeleteMessage(ctx, domain.MessageID("m1")).Return(nil)

		req.NoError(f.service.DeleteMessage(ctx, "m1", "u1", actx))
	})

	t.Run("should let admins delete anyone's message", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m1")).Return(msg, nil)
		f.identity.EXPECT().RolesForUser(ctx, domain.UserID("admin-1")).Return([]string{"admin"}, nil)
		f.repo.EXPECT().DeleteMessage(ctx, domain.MessageID("m1")).Return(nil)

		req.NoError(f.service.DeleteMessage(ctx, "m1", "admin-1", actx))
	})

	t.Run("should forbid other users", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m1")).Return(msg, nil)
		f.identity.EXPECT().RolesForUser(ctx, domain.UserID("u2")).Return([]string{"user"}, nil)

		req.ErrorIs(f.service.DeleteMessage(ctx, "m1", "u2", actx), errors.ErrForbidden)
	})
}

func TestChatService_BulkDeleteMessages(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}

	t.Run("should fail the whole batch when one message belongs to someone else", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.identity.EXPECT().RolesForUser(ctx, domain.UserID("u1")).Return([]string{"user"}, nil)
		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m1")).
			Return(domain.Message{ID: "m1", SenderID: "u1"}, nil)
		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m2")).
			Return(domain.Message{ID: "m2", SenderID: "u2"}, nil)

		err := f.service.BulkDeleteMessages(ctx, []domain.MessageID{"m1", "m2"}, "u1", actx)

		req.ErrorIs(err, errors.ErrForbidden)
	})

	t.Run("should skip ownership checks for admins and dedupe ids", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.identity.EXPECT().RolesForUser(ctx, domain.UserID("admin-1")).Return([]string{"admin"}, nil)
		f.repo.EXPECT().DeleteMessages(ctx, []domain.MessageID{"m1", "m2"}).Return(nil)

		err := f.service.BulkDeleteMessages(ctx, []domain.MessageID{"m1", "m2", "m1"}, "admin-1", actx)

		req.NoError(err)
	})

	t.Run("should treat an empty batch as a no-op", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		req.NoError(f.service.BulkDeleteMessages(ctx, nil, "u1", actx))
	})
}

func TestChatService_MarkAllRead(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}

	t.Run("should emit one batched event for the newly-marked set", func(t *testing.T) {
		req := require.New(t)
		tracker := stubTracker{
			marked: []domain.MessageID{"m1", "m2", "m3"},
			readAt: frozen,
		}
		f := newFixture(t, stubAuthorizer{decision: access.Decision{Granted: true}}, tracker)

		f.hub.EXPECT().EmitReadStatusUpdate(gomock.Any()).
			Do(func(evt event.ReadStatusUpdated) {
				req.Equal(domain.ChatID("c1"), evt.ChatID)
				req.Equal(domain.UserID("u1"), evt.UserID)
				req.Len(evt.MessageIDs, 3)
				req.Equal(frozen, evt.ReadAt)
			}).
			Times(1)

		marked, err := f.service.MarkAllRead(ctx, "c1", "u1", actx)

		req.NoError(err)
		req.Len(marked, 3)
	})

	t.Run("should stay silent when nothing was unread", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{decision: access.Decision{Granted: true}},
			stubTracker{readAt: frozen})

		marked, err := f.service.MarkAllRead(ctx, "c1", "u1", actx)

		req.NoError(err)
		req.Empty(marked)
	})

	t.Run("should grant the owning rescue's staff without a participant row", func(t *testing.T) {
		req := require.New(t)
		tracker := stubTracker{marked: []domain.MessageID{"m1"}, readAt: frozen}
		f := newFixture(t, stubAuthorizer{decision: access.Decision{Granted: true, IsRescueOwner: true}}, tracker)

		f.hub.EXPECT().EmitReadStatusUpdate(gomock.Any()).Times(1)

		marked, err := f.service.MarkAllRead(ctx, "c1", "staff-1", actx)

		req.NoError(err)
		req.Equal([]domain.MessageID{"m1"}, marked)
	})

	t.Run("should refuse callers the chat policy denies", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{marked: []domain.MessageID{"m1"}})

		_, err := f.service.MarkAllRead(ctx, "c1", "stranger", actx)

		req.ErrorIs(err, errors.ErrForbidden)
	})
}

func TestChatService_MarkRead(t *testing.T) {
	ctx := context.Background()
	actx := contract.AuditContext{}

	t.Run("should authorize against the message's chat before marking", func(t *testing.T) {
		req := require.New(t)
		tracker := stubTracker{row: domain.MessageReadStatus{MessageID: "m1", UserID: "staff-1", ReadAt: frozen}}
		f := newFixture(t, stubAuthorizer{decision: access.Decision{Granted: true, IsRescueOwner: true}}, tracker)

		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m1")).
			Return(domain.Message{ID: "m1", ChatID: "c1", SenderID: "other"}, nil)
		f.hub.EXPECT().EmitReadStatusUpdate(gomock.Any()).
			Do(func(evt event.ReadStatusUpdated) {
				req.Equal(domain.ChatID("c1"), evt.ChatID)
				req.Equal([]domain.MessageID{"m1"}, evt.MessageIDs)
			}).
			Times(1)

		row, err := f.service.MarkRead(ctx, "m1", "staff-1", actx)

		req.NoError(err)
		req.Equal(frozen, row.ReadAt)
	})

	t.Run("should refuse callers the chat policy denies", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t, stubAuthorizer{}, stubTracker{})

		f.repo.EXPECT().FindMessageByID(ctx, domain.MessageID("m1")).
			Return(domain.Message{ID: "m1", ChatID: "c1"}, nil)

		_, err := f.service.MarkRead(ctx, "m1", "stranger", actx)

		req.ErrorIs(err, errors.ErrForbidden)
	})
}
