// Package services orchestrates chat operations: authorization first,
// then persistence, then fan-out. Handlers stay thin and everything
// testable lives here.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"rescue-chat/access"
	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/domain/event"
	"rescue-chat/errors"
)

const service = "ChatService"

// Authorizer is the chat access policy as consumed by the service.
type Authorizer interface {
	Authorize(ctx context.Context, userID domain.UserID, chatID domain.ChatID, actx contract.AuditContext) (access.Decision, error)
	AuthorizeStatusChange(ctx context.Context, userID domain.UserID, chat domain.Chat, newStatus domain.ChatStatus, actx contract.AuditContext) error
}

// ReadTracker is the read-status engine as consumed by the service.
type ReadTracker interface {
	MarkRead(ctx context.Context, messageID domain.MessageID, userID domain.UserID, actx contract.AuditContext) (domain.MessageReadStatus, error)
	MarkAllRead(ctx context.Context, chatID domain.ChatID, userID domain.UserID, actx contract.AuditContext) ([]domain.MessageID, time.Time, error)
	UnreadCountsForUser(ctx context.Context, userID domain.UserID) (map[domain.ChatID]int, error)
}

type CreateChatCommand struct {
	UserID        domain.UserID   `validate:"required"`
	RescueID      domain.RescueID `validate:"required"`
	ApplicationID string
}

type UpdateStatusCommand struct {
	ChatID       domain.ChatID     `validate:"required"`
	Status       domain.ChatStatus `validate:"required"`
	ActingUserID domain.UserID     `validate:"required"`
	// RescueScope restricts the operation to chats of one rescue. A chat
	// outside the scope is reported as not found, never as forbidden.
	RescueScope *domain.RescueID
}

type AddParticipantCommand struct {
	ChatID       domain.ChatID          `validate:"required"`
	UserID       domain.UserID          `validate:"required"`
	Role         domain.ParticipantRole `validate:"required"`
	ActingUserID domain.UserID          `validate:"required"`
}

type SendMessageCommand struct {
	ChatID      domain.ChatID `validate:"required"`
	SenderID    domain.UserID `validate:"required"`
	Content     string        `validate:"required_without=Attachments,max=4000"`
	Attachments []domain.Attachment
}

type ChatService struct {
	repo       contract.ChatRepository
	identity   contract.IdentityDirectory
	authorizer Authorizer
	tracker    ReadTracker
	hub        contract.EventHub
	moderator  contract.Moderator
	audit      contract.AuditLogger
	validate   *validator.Validate
	log        *slog.Logger
	now        func() time.Time
	newID      func() string
}

func NewChatService(
	repo contract.ChatRepository,
	identity contract.IdentityDirectory,
	authorizer Authorizer,
	tracker ReadTracker,
	hub contract.EventHub,
	moderator contract.Moderator,
	audit contract.AuditLogger,
	log *slog.Logger,
) *ChatService {
	return &ChatService{
		repo:       repo,
		identity:   identity,
		authorizer: authorizer,
		tracker:    tracker,
		hub:        hub,
		moderator:  moderator,
		audit:      audit,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// WithClock replaces the time source, for tests.
func (s *ChatService) WithClock(now func() time.Time) *ChatService {
	s.now = now
	return s
}

// WithIDGenerator replaces the id source, for tests.
func (s *ChatService) WithIDGenerator(newID func() string) *ChatService {
	s.newID = newID
	return s
}

// CreateChat persists the chat and the initiating user's participant
// row as one transaction. Both land or neither does.
func (s *ChatService) CreateChat(ctx context.Context, cmd CreateChatCommand,
	actx contract.AuditContext) (domain.Chat, error) {

	if err := s.validate.Struct(cmd); err != nil {
		return domain.Chat{}, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}

	now := s.now().UTC()
	chat := domain.Chat{
		ID:            domain.ChatID(s.newID()),
		RescueID:      cmd.RescueID,
		ApplicationID: cmd.ApplicationID,
		Status:        domain.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	initial := domain.ChatParticipant{
		ID:       s.newID(),
		ChatID:   chat.ID,
		UserID:   cmd.UserID,
		Role:     domain.RoleUser,
		JoinedAt: now,
	}

	created, err := s.repo.CreateChat(ctx, chat, initial)
	if err != nil {
		return domain.Chat{}, err
	}

	s.audit.Record(service, fmt.Sprintf("Chat %s created for rescue %s by %s", created.ID, cmd.RescueID, cmd.UserID),
		contract.AuditInfo, actx)
	return created, nil
}

// GetChat returns the chat and its participants to an authorized caller.
func (s *ChatService) GetChat(ctx context.Context, actingUserID domain.UserID, chatID domain.ChatID,
	actx contract.AuditContext) (domain.Chat, []domain.ChatParticipant, error) {

	if err := s.requireAccess(ctx, actingUserID, chatID, actx); err != nil {
		return domain.Chat{}, nil, err
	}
	chat, err := s.repo.FindChatByID(ctx, chatID)
	if err != nil {
		return domain.Chat{}, nil, err
	}
	participants, err := s.repo.ListParticipants(ctx, chatID)
	if err != nil {
		return domain.Chat{}, nil, err
	}
	return chat, participants, nil
}

// ListChatsByRescue is restricted to admins and the rescue's own staff.
func (s *ChatService) ListChatsByRescue(ctx context.Context, actingUserID domain.UserID,
	rescueID domain.RescueID) ([]domain.Chat, error) {

	admin, err := s.isAdmin(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if !admin {
		owned, err := s.identity.RescueIDForUser(ctx, actingUserID)
		if err != nil {
			return nil, fmt.Errorf("resolving rescue for %s: %w", actingUserID, err)
		}
		if owned == "" || owned != rescueID {
			return nil, errors.ErrForbidden
		}
	}
	return s.repo.ListChatsByRescue(ctx, rescueID)
}

// ListChatsByUser is restricted to admins and the user themself.
func (s *ChatService) ListChatsByUser(ctx context.Context, actingUserID, userID domain.UserID) ([]domain.Chat, error) {
	if actingUserID != userID {
		admin, err := s.isAdmin(ctx, actingUserID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, errors.ErrForbidden
		}
	}
	return s.repo.ListChatsByUser(ctx, userID)
}

// UpdateStatus applies the status sub-policy and fans the change out.
// With a rescue scope, a chat of another rescue reads as not found so
// the call leaks nothing about chats outside the scope.
func (s *ChatService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand,
	actx contract.AuditContext) (domain.Chat, error) {

	if err := s.validate.Struct(cmd); err != nil {
		return domain.Chat{}, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}
	if !cmd.Status.Valid() {
		return domain.Chat{}, fmt.Errorf("%w: unknown status %q", errors.ErrValidation, cmd.Status)
	}

	chat, err := s.repo.FindChatByID(ctx, cmd.ChatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if cmd.RescueScope != nil && chat.RescueID != *cmd.RescueScope {
		return domain.Chat{}, fmt.Errorf("%w: chat %s", errors.ErrNotFound, cmd.ChatID)
	}
	if err := s.authorizer.AuthorizeStatusChange(ctx, cmd.ActingUserID, chat, cmd.Status, actx); err != nil {
		return domain.Chat{}, err
	}

	chat.Status = cmd.Status
	chat.UpdatedAt = s.now().UTC()
	updated, err := s.repo.UpdateChat(ctx, chat)
	if err != nil {
		return domain.Chat{}, err
	}

	s.hub.EmitChatUpdate(event.ChatUpdated{
		ChatID:    updated.ID,
		Status:    updated.Status,
		UpdatedBy: cmd.ActingUserID,
		At:        updated.UpdatedAt,
	})
	s.audit.Record(service, fmt.Sprintf("Chat %s status set to %s by %s", updated.ID, updated.Status, cmd.ActingUserID),
		contract.AuditInfo, actx)
	return updated, nil
}

// DeleteChat removes every message of the chat and then the chat row.
// Admin only, not reversible.
func (s *ChatService) DeleteChat(ctx context.Context, chatID domain.ChatID, actingUserID domain.UserID,
	actx contract.AuditContext) error {

	if _, err := s.repo.FindChatByID(ctx, chatID); err != nil {
		return err
	}
	admin, err := s.isAdmin(ctx, actingUserID)
	if err != nil {
		return err
	}
	if !admin {
		s.audit.Record(service, fmt.Sprintf("User %s denied chat deletion of %s", actingUserID, chatID),
			contract.AuditWarning, actx)
		return errors.ErrForbidden
	}

	if err := s.repo.DeleteMessagesByChat(ctx, chatID); err != nil {
		return err
	}
	if err := s.repo.DeleteChat(ctx, chatID); err != nil {
		return err
	}

	s.audit.Record(service, fmt.Sprintf("Chat %s deleted by admin %s", chatID, actingUserID),
		contract.AuditWarning, actx)
	return nil
}

// AddParticipant is restricted to admins and the owning rescue's staff.
func (s *ChatService) AddParticipant(ctx context.Context, cmd AddParticipantCommand,
	actx contract.AuditContext) (domain.ChatParticipant, error) {

	if err := s.validate.Struct(cmd); err != nil {
		return domain.ChatParticipant{}, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}

	decision, err := s.authorizer.Authorize(ctx, cmd.ActingUserID, cmd.ChatID, actx)
	if err != nil {
		return domain.ChatParticipant{}, err
	}
	if !decision.IsAdmin && !decision.IsRescueOwner {
		return domain.ChatParticipant{}, errors.ErrForbidden
	}

	now := s.now().UTC()
	created, err := s.repo.CreateParticipant(ctx, domain.ChatParticipant{
		ID:       s.newID(),
		ChatID:   cmd.ChatID,
		UserID:   cmd.UserID,
		Role:     cmd.Role,
		JoinedAt: now,
	})
	if err != nil {
		return domain.ChatParticipant{}, err
	}

	s.hub.EmitParticipantUpdate(event.ParticipantUpdated{
		ChatID:      cmd.ChatID,
		Participant: created,
		Change:      event.ParticipantJoined,
		At:          now,
	})
	s.audit.Record(service, fmt.Sprintf("User %s added to chat %s as %s by %s", cmd.UserID, cmd.ChatID, cmd.Role, cmd.ActingUserID),
		contract.AuditInfo, actx)
	return created, nil
}

// RemoveParticipant lets admins, the owning rescue and the participant
// themself remove a participant row.
func (s *ChatService) RemoveParticipant(ctx context.Context, chatID domain.ChatID, userID, actingUserID domain.UserID,
	actx contract.AuditContext) error {

	decision, err := s.authorizer.Authorize(ctx, actingUserID, chatID, actx)
	if err != nil {
		return err
	}
	if !decision.IsAdmin && !decision.IsRescueOwner && actingUserID != userID {
		return errors.ErrForbidden
	}

	removed, err := s.repo.FindParticipant(ctx, chatID, userID, nil)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteParticipant(ctx, chatID, userID); err != nil {
		return err
	}

	s.hub.EmitParticipantUpdate(event.ParticipantUpdated{
		ChatID:      chatID,
		Participant: removed,
		Change:      event.ParticipantLeft,
		At:          s.now().UTC(),
	})
	s.audit.Record(service, fmt.Sprintf("User %s removed from chat %s by %s", userID, chatID, actingUserID),
		contract.AuditInfo, actx)
	return nil
}

// SendMessage moderates, persists and fans out one message. Sending
// into a chat that is not active is forbidden regardless of access.
func (s *ChatService) SendMessage(ctx context.Context, cmd SendMessageCommand,
	actx contract.AuditContext) (domain.Message, error) {

	if err := s.validate.Struct(cmd); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrValidation, err)
	}

	if err := s.requireAccess(ctx, cmd.SenderID, cmd.ChatID, actx); err != nil {
		return domain.Message{}, err
	}
	chat, err := s.repo.FindChatByID(ctx, cmd.ChatID)
	if err != nil {
		return domain.Message{}, err
	}
	if chat.Status != domain.StatusActive {
		return domain.Message{}, fmt.Errorf("%w: chat %s is %s", errors.ErrForbidden, chat.ID, chat.Status)
	}

	created, err := s.repo.CreateMessage(ctx, domain.Message{
		ID:          domain.MessageID(s.newID()),
		ChatID:      cmd.ChatID,
		SenderID:    cmd.SenderID,
		Content:     s.moderator.Censor(cmd.Content),
		Attachments: cmd.Attachments,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return domain.Message{}, err
	}

	s.hub.EmitNewMessage(created)
	return created, nil
}

// GetMessages returns the chat's messages in chronological order.
func (s *ChatService) GetMessages(ctx context.Context, actingUserID domain.UserID, chatID domain.ChatID,
	limit int, actx contract.AuditContext) ([]domain.Message, error) {

	if err := s.requireAccess(ctx, actingUserID, chatID, actx); err != nil {
		return nil, err
	}
	return s.repo.FindMessages(ctx, chatID, contract.MessageFilter{Limit: limit})
}

// DeleteMessage hard-deletes one message. Admins and the sender only.
func (s *ChatService) DeleteMessage(ctx context.Context, messageID domain.MessageID, actingUserID domain.UserID,
	actx contract.AuditContext) error {

	msg, err := s.repo.FindMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actingUserID {
		admin, err := s.isAdmin(ctx, actingUserID)
		if err != nil {
			return err
		}
		if !admin {
			return errors.ErrForbidden
		}
	}
	if err := s.repo.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.audit.Record(service, fmt.Sprintf("Message %s deleted by %s", messageID, actingUserID),
		contract.AuditWarning, actx)
	return nil
}

// BulkDeleteMessages hard-deletes a batch. A non-admin caller must be
// the sender of every message in the batch or the whole call fails;
// partial deletion never happens.
func (s *ChatService) BulkDeleteMessages(ctx context.Context, messageIDs []domain.MessageID,
	actingUserID domain.UserID, actx contract.AuditContext) error {

	if len(messageIDs) == 0 {
		return nil
	}

	admin, err := s.isAdmin(ctx, actingUserID)
	if err != nil {
		return err
	}
	if !admin {
		for _, id := range messageIDs {
			msg, err := s.repo.FindMessageByID(ctx, id)
			if err != nil {
				return err
			}
			if msg.SenderID != actingUserID {
				return fmt.Errorf("%w: message %s", errors.ErrForbidden, id)
			}
		}
	}

	unique := lo.Uniq(messageIDs)
	if err := s.repo.DeleteMessages(ctx, unique); err != nil {
		return err
	}
	s.audit.Record(service, fmt.Sprintf("%d messages deleted by %s", len(unique), actingUserID),
		contract.AuditWarning, actx)
	return nil
}

// MarkRead marks one message read and notifies the chat room. Access
// runs through the chat authorizer, so admins and the owning rescue's
// staff can mark reads without holding a participant row.
func (s *ChatService) MarkRead(ctx context.Context, messageID domain.MessageID, actingUserID domain.UserID,
	actx contract.AuditContext) (domain.MessageReadStatus, error) {

	msg, err := s.repo.FindMessageByID(ctx, messageID)
	if err != nil {
		return domain.MessageReadStatus{}, err
	}
	if err := s.requireAccess(ctx, actingUserID, msg.ChatID, actx); err != nil {
		return domain.MessageReadStatus{}, err
	}
	row, err := s.tracker.MarkRead(ctx, messageID, actingUserID, actx)
	if err != nil {
		return domain.MessageReadStatus{}, err
	}
	s.hub.EmitReadStatusUpdate(event.ReadStatusUpdated{
		ChatID:     msg.ChatID,
		UserID:     actingUserID,
		MessageIDs: []domain.MessageID{messageID},
		ReadAt:     row.ReadAt,
	})
	return row, nil
}

// MarkAllRead marks every unread message in the chat and emits one
// batched event. Nothing unread means nothing emitted.
func (s *ChatService) MarkAllRead(ctx context.Context, chatID domain.ChatID, actingUserID domain.UserID,
	actx contract.AuditContext) ([]domain.MessageID, error) {

	if err := s.requireAccess(ctx, actingUserID, chatID, actx); err != nil {
		return nil, err
	}
	marked, readAt, err := s.tracker.MarkAllRead(ctx, chatID, actingUserID, actx)
	if err != nil {
		return nil, err
	}
	if len(marked) == 0 {
		return nil, nil
	}
	s.hub.EmitReadStatusUpdate(event.ReadStatusUpdated{
		ChatID:     chatID,
		UserID:     actingUserID,
		MessageIDs: marked,
		ReadAt:     readAt,
	})
	return marked, nil
}

// UnreadCounts reports per-chat unread totals for the caller. Chats
// with nothing unread are absent from the map.
func (s *ChatService) UnreadCounts(ctx context.Context, actingUserID domain.UserID) (map[domain.ChatID]int, error) {
	return s.tracker.UnreadCountsForUser(ctx, actingUserID)
}

func (s *ChatService) requireAccess(ctx context.Context, userID domain.UserID, chatID domain.ChatID,
	actx contract.AuditContext) error {

	decision, err := s.authorizer.Authorize(ctx, userID, chatID, actx)
	if err != nil {
		return err
	}
	if !decision.Granted {
		return fmt.Errorf("%w: chat %s", errors.ErrForbidden, chatID)
	}
	return nil
}

func (s *ChatService) isAdmin(ctx context.Context, userID domain.UserID) (bool, error) {
	roles, err := s.identity.RolesForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("resolving roles for %s: %w", userID, err)
	}
	return slices.Contains(roles, domain.RoleAdmin), nil
}
