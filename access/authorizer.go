// Package access decides whether an identity may act on a chat.
// Decisions depend on roles and participation that can change between
// requests, so nothing here is ever cached.
package access

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"

	"rescue-chat/contract"
	"rescue-chat/domain"
	"rescue-chat/errors"
)

const service = "ChatAccess"

// Decision is the outcome of an access check. Participant is attached
// only when the grant came from an explicit participant row.
type Decision struct {
	Granted       bool
	IsAdmin       bool
	IsRescueOwner bool
	Participant   *domain.ChatParticipant
}

type Authorizer struct {
	repo     contract.ChatRepository
	identity contract.IdentityDirectory
	audit    contract.AuditLogger
	log      *slog.Logger
}

func NewAuthorizer(repo contract.ChatRepository, identity contract.IdentityDirectory,
	audit contract.AuditLogger, log *slog.Logger) *Authorizer {
	return &Authorizer{repo: repo, identity: identity, audit: audit, log: log}
}

// Authorize evaluates, in order: admin role, rescue ownership, explicit
// rescue-role participation, explicit user-role participation. The
// first match wins. A missing chat is reported as errors.ErrNotFound so
// callers don't leak existence.
func (a *Authorizer) Authorize(ctx context.Context, userID domain.UserID, chatID domain.ChatID,
	actx contract.AuditContext) (Decision, error) {

	roles, err := a.identity.RolesForUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving roles for %s: %w", userID, err)
	}
	if slices.Contains(roles, domain.RoleAdmin) {
		a.audit.Record(service, fmt.Sprintf("Admin %s granted access to chat %s", userID, chatID),
			contract.AuditInfo, actx)
		return Decision{Granted: true, IsAdmin: true}, nil
	}

	chat, err := a.repo.FindChatByID(ctx, chatID)
	if err != nil {
		return Decision{}, err
	}

	rescueID, err := a.identity.RescueIDForUser(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolving rescue for %s: %w", userID, err)
	}
	if rescueID != "" && rescueID == chat.RescueID {
		a.audit.Record(service, fmt.Sprintf("Rescue owner %s granted access to chat %s", userID, chatID),
			contract.AuditInfo, actx)
		return Decision{Granted: true, IsRescueOwner: true}, nil
	}

	for _, role := range []domain.ParticipantRole{domain.RoleRescue, domain.RoleUser} {
		p, err := a.findParticipant(ctx, chatID, userID, role)
		if err != nil {
			return Decision{}, err
		}
		if p != nil {
			a.audit.Record(service, fmt.Sprintf("Participant %s (%s) granted access to chat %s", userID, role, chatID),
				contract.AuditInfo, actx)
			return Decision{Granted: true, Participant: p}, nil
		}
	}

	a.log.Debug("Access denied", "user_id", userID, "chat_id", chatID)
	a.audit.Record(service, fmt.Sprintf("User %s denied access to chat %s", userID, chatID),
		contract.AuditWarning, actx)
	return Decision{}, nil
}

// AuthorizeStatusChange applies the stricter status sub-policy:
// locking, and unlocking a locked chat, is admin-only; active/archived
// may also be set by the owning rescue's staff.
func (a *Authorizer) AuthorizeStatusChange(ctx context.Context, userID domain.UserID,
	chat domain.Chat, newStatus domain.ChatStatus, actx contract.AuditContext) error {

	roles, err := a.identity.RolesForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving roles for %s: %w", userID, err)
	}
	if slices.Contains(roles, domain.RoleAdmin) {
		return nil
	}

	if newStatus == domain.StatusLocked || chat.Status == domain.StatusLocked {
		a.audit.Record(service,
			fmt.Sprintf("User %s denied status change %s -> %s on chat %s (admin only)",
				userID, chat.Status, newStatus, chat.ID),
			contract.AuditWarning, actx)
		return errors.ErrForbidden
	}

	rescueID, err := a.identity.RescueIDForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving rescue for %s: %w", userID, err)
	}
	if rescueID == "" || rescueID != chat.RescueID {
		a.audit.Record(service,
			fmt.Sprintf("User %s denied status change on chat %s (not owning rescue)", userID, chat.ID),
			contract.AuditWarning, actx)
		return errors.ErrForbidden
	}
	return nil
}

// findParticipant treats a missing row as a miss, not a failure.
func (a *Authorizer) findParticipant(ctx context.Context, chatID domain.ChatID,
	userID domain.UserID, role domain.ParticipantRole) (*domain.ChatParticipant, error) {

	p, err := a.repo.FindParticipant(ctx, chatID, userID, &role)
	switch {
	case err == nil:
		return &p, nil
	case stderrors.Is(err, errors.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}
