package auth

import (
	"context"

	"rescue-chat/domain"
	"rescue-chat/errors"
)

type contextKey string

const claimsKey contextKey = "auth_claims"

// ContextWithClaims stashes verified claims for the rest of the
// request. Only the auth middleware writes this key.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// ClaimsDirectory answers identity questions from the caller's own
// verified token. It can only speak for the requesting user: asking
// about anyone else is an authentication error, which keeps a caller
// from ever borrowing someone else's roles.
type ClaimsDirectory struct{}

func NewClaimsDirectory() ClaimsDirectory { return ClaimsDirectory{} }

func (ClaimsDirectory) RolesForUser(ctx context.Context, userID domain.UserID) ([]string, error) {
	claims, err := callerClaims(ctx, userID)
	if err != nil {
		return nil, err
	}
	return claims.Roles, nil
}

func (ClaimsDirectory) RescueIDForUser(ctx context.Context, userID domain.UserID) (domain.RescueID, error) {
	claims, err := callerClaims(ctx, userID)
	if err != nil {
		return "", err
	}
	return domain.RescueID(claims.RescueID), nil
}

func callerClaims(ctx context.Context, userID domain.UserID) (*Claims, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.UserID != string(userID) {
		return nil, errors.ErrUnauthenticated
	}
	return claims, nil
}
