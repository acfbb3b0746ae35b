package auth

import (
	"context"

	"github.com/useraccounts/backend/internal/db"
)

type contextKey string

const userContextKey contextKey = "user"

// WithUser attaches the authenticated user to ctx
func WithUser(ctx context.Context, user *db.PublicUser) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the user attached by the middleware, or nil
func UserFromContext(ctx context.Context) *db.PublicUser {
	user, ok := ctx.Value(userContextKey).(*db.PublicUser)
	if !ok {
		return nil
	}
	return user
}
