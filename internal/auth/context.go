package auth

import (
	"context"

	"github.com/dukerupert/goaltrack/internal/model"
)

type contextKey struct{}

// WithUser binds the signed-in user to ctx. Storage backends that partition
// data per user read it back with UserFromContext.
func WithUser(ctx context.Context, u model.UserProfile) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

func UserFromContext(ctx context.Context) (model.UserProfile, bool) {
	u, ok := ctx.Value(contextKey{}).(model.UserProfile)
	if !ok || u.ID == "" {
		return model.UserProfile{}, false
	}
	return u, true
}

// UserID returns the current user's id, or "" for the anonymous local user.
func UserID(ctx context.Context) string {
	u, ok := UserFromContext(ctx)
	if !ok {
		return ""
	}
	return u.ID
}
