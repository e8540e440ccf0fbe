package auth

import "context"

type userContextKey struct{}

// ContextWithUser attaches the authenticated user to the context. Credential
// fields are stripped before storing.
func ContextWithUser(ctx context.Context, user User) context.Context {
	u := user.Sanitized()
	return context.WithValue(ctx, userContextKey{}, &u)
}

// UserFromContext extracts the authenticated user from the context.
func UserFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	v, ok := ctx.Value(userContextKey{}).(*User)
	if !ok || v == nil {
		return User{}, false
	}
	return *v, true
}

// UserIDFromContext returns the authenticated user's ID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	u, ok := UserFromContext(ctx)
	if !ok || u.ID == "" {
		return "", false
	}
	return u.ID, true
}
