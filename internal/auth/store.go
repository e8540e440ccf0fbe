package auth

import "context"

// UserStore persists accounts. Lookups return ErrNotFound for unknown users.
type UserStore interface {
	// Create inserts u, assigning an ID when empty. Duplicate username or email → ErrConflict.
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	// FindByLogin matches identifier against username or email.
	FindByLogin(ctx context.Context, identifier string) (*User, error)
	// SetRefreshToken overwrites the stored refresh token; "" clears it.
	SetRefreshToken(ctx context.Context, userID, token string) error
	// RotateRefreshToken replaces expected with next, or returns ErrRefreshMismatch
	// when the stored value is no longer expected.
	RotateRefreshToken(ctx context.Context, userID, expected, next string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateAccount(ctx context.Context, userID, fullName, email string) (*User, error)
}
