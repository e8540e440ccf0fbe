package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrConflict         = errors.New("auth: user with email or username already exists")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrInvalidToken     = errors.New("auth: invalid token")
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrRefreshReused    = errors.New("auth: refresh token is expired or used")
	ErrRefreshMismatch  = errors.New("auth: stored refresh token changed")
	ErrWrongOldPassword = errors.New("auth: invalid old password")
	ErrTooManyAttempts  = errors.New("auth: too many failed login attempts")

	// ErrInvalidCredentials is what callers outside the service should match on;
	// the two causes below stay distinguishable for audit logs.
	ErrInvalidCredentials = errors.New("auth: invalid user credentials")
	ErrUserNotFound       = fmt.Errorf("%w: user does not exist", ErrInvalidCredentials)
	ErrWrongPassword      = fmt.Errorf("%w: password mismatch", ErrInvalidCredentials)
)
