package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"videotube.org/internal/ids"
)

// AttemptLimiter throttles repeated failed logins for one identifier.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

// RetryAfterReporter is implemented by limiters that know how long a key
// stays blocked.
type RetryAfterReporter interface {
	RetryAfter(ctx context.Context, key string) (time.Duration, error)
}

// Metrics receives auth outcomes, e.g. ("login", "success").
type Metrics interface {
	ObserveAuth(operation, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAuth(string, string) {}

// Service implements login, refresh-token rotation, logout and the
// account operations that sit behind the authentication gate.
type Service struct {
	users   UserStore
	tokens  *TokenIssuer
	hasher  Hasher
	limiter AttemptLimiter
	metrics Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher overrides the password hasher (bcrypt by default).
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithAttemptLimiter enables failed-login throttling.
func WithAttemptLimiter(l AttemptLimiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithMetrics installs an outcome sink.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.metrics = m
		}
		return nil
	}
}

// WithLogger sets the logger used for degraded-dependency warnings.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(users UserStore, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if users == nil {
		return nil, errors.New("auth: user store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	hasher, _ := NewHasher(HasherBcrypt)
	svc := &Service{
		users:   users,
		tokens:  tokens,
		hasher:  hasher,
		metrics: noopMetrics{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Register creates a new account.
func (s *Service) Register(ctx context.Context, reg Registration) (User, error) {
	fullName := strings.TrimSpace(reg.FullName)
	email := normalizeHandle(reg.Email)
	username := normalizeHandle(reg.Username)
	if fullName == "" || email == "" || username == "" || strings.TrimSpace(reg.Password) == "" {
		return User{}, fmt.Errorf("%w: all fields are required", ErrInvalidInput)
	}
	if !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	// Login resolves usernames and emails from one field.
	if strings.Contains(username, "@") {
		return User{}, fmt.Errorf("%w: username must not contain @", ErrInvalidInput)
	}
	hash, err := s.hasher.Hash(reg.Password)
	if err != nil {
		return User{}, err
	}
	u := &User{
		Username:     username,
		Email:        email,
		FullName:     fullName,
		Avatar:       strings.TrimSpace(reg.Avatar),
		CoverImage:   strings.TrimSpace(reg.CoverImage),
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		s.metrics.ObserveAuth("register", outcomeOf(err))
		return User{}, err
	}
	s.metrics.ObserveAuth("register", "success")
	return u.Sanitized(), nil
}

// Login verifies credentials, issues a token pair and stores the new refresh
// token, replacing any previous one.
func (s *Service) Login(ctx context.Context, identifier, password string) (TokenPair, User, error) {
	identifier = normalizeHandle(identifier)
	if identifier == "" {
		return TokenPair{}, User{}, fmt.Errorf("%w: username or email is required", ErrInvalidInput)
	}
	if password == "" {
		return TokenPair{}, User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if !s.allowAttempt(ctx, identifier) {
		s.metrics.ObserveAuth("login", "throttled")
		return TokenPair{}, User{}, ErrTooManyAttempts
	}

	user, err := s.users.FindByLogin(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.failAttempt(ctx, identifier)
			s.metrics.ObserveAuth("login", "unknown_user")
			return TokenPair{}, User{}, ErrUserNotFound
		}
		return TokenPair{}, User{}, err
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		s.failAttempt(ctx, identifier)
		s.metrics.ObserveAuth("login", "wrong_password")
		return TokenPair{}, User{}, ErrWrongPassword
	}

	pair, err := s.tokens.IssuePair(*user)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	if err := s.users.SetRefreshToken(ctx, user.ID, pair.RefreshToken); err != nil {
		return TokenPair{}, User{}, fmt.Errorf("store refresh token: %w", err)
	}
	s.resetAttempts(ctx, identifier)
	s.metrics.ObserveAuth("login", "success")
	return pair, user.Sanitized(), nil
}

// Refresh exchanges a valid, current refresh token for a new pair. A token that
// verifies but is not the stored one has already been rotated or revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, User, error) {
	claims, err := s.tokens.ParseRefreshToken(refreshToken)
	if err != nil {
		s.metrics.ObserveAuth("refresh", outcomeOf(err))
		return TokenPair{}, User{}, err
	}
	if !ids.Valid(claims.Subject) {
		s.metrics.ObserveAuth("refresh", "invalid")
		return TokenPair{}, User{}, ErrInvalidToken
	}
	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.ObserveAuth("refresh", "invalid")
			return TokenPair{}, User{}, ErrInvalidToken
		}
		return TokenPair{}, User{}, err
	}
	if !tokensEqual(user.RefreshToken, refreshToken) {
		s.metrics.ObserveAuth("refresh", "reused")
		return TokenPair{}, User{}, ErrRefreshReused
	}

	pair, err := s.tokens.IssuePair(*user)
	if err != nil {
		return TokenPair{}, User{}, err
	}
	if err := s.users.RotateRefreshToken(ctx, user.ID, refreshToken, pair.RefreshToken); err != nil {
		if errors.Is(err, ErrRefreshMismatch) || errors.Is(err, ErrNotFound) {
			s.metrics.ObserveAuth("refresh", "reused")
			return TokenPair{}, User{}, ErrRefreshReused
		}
		return TokenPair{}, User{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	s.metrics.ObserveAuth("refresh", "success")
	return pair, user.Sanitized(), nil
}

// Logout clears the stored refresh token. Outstanding access tokens remain
// valid until they expire.
func (s *Service) Logout(ctx context.Context, userID string) error {
	if err := s.users.SetRefreshToken(ctx, userID, ""); err != nil {
		return err
	}
	s.metrics.ObserveAuth("logout", "success")
	return nil
}

// ChangePassword replaces the password hash after checking the old password.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(user.PasswordHash, oldPassword) {
		s.metrics.ObserveAuth("change_password", "wrong_password")
		return ErrWrongOldPassword
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	s.metrics.ObserveAuth("change_password", "success")
	return nil
}

// Authenticate resolves an access token to the user it was issued for.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (User, error) {
	claims, err := s.tokens.ParseAccessToken(accessToken)
	if err != nil {
		s.metrics.ObserveAuth("authenticate", outcomeOf(err))
		return User{}, err
	}
	if !ids.Valid(claims.Subject) {
		s.metrics.ObserveAuth("authenticate", "invalid")
		return User{}, ErrInvalidToken
	}
	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.ObserveAuth("authenticate", "unknown_user")
			return User{}, ErrInvalidToken
		}
		return User{}, err
	}
	return user.Sanitized(), nil
}

// CurrentUser reloads the user by ID.
func (s *Service) CurrentUser(ctx context.Context, userID string) (User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	return user.Sanitized(), nil
}

// UpdateAccount changes the display name and email.
func (s *Service) UpdateAccount(ctx context.Context, userID, fullName, email string) (User, error) {
	fullName = strings.TrimSpace(fullName)
	email = normalizeHandle(email)
	if fullName == "" || email == "" {
		return User{}, fmt.Errorf("%w: all fields are required", ErrInvalidInput)
	}
	if !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	user, err := s.users.UpdateAccount(ctx, userID, fullName, email)
	if err != nil {
		return User{}, err
	}
	return user.Sanitized(), nil
}

// The limiter fails open: a Redis outage must not lock every user out.
func (s *Service) allowAttempt(ctx context.Context, key string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "login limiter unavailable", "error", err)
		return true
	}
	return ok
}

// LoginRetryAfter reports how long identifier stays throttled. It returns 0
// when the limiter cannot tell.
func (s *Service) LoginRetryAfter(ctx context.Context, identifier string) time.Duration {
	rep, ok := s.limiter.(RetryAfterReporter)
	if !ok {
		return 0
	}
	d, err := rep.RetryAfter(ctx, normalizeHandle(identifier))
	if err != nil {
		s.logger.WarnContext(ctx, "login retry-after lookup", "error", err)
		return 0
	}
	return d
}

func (s *Service) failAttempt(ctx context.Context, key string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Fail(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "record failed login", "error", err)
	}
}

func (s *Service) resetAttempts(ctx context.Context, key string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Reset(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "reset login attempts", "error", err)
	}
}

func tokensEqual(stored, presented string) bool {
	if stored == "" || len(stored) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}
