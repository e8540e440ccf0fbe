package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"videotube.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var _ UserStore = (*PGStore)(nil)

// PGStore implements UserStore using PostgreSQL.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

const userColumns = `id, username, email, full_name, avatar, cover_image, password_hash, coalesce(refresh_token, ''), created_at, updated_at`

func (s *PGStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Username = normalizeHandle(u.Username)
	u.Email = normalizeHandle(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, username, email, full_name, avatar, cover_image, password_hash, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, u.ID, u.Username, u.Email, u.FullName, u.Avatar, u.CoverImage, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *PGStore) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *PGStore) FindByLogin(ctx context.Context, identifier string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username = $1 or email = $1 order by (username = $1) desc limit 1`,
		normalizeHandle(identifier))
	return scanUser(row)
}

func (s *PGStore) SetRefreshToken(ctx context.Context, userID, token string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set refresh_token = $2, updated_at = $3 where id = $1`,
		userID, nullIfEmpty(token), s.now().UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

// RotateRefreshToken is a compare-and-swap: the update only matches while the
// stored token is still expected, so concurrent refreshes cannot both win.
func (s *PGStore) RotateRefreshToken(ctx context.Context, userID, expected, next string) error {
	if expected == "" {
		return ErrRefreshMismatch
	}
	res, err := s.db.ExecContext(ctx,
		`update users set refresh_token = $3, updated_at = $4 where id = $1 and refresh_token = $2`,
		userID, expected, next, s.now().UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrRefreshMismatch)
}

func (s *PGStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash = $2, updated_at = $3 where id = $1`,
		userID, passwordHash, s.now().UTC())
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

func (s *PGStore) UpdateAccount(ctx context.Context, userID, fullName, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		update users set full_name = $2, email = $3, updated_at = $4
		where id = $1
		returning `+userColumns,
		userID, strings.TrimSpace(fullName), normalizeHandle(email), s.now().UTC())
	u, err := scanUser(row)
	if err != nil && isUniqueViolation(err) {
		return nil, ErrConflict
	}
	return u, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FullName, &u.Avatar, &u.CoverImage,
		&u.PasswordHash, &u.RefreshToken, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
