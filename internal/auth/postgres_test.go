package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var userRowColumns = []string{"id", "username", "email", "full_name", "avatar", "cover_image", "password_hash", "refresh_token", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := NewPGStore(db)
	store.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestPGStoreCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`insert into users`).
		WithArgs(sqlmock.AnyArg(), "alice", "alice@x.com", "Alice", "", "", "hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	u := &User{Username: "Alice", Email: "Alice@x.com", FullName: "Alice", PasswordHash: "hash"}
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" || u.Username != "alice" {
		t.Fatalf("unexpected user after create: %+v", u)
	}

	mock.ExpectExec(`insert into users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})
	if err := store.Create(ctx, &User{Username: "alice", Email: "a@x.com"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreFindByLogin(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select .* from users where username = \$1 or email = \$1 order by \(username = \$1\) desc limit 1`).
		WithArgs("alice@x.com").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "alice", "alice@x.com", "Alice", "", "", "hash", "r1", created, created))
	u, err := store.FindByLogin(ctx, " ALICE@x.com")
	if err != nil {
		t.Fatalf("FindByLogin: %v", err)
	}
	if u.ID != "u1" || u.RefreshToken != "r1" || u.PasswordHash != "hash" {
		t.Fatalf("unexpected user: %+v", u)
	}

	mock.ExpectQuery(`select .* from users where id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreRotateRefreshTokenIsCompareAndSwap(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`update users set refresh_token = \$3, updated_at = \$4 where id = \$1 and refresh_token = \$2`).
		WithArgs("u1", "old", "new", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.RotateRefreshToken(ctx, "u1", "old", "new"); err != nil {
		t.Fatalf("RotateRefreshToken: %v", err)
	}

	mock.ExpectExec(`update users set refresh_token = \$3`).
		WithArgs("u1", "old", "newer", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.RotateRefreshToken(ctx, "u1", "old", "newer"); !errors.Is(err, ErrRefreshMismatch) {
		t.Fatalf("expected ErrRefreshMismatch, got %v", err)
	}

	if err := store.RotateRefreshToken(ctx, "u1", "", "x"); !errors.Is(err, ErrRefreshMismatch) {
		t.Fatalf("empty expected token must not reach the database, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreSetRefreshTokenClearsWithNull(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`update users set refresh_token = \$2, updated_at = \$3 where id = \$1`).
		WithArgs("u1", sql.NullString{}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.SetRefreshToken(ctx, "u1", ""); err != nil {
		t.Fatalf("SetRefreshToken: %v", err)
	}

	mock.ExpectExec(`update users set refresh_token`).
		WithArgs("ghost", sql.NullString{String: "t", Valid: true}, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.SetRefreshToken(ctx, "ghost", "t"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreUpdateAccount(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`update users set full_name = \$2, email = \$3`).
		WithArgs("u1", "Alice B", "new@x.com", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "alice", "new@x.com", "Alice B", "", "", "hash", "", ts, ts))
	u, err := store.UpdateAccount(ctx, "u1", " Alice B ", "NEW@x.com")
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if u.Email != "new@x.com" || u.FullName != "Alice B" {
		t.Fatalf("unexpected user: %+v", u)
	}

	mock.ExpectQuery(`update users set full_name`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	if _, err := store.UpdateAccount(ctx, "u1", "A", "taken@x.com"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec(`update users set password_hash = \$2`).
		WithArgs("u1", "newhash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.UpdatePassword(ctx, "u1", "newhash"); err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
