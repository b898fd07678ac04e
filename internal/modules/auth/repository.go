// Package auth implements the User/Session entities of spec.md §3. Token
// format and bcrypt cost tuning are a declared non-goal (spec.md §1); this
// package just needs identity and ownership checks to work.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vaticlabs/vatic/internal/domain"
	"github.com/vaticlabs/vatic/internal/storedb"
)

// ErrNotFound is returned when a user or session row does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists Users and Sessions.
type Repository struct {
	db *storedb.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *storedb.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a new user row.
func (r *Repository) CreateUser(ctx context.Context, u domain.User) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO users (id, email, password_hash, is_admin, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.IsAdmin, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user with the given email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var u domain.User
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetUserByID returns the user with the given id.
func (r *Repository) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, email, password_hash, is_admin, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s domain.Session) error {
	_, err := r.db.Pool().Exec(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ($1, $2, $3)`,
		s.Token, s.UserID, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given token, if present and
// unexpired.
func (r *Repository) GetSession(ctx context.Context, token string) (domain.Session, error) {
	var s domain.Session
	err := r.db.Pool().QueryRow(ctx,
		`SELECT token, user_id, expires_at FROM sessions WHERE token = $1`, token).
		Scan(&s.Token, &s.UserID, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	if !s.Valid(time.Now()) {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}
