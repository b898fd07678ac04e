package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaticlabs/vatic/internal/apperr"
	"github.com/vaticlabs/vatic/internal/domain"
)

// sessionTTL is the bearer token lifetime (spec.md §1 declares the exact
// token format a non-goal; this package owns only expiry semantics).
const sessionTTL = 30 * 24 * time.Hour

// Service implements registration, login, and session lookup.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// New constructs a Service.
func New(repo *Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log.With().Str("component", "auth").Logger()}
}

// Register creates a user and an initial session.
func (s *Service) Register(ctx context.Context, email, password string) (domain.User, domain.Session, error) {
	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return domain.User{}, domain.Session{}, apperr.Conflict("email already registered")
	} else if !errors.Is(err, ErrNotFound) {
		return domain.User{}, domain.Session{}, apperr.Internal(err, "check existing user")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, domain.Session{}, apperr.Internal(err, "hash password")
	}

	user := domain.User{ID: uuid.NewString(), Email: email, PasswordHash: string(hash), CreatedAt: time.Now().UTC()}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return domain.User{}, domain.Session{}, apperr.Internal(err, "create user")
	}

	session, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, domain.Session{}, err
	}
	return user, session, nil
}

// Login verifies credentials and issues a new session.
func (s *Service) Login(ctx context.Context, email, password string) (domain.User, domain.Session, error) {
	user, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return domain.User{}, domain.Session{}, apperr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return domain.User{}, domain.Session{}, apperr.Internal(err, "load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, domain.Session{}, apperr.Unauthorized("invalid credentials")
	}

	session, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, domain.Session{}, err
	}
	return user, session, nil
}

func (s *Service) issueSession(ctx context.Context, userID string) (domain.Session, error) {
	session := domain.Session{Token: uuid.NewString(), UserID: userID, ExpiresAt: time.Now().Add(sessionTTL)}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return domain.Session{}, apperr.Internal(err, "create session")
	}
	return session, nil
}

// Authenticate resolves a bearer token to its owning user.
func (s *Service) Authenticate(ctx context.Context, token string) (domain.User, error) {
	session, err := s.repo.GetSession(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return domain.User{}, apperr.Unauthorized("invalid or expired session")
	}
	if err != nil {
		return domain.User{}, apperr.Internal(err, "load session")
	}

	user, err := s.repo.GetUserByID(ctx, session.UserID)
	if errors.Is(err, ErrNotFound) {
		return domain.User{}, apperr.Unauthorized("invalid session")
	}
	if err != nil {
		return domain.User{}, apperr.Internal(err, "load user")
	}
	return user, nil
}
