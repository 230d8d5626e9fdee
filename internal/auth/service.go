// Package auth registers users, verifies their credentials, and issues the
// session tokens that bind a realtime connection to a nickname.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/twis/internal/store"
)

var (
	// ErrValidation is returned when nickname or password is missing.
	ErrValidation = errors.New("nickname and password are required")

	// ErrNicknameTaken is returned when the folded nickname already exists.
	ErrNicknameTaken = errors.New("nickname already taken")

	// ErrInvalidCredentials is returned for an unknown nickname or a wrong
	// password; the two cases are not distinguished.
	ErrInvalidCredentials = errors.New("wrong nickname or password")

	// ErrStorage wraps failures of the underlying store.
	ErrStorage = errors.New("storage failure")
)

// Credentials is the body of both register and login requests.
type Credentials struct {
	Nickname string `json:"nickname" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Session is returned by a successful register or login.
type Session struct {
	Nickname string
	Token    string
}

// UserStore is the subset of the document store used by the service.
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	FindUser(ctx context.Context, nicknameLower string) (store.User, error)
}

// Service implements registration and login.
type Service struct {
	users    UserStore
	tokens   *Tokens
	validate *validator.Validate
}

// NewService creates an auth service over users, issuing tokens with tokens.
func NewService(users UserStore, tokens *Tokens) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		validate: validator.New(),
	}
}

// Tokens exposes the token issuer so the relay can verify connections.
func (s *Service) Tokens() *Tokens {
	return s.tokens
}

func fold(nickname string) string {
	return strings.ToLower(nickname)
}

func (s *Service) check(creds Credentials) error {
	if err := s.validate.Struct(creds); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Register creates a user for creds. The nickname is stored as given and
// indexed by its lowercase form.
func (s *Service) Register(ctx context.Context, creds Credentials) (Session, error) {
	if err := s.check(creds); err != nil {
		return Session{}, err
	}

	hash, err := HashPassword(creds.Password)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	user, err := s.users.CreateUser(ctx, store.User{
		Nickname:      creds.Nickname,
		NicknameLower: fold(creds.Nickname),
		Password:      hash,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return Session{}, ErrNicknameTaken
	case err != nil:
		return Session{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	return s.session(user.Nickname)
}

// Login verifies creds against the stored user. It never modifies the user.
func (s *Service) Login(ctx context.Context, creds Credentials) (Session, error) {
	if err := s.check(creds); err != nil {
		return Session{}, err
	}

	user, err := s.users.FindUser(ctx, fold(creds.Nickname))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Session{}, ErrInvalidCredentials
	case err != nil:
		return Session{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	match, err := ComparePassword(creds.Password, user.Password)
	if err != nil || !match {
		return Session{}, ErrInvalidCredentials
	}

	return s.session(user.Nickname)
}

func (s *Service) session(nickname string) (Session, error) {
	token, err := s.tokens.Issue(nickname)
	if err != nil {
		return Session{}, fmt.Errorf("issue session token: %w", err)
	}
	return Session{Nickname: nickname, Token: token}, nil
}
