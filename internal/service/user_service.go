package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fetchd/internal/domain"
	"fetchd/internal/repository"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRegistrationPassword is returned when the shared secret does not match.
	ErrInvalidRegistrationPassword = errors.New("invalid registration password")
	// ErrUserAlreadyExists reports a case-insensitive username clash.
	ErrUserAlreadyExists = errors.New("user already exists")
)

const minPasswordLength = 8

// UserService manages the operators allowed to drive the engine API. New
// operators need the registration secret from the server configuration.
type UserService interface {
	Register(ctx context.Context, username, password, providedSecret string) (*domain.User, error)
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
}

type userService struct {
	users          repository.UserRepository
	registerSecret []byte
	// bcrypt cost; tests lower it
	cost int
}

func NewUserService(users repository.UserRepository, registerSecret string) UserService {
	return &userService{
		users:          users,
		registerSecret: []byte(strings.TrimSpace(registerSecret)),
		cost:           bcrypt.DefaultCost,
	}
}

func validateRegistration(username, password string) error {
	switch {
	case username == "":
		return errors.New("username is required")
	case strings.ContainsAny(username, " \t\r\n"):
		return errors.New("username must not contain whitespace")
	case password == "":
		return errors.New("password is required")
	case len(password) < minPasswordLength:
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func (s *userService) Register(ctx context.Context, username, password, providedSecret string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if err := validateRegistration(username, password); err != nil {
		return nil, err
	}
	if len(s.registerSecret) == 0 {
		return nil, errors.New("registration secret is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(providedSecret)), s.registerSecret) != 1 {
		return nil, ErrInvalidRegistrationPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{Username: username, PasswordHash: string(hash)}
	if _, err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}
	return user.Public(), nil
}

// Authenticate checks a password and records the login time.
func (s *userService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil, ErrInvalidCredentials
	case err != nil:
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	if err := s.users.TouchLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now
	return user.Public(), nil
}

func (s *userService) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}
