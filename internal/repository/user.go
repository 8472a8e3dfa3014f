package repository

import (
	"context"
	"time"

	"fetchd/internal/domain"
)

// UserRepository stores API operators. Create fails with
// domain.ErrAlreadyExists on a taken username, lookups with domain.ErrNotFound.
type UserRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, user *domain.User) (int64, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	TouchLogin(ctx context.Context, id int64, at time.Time) error
}
