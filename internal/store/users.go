package store

import (
	"context"

	"github.com/spec-kit/ticket-sync/internal/domain"
	"github.com/spec-kit/ticket-sync/internal/persistence"
)

// UserStore defines persistence access for operator accounts.
type UserStore interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

type userStore struct {
	pool *persistence.Pool
}

// NewUserStore returns a Postgres-backed implementation.
func NewUserStore(pool *persistence.Pool) UserStore {
	return &userStore{pool: pool}
}

func (s *userStore) Create(ctx context.Context, user *domain.User) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(ctx, conn)

	const query = `
        INSERT INTO users (id, name, email, password_hash)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at, updated_at`
	return conn.QueryRow(ctx, query,
		user.ID,
		user.Name,
		user.Email,
		user.PasswordHash,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
}

func (s *userStore) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return s.fetch(ctx, "id", id)
}

func (s *userStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.fetch(ctx, "email", email)
}

func (s *userStore) fetch(ctx context.Context, column, value string) (*domain.User, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(ctx, conn)

	query := `
        SELECT id, name, email, password_hash, created_at, updated_at
        FROM users WHERE ` + column + ` = $1`
	var user domain.User
	if err := conn.QueryRow(ctx, query, value).Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}
