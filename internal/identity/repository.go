package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists users.
type Repository interface {
	Create(ctx context.Context, user User) error
	FindByPhone(ctx context.Context, phone string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	RecordLogin(ctx context.Context, id, deviceID, tier string, at time.Time) error
	UpdateTokenVersion(ctx context.Context, id string, version int) error
}

const uniqueViolation = "23505"

const selectUser = `SELECT id, phone, tier, pin_hash, device_id, token_version, created_at, last_login_at FROM users`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed identity repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new user.
func (r *PostgresRepository) Create(ctx context.Context, user User) error {
	userID, err := uuid.Parse(user.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO users (id, phone, tier, pin_hash, device_id, token_version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, userID, user.Phone, user.Tier, user.PINHash, user.DeviceID, user.TokenVersion, user.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrUserExists
	}
	return err
}

// FindByPhone fetches a user by phone number.
func (r *PostgresRepository) FindByPhone(ctx context.Context, phone string) (User, error) {
	return scanUser(r.db.QueryRow(ctx, selectUser+` WHERE phone = $1`, phone))
}

// FindByID fetches a user by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrUserNotFound
	}
	return scanUser(r.db.QueryRow(ctx, selectUser+` WHERE id = $1`, userID))
}

// RecordLogin stores the bound device, current tier and login time.
func (r *PostgresRepository) RecordLogin(ctx context.Context, id, deviceID, tier string, at time.Time) error {
	return r.exec(ctx, `UPDATE users SET device_id = $1, tier = $2, last_login_at = $3 WHERE id = $4`, id, deviceID, tier, at.UTC())
}

// UpdateTokenVersion replaces the token version, invalidating tokens minted with older versions.
func (r *PostgresRepository) UpdateTokenVersion(ctx context.Context, id string, version int) error {
	return r.exec(ctx, `UPDATE users SET token_version = $1 WHERE id = $2`, id, version)
}

func (r *PostgresRepository) exec(ctx context.Context, query, id string, args ...any) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrUserNotFound
	}
	cmd, err := r.db.Exec(ctx, query, append(args, userID)...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		id        uuid.UUID
		createdAt time.Time
		user      User
	)
	if err := row.Scan(&id, &user.Phone, &user.Tier, &user.PINHash, &user.DeviceID, &user.TokenVersion, &createdAt, &user.LastLoginAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	user.ID = id.String()
	user.CreatedAt = createdAt.UTC()
	return user, nil
}
