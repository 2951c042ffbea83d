package repository

import (
	"context"
	"database/sql"

	"github.com/bracketsync/server/internal/models"
)

// UserRepository implements UserRepo for PostgreSQL/SQLite
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, display_name, api_key, api_key_hash, password_hash, created_at, is_active
			  FROM users WHERE id = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, email, display_name, api_key, api_key_hash, password_hash, created_at, is_active
			  FROM users WHERE email = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, email))
}

func (r *UserRepository) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*models.User, error) {
	query := `SELECT id, email, display_name, api_key, api_key_hash, password_hash, created_at, is_active
			  FROM users WHERE api_key_hash = $1 AND is_active = true`
	return r.scanUser(r.db.QueryRowContext(ctx, query, apiKeyHash))
}

func (r *UserRepository) GetCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func (r *UserRepository) Add(ctx context.Context, user *models.User) error {
	query := `INSERT INTO users (id, email, display_name, api_key, api_key_hash, password_hash, created_at, is_active)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		user.ID, user.Email, user.DisplayName, user.APIKey, user.APIKeyHash,
		user.PasswordHash, user.CreatedAt, user.IsActive,
	)
	return err
}

// UpdateAPIKeyHash updates a user's API key hash (used for API key rotation)
func (r *UserRepository) UpdateAPIKeyHash(ctx context.Context, id, apiKeyHash string) error {
	query := `UPDATE users SET api_key_hash = $2, api_key = '' WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, apiKeyHash)
	return err
}

// UpdatePasswordHash updates a user's password hash
func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	query := `UPDATE users SET password_hash = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, passwordHash)
	return err
}

func (r *UserRepository) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var passwordHash sql.NullString
	err := row.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.APIKey, &user.APIKeyHash,
		&passwordHash, &user.CreatedAt, &user.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if passwordHash.Valid {
		user.PasswordHash = passwordHash.String
	}
	user.APIKey = "" // Never return API key after creation
	return &user, nil
}
