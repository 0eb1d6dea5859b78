package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

func ValidRole(r Role) bool {
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	}
	return false
}

// User belongs to exactly one organization for its whole life. The refresh
// token is stored one-slot as a hash; rotation is a compare-and-swap on it.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	Name             string
	Role             Role
	OrganizationID   string
	Active           bool
	LastLoginAt      *time.Time
	RefreshTokenHash *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type UserModel struct {
	DB DBTX
}

const userColumns = `id, email, password_hash, name, role, organization_id, active, last_login_at, refresh_token_hash, created_at, updated_at`

// Create inserts a new user. A taken email surfaces as ErrEmailDuplicate.
func (m UserModel) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	query := `
		INSERT INTO users (id, email, password_hash, name, role, organization_id, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Role, u.OrganizationID, u.Active,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "users_email_key") {
			return ErrEmailDuplicate
		}
		return err
	}
	return nil
}

// GetByEmail looks a user up by its globally unique, lowercased email.
func (m UserModel) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, email))
}

func (m UserModel) GetByID(ctx context.Context, id string) (*User, error) {
	// No tenant filter; callers compare u.OrganizationID themselves.
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

func (m UserModel) UpdateLastLogin(ctx context.Context, id string) error {
	query := `UPDATE users SET last_login_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// SetRefreshToken overwrites the one-slot refresh token hash (login).
func (m UserModel) SetRefreshToken(ctx context.Context, id, hash string) error {
	query := `UPDATE users SET refresh_token_hash = $1, updated_at = NOW() WHERE id = $2`
	res, err := m.DB.ExecContext(ctx, query, hash, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RotateRefreshToken swaps the slot from oldHash to newHash in one
// compare-and-swap. ErrRefreshReuse means the presented token no longer
// occupies the slot: a replay, or a rotation racing another refresh.
func (m UserModel) RotateRefreshToken(ctx context.Context, id, oldHash, newHash string) error {
	query := `
		UPDATE users
		SET refresh_token_hash = $1, updated_at = NOW()
		WHERE id = $2 AND refresh_token_hash = $3
	`
	res, err := m.DB.ExecContext(ctx, query, newHash, id, oldHash)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRefreshReuse
	}
	return nil
}

// ClearRefreshToken empties the slot (logout, or reuse alarm).
func (m UserModel) ClearRefreshToken(ctx context.Context, id string) error {
	query := `UPDATE users SET refresh_token_hash = NULL, updated_at = NOW() WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

func (m UserModel) scanOne(row *sql.Row) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	var refreshHash sql.NullString
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.OrganizationID,
		&u.Active, &lastLogin, &refreshHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	if refreshHash.Valid {
		u.RefreshTokenHash = &refreshHash.String
	}
	return &u, nil
}
