package data

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Organization is the tenant boundary. Settings cap what its members may
// upload; owner_id stays null until the creating user's row exists.
type Organization struct {
	ID             string
	Name           string
	Slug           string
	OwnerID        *string
	MaxStorageGB   int
	MaxVideoSizeMB int
	AllowedFormats []string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OrganizationModel struct {
	DB DBTX
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases and hyphenates a display name into a URL-safe slug.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Create inserts the organization, generating the id and slug when unset.
// A taken slug surfaces as ErrSlugDuplicate.
func (m OrganizationModel) Create(ctx context.Context, o *Organization) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Slug == "" {
		o.Slug = Slugify(o.Name)
	}
	query := `
		INSERT INTO organizations (id, name, slug, owner_id, max_storage_gb, max_video_size_mb, allowed_formats, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := m.DB.QueryRowContext(ctx, query,
		o.ID, o.Name, o.Slug, o.OwnerID, o.MaxStorageGB, o.MaxVideoSizeMB, pq.Array(o.AllowedFormats), o.Active,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "organizations_slug_key") {
			return ErrSlugDuplicate
		}
		return err
	}
	return nil
}

func (m OrganizationModel) GetByID(ctx context.Context, id string) (*Organization, error) {
	query := `
		SELECT id, name, slug, owner_id, max_storage_gb, max_video_size_mb, allowed_formats, active, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, id))
}

func (m OrganizationModel) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	query := `
		SELECT id, name, slug, owner_id, max_storage_gb, max_video_size_mb, allowed_formats, active, created_at, updated_at
		FROM organizations
		WHERE slug = $1
	`
	return m.scanOne(m.DB.QueryRowContext(ctx, query, slug))
}

// SetOwner fills owner_id once the creating user's row exists.
func (m OrganizationModel) SetOwner(ctx context.Context, orgID, userID string) error {
	query := `
		UPDATE organizations
		SET owner_id = $1, updated_at = NOW()
		WHERE id = $2
	`
	res, err := m.DB.ExecContext(ctx, query, userID, orgID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrOrgNotFound
	}
	return nil
}

func (m OrganizationModel) scanOne(row *sql.Row) (*Organization, error) {
	var o Organization
	var owner sql.NullString
	err := row.Scan(
		&o.ID, &o.Name, &o.Slug, &owner, &o.MaxStorageGB, &o.MaxVideoSizeMB,
		pq.Array(&o.AllowedFormats), &o.Active, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOrgNotFound
		}
		return nil, err
	}
	if owner.Valid {
		o.OwnerID = &owner.String
	}
	return &o, nil
}
