package data_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/technosupport/ts-vod/internal/data"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme", "acme"},
		{"Acme Corp", "acme-corp"},
		{"  Acme   Corp  ", "acme-corp"},
		{"Acme & Sons, Ltd.", "acme-sons-ltd"},
		{"---", ""},
		{"Üml4ut", "ml4ut"},
	}
	for _, c := range cases {
		if got := data.Slugify(c.in); got != c.want {
			t.Errorf("Slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestOrganizationCreateDuplicateSlug(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.OrganizationModel{DB: db}
	mock.ExpectQuery("INSERT INTO organizations").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "organizations_slug_key"})

	o := &data.Organization{Name: "Acme", MaxStorageGB: 100, MaxVideoSizeMB: 500, AllowedFormats: []string{"mp4"}, Active: true}
	err := m.Create(context.Background(), o)
	if !errors.Is(err, data.ErrSlugDuplicate) {
		t.Errorf("Expected ErrSlugDuplicate, got %v", err)
	}
	if o.Slug != "acme" {
		t.Errorf("Create should derive the slug before inserting, got %q", o.Slug)
	}
}

func TestOrganizationSetOwnerMissing(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.OrganizationModel{DB: db}
	mock.ExpectExec("UPDATE organizations").
		WithArgs("user-1", "org-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.SetOwner(context.Background(), "org-missing", "user-1")
	if !errors.Is(err, data.ErrOrgNotFound) {
		t.Errorf("Expected ErrOrgNotFound, got %v", err)
	}
}
