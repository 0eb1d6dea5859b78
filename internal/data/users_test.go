package data_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/technosupport/ts-vod/internal/data"
)

func TestUserCreateDuplicateEmail(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.UserModel{DB: db}
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})

	u := &data.User{Email: "a@x.io", PasswordHash: "h", Name: "A", Role: data.RoleAdmin, OrganizationID: "org-1", Active: true}
	err := m.Create(context.Background(), u)
	if !errors.Is(err, data.ErrEmailDuplicate) {
		t.Errorf("Expected ErrEmailDuplicate, got %v", err)
	}
}

func TestUserCreateAssignsID(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.UserModel{DB: db}
	now := time.Now()
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	u := &data.User{Email: "a@x.io", PasswordHash: "h", Name: "A", Role: data.RoleEditor, OrganizationID: "org-1", Active: true}
	if err := m.Create(context.Background(), u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.ID == "" {
		t.Error("Create should assign an id")
	}
	if u.CreatedAt.IsZero() {
		t.Error("Create should fill created_at")
	}
}

func TestUserGetByEmailNotFound(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.UserModel{DB: db}
	mock.ExpectQuery("SELECT (.+) FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := m.GetByEmail(context.Background(), "missing@x.io")
	if !errors.Is(err, data.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestRotateRefreshTokenReuse(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.UserModel{DB: db}
	// The CAS matches zero rows when the presented hash no longer occupies
	// the slot.
	mock.ExpectExec("UPDATE users").
		WithArgs("new-hash", "user-1", "old-hash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := m.RotateRefreshToken(context.Background(), "user-1", "old-hash", "new-hash")
	if !errors.Is(err, data.ErrRefreshReuse) {
		t.Errorf("Expected ErrRefreshReuse, got %v", err)
	}
}

func TestRotateRefreshTokenSuccess(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	m := data.UserModel{DB: db}
	mock.ExpectExec("UPDATE users").
		WithArgs("new-hash", "user-1", "old-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.RotateRefreshToken(context.Background(), "user-1", "old-hash", "new-hash"); err != nil {
		t.Errorf("RotateRefreshToken: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
