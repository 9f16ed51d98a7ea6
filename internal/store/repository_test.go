package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the canonical tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			pin TEXT NOT NULL DEFAULT '',
			card_code TEXT NOT NULL DEFAULT '',
			face_ref TEXT NOT NULL DEFAULT '',
			groups TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT 'local',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
		CREATE TABLE groups (
			name TEXT PRIMARY KEY,
			schedule TEXT NOT NULL DEFAULT '24/7 Access',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func testUser(id, name string) *User {
	return &User{
		ID:      id,
		Name:    name,
		PIN:     "1234",
		Groups:  []string{DefaultGroup},
		Source:  SourceLocal,
		Version: 1,
	}
}

func TestRepository_UpsertAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	user := testUser("ha-abc123", "Alice")
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	got, err := repo.GetUser(ctx, "ha-abc123")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Name != "Alice" || got.PIN != "1234" {
		t.Errorf("GetUser() = %+v, want Alice/1234", got)
	}
	if len(got.Groups) != 1 || got.Groups[0] != DefaultGroup {
		t.Errorf("GetUser() groups = %v, want [Default]", got.Groups)
	}
}

func TestRepository_UpsertReplaces(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	user := testUser("ha-abc123", "Alice")
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	user.Name = "Alice B"
	user.Version = 2
	if err := repo.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() second call error = %v", err)
	}

	got, err := repo.GetUser(ctx, "ha-abc123")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Name != "Alice B" || got.Version != 2 {
		t.Errorf("GetUser() = %q v%d, want Alice B v2", got.Name, got.Version)
	}
}

func TestRepository_GetUserNotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	_, err := repo.GetUser(context.Background(), "ha-missing")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetUser() error = %v, want ErrUserNotFound", err)
	}
}

func TestRepository_DeleteUser(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.UpsertUser(ctx, testUser("ha-abc123", "Alice")); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	if err := repo.DeleteUser(ctx, "ha-abc123"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}

	if err := repo.DeleteUser(ctx, "ha-abc123"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("DeleteUser() second call error = %v, want ErrUserNotFound", err)
	}
}

func TestRepository_ListUsers(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, u := range []*User{testUser("ha-1", "Carol"), testUser("ha-2", "Bob")} {
		if err := repo.UpsertUser(ctx, u); err != nil {
			t.Fatalf("UpsertUser() error = %v", err)
		}
	}

	users, err := repo.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("ListUsers() len = %d, want 2", len(users))
	}
	// Ordered by name
	if users[0].Name != "Bob" || users[1].Name != "Carol" {
		t.Errorf("ListUsers() order = %s, %s; want Bob, Carol", users[0].Name, users[1].Name)
	}
}

func TestRepository_Groups(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	group := &Group{Name: "Staff", Schedule: "Weekdays"}
	if err := repo.UpsertGroup(ctx, group); err != nil {
		t.Fatalf("UpsertGroup() error = %v", err)
	}

	got, err := repo.GetGroup(ctx, "Staff")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.Schedule != "Weekdays" {
		t.Errorf("GetGroup() schedule = %q, want Weekdays", got.Schedule)
	}

	if err := repo.DeleteGroup(ctx, "Staff"); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if _, err := repo.GetGroup(ctx, "Staff"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("GetGroup() after delete error = %v, want ErrGroupNotFound", err)
	}
}
