package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the devices table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'intercom',
			address TEXT NOT NULL,
			groups TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			last_sync TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			pending_changes TEXT NOT NULL DEFAULT '[]',
			pending_since TEXT,
			rebooting_until TEXT,
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

func sqliteDevice(id string) *Device {
	return &Device{
		ID:             id,
		Name:           "Front Door",
		Type:           TypeIntercom,
		Address:        "192.168.1.50",
		Groups:         []string{"Default"},
		Enabled:        true,
		Status:         StatusPending,
		PendingChanges: []ChangeRef{},
		Version:        1,
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, sqliteDevice("front-door")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "front-door")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Front Door" || got.Status != StatusPending {
		t.Errorf("GetByID() = %+v, want Front Door/pending", got)
	}

	if err := repo.Create(ctx, sqliteDevice("front-door")); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Create() duplicate error = %v, want ErrDeviceExists", err)
	}
}

func TestSQLiteRepository_UpdateCAS(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	device := sqliteDevice("front-door")
	if err := repo.Create(ctx, device); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Winning write at the expected version
	device.Status = StatusInProgress
	device.Version = 2
	if err := repo.UpdateCAS(ctx, device, 1); err != nil {
		t.Fatalf("UpdateCAS() error = %v", err)
	}

	// Losing write against the stale version
	stale := sqliteDevice("front-door")
	stale.Status = StatusError
	stale.Version = 2
	if err := repo.UpdateCAS(ctx, stale, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("UpdateCAS() stale error = %v, want ErrVersionConflict", err)
	}

	got, err := repo.GetByID(ctx, "front-door")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusInProgress || got.Version != 2 {
		t.Errorf("got %q v%d, want in_progress v2", got.Status, got.Version)
	}
}

func TestSQLiteRepository_RoundTripsTimes(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	device := sqliteDevice("front-door")
	lastSync := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	device.LastSync = &lastSync
	device.PendingChanges = []ChangeRef{{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3}}

	if err := repo.Create(ctx, device); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "front-door")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.LastSync == nil || !got.LastSync.Equal(lastSync) {
		t.Errorf("LastSync = %v, want %v", got.LastSync, lastSync)
	}
	if len(got.PendingChanges) != 1 || got.PendingChanges[0].UserID != "ha-1" {
		t.Errorf("PendingChanges = %+v, want the ha-1 ref", got.PendingChanges)
	}
}

func TestSQLiteRepository_Delete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, sqliteDevice("front-door")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, "front-door"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, "front-door"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID() after delete error = %v, want ErrDeviceNotFound", err)
	}
}
