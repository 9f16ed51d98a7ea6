package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence interface for device records.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, device *Device) error

	// UpdateCAS persists the device only if the stored version still
	// equals expectedVersion. Returns ErrVersionConflict otherwise.
	// The device's Version field must already hold the new version.
	UpdateCAS(ctx context.Context, device *Device, expectedVersion int64) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
//
// The online flag is not persisted: reachability is rediscovered at
// runtime by the probe loop.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, type, address, groups, enabled, sync_status,
	last_sync, last_error, pending_changes, pending_since, rebooting_until,
	version, created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices WHERE id = ?"

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// List retrieves all devices ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := "SELECT " + deviceColumns + " FROM devices ORDER BY name"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	groupsJSON, err := json.Marshal(device.Groups)
	if err != nil {
		return fmt.Errorf("marshalling groups: %w", err)
	}
	pendingJSON, err := json.Marshal(device.PendingChanges)
	if err != nil {
		return fmt.Errorf("marshalling pending changes: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, name, type, address, groups, enabled, sync_status,
			last_sync, last_error, pending_changes, pending_since, rebooting_until,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		string(device.Type),
		device.Address,
		string(groupsJSON),
		boolToInt(device.Enabled),
		string(device.Status),
		nullableTime(device.LastSync),
		device.LastError,
		string(pendingJSON),
		nullableTime(device.PendingSince),
		nullableTime(device.RebootingUntil),
		device.Version,
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateCAS persists the device only if nobody else wrote it first.
func (r *SQLiteRepository) UpdateCAS(ctx context.Context, device *Device, expectedVersion int64) error {
	groupsJSON, err := json.Marshal(device.Groups)
	if err != nil {
		return fmt.Errorf("marshalling groups: %w", err)
	}
	pendingJSON, err := json.Marshal(device.PendingChanges)
	if err != nil {
		return fmt.Errorf("marshalling pending changes: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			name = ?, type = ?, address = ?, groups = ?, enabled = ?,
			sync_status = ?, last_sync = ?, last_error = ?,
			pending_changes = ?, pending_since = ?, rebooting_until = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		string(device.Type),
		device.Address,
		string(groupsJSON),
		boolToInt(device.Enabled),
		string(device.Status),
		nullableTime(device.LastSync),
		device.LastError,
		string(pendingJSON),
		nullableTime(device.PendingSince),
		nullableTime(device.RebootingUntil),
		device.Version,
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Either the device vanished or another writer won the race.
		if _, getErr := r.GetByID(ctx, device.ID); errors.Is(getErr, ErrDeviceNotFound) {
			return ErrDeviceNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a device row into a Device struct.
func scanDevice(row rowScanner) (*Device, error) {
	var (
		d              Device
		devType        string
		groupsJSON     string
		enabled        int
		status         string
		lastSync       sql.NullString
		pendingJSON    string
		pendingSince   sql.NullString
		rebootingUntil sql.NullString
		createdAt      string
		updatedAt      string
	)

	err := row.Scan(
		&d.ID, &d.Name, &devType, &d.Address, &groupsJSON, &enabled, &status,
		&lastSync, &d.LastError, &pendingJSON, &pendingSince, &rebootingUntil,
		&d.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = DeviceType(devType)
	d.Enabled = enabled != 0
	d.Status = SyncStatus(status)

	if err := json.Unmarshal([]byte(groupsJSON), &d.Groups); err != nil {
		return nil, fmt.Errorf("unmarshalling groups: %w", err)
	}
	if err := json.Unmarshal([]byte(pendingJSON), &d.PendingChanges); err != nil {
		return nil, fmt.Errorf("unmarshalling pending changes: %w", err)
	}

	if d.LastSync, err = parseNullableTime(lastSync); err != nil {
		return nil, fmt.Errorf("parsing last_sync: %w", err)
	}
	if d.PendingSince, err = parseNullableTime(pendingSince); err != nil {
		return nil, fmt.Errorf("parsing pending_since: %w", err)
	}
	if d.RebootingUntil, err = parseNullableTime(rebootingUntil); err != nil {
		return nil, fmt.Errorf("parsing rebooting_until: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime handles both RFC3339 and SQLite's default datetime format.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueConstraintError detects SQLite unique constraint violations.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
