package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the persistence interface for canonical state.
// This abstraction allows for different implementations (SQLite, mock)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetUser retrieves a user by ID.
	// Returns ErrUserNotFound if the user does not exist.
	GetUser(ctx context.Context, id string) (*User, error)

	// ListUsers retrieves all users ordered by name.
	ListUsers(ctx context.Context) ([]User, error)

	// UpsertUser inserts or replaces a user record.
	UpsertUser(ctx context.Context, user *User) error

	// DeleteUser removes a user by ID.
	// Returns ErrUserNotFound if the user does not exist.
	DeleteUser(ctx context.Context, id string) error

	// GetGroup retrieves a group by name.
	// Returns ErrGroupNotFound if the group does not exist.
	GetGroup(ctx context.Context, name string) (*Group, error)

	// ListGroups retrieves all groups ordered by name.
	ListGroups(ctx context.Context) ([]Group, error)

	// UpsertGroup inserts or replaces a group record.
	UpsertGroup(ctx context.Context, group *Group) error

	// DeleteGroup removes a group by name.
	// Returns ErrGroupNotFound if the group does not exist.
	DeleteGroup(ctx context.Context, name string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open connection with migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const userColumns = "id, name, pin, card_code, face_ref, groups, source, version, created_at, updated_at"

// GetUser retrieves a user by ID.
func (r *SQLiteRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = ?"

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return user, nil
}

// ListUsers retrieves all users ordered by name.
func (r *SQLiteRepository) ListUsers(ctx context.Context) ([]User, error) {
	query := "SELECT " + userColumns + " FROM users ORDER BY name"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpsertUser inserts or replaces a user record.
func (r *SQLiteRepository) UpsertUser(ctx context.Context, user *User) error {
	groupsJSON, err := json.Marshal(user.Groups)
	if err != nil {
		return fmt.Errorf("marshalling groups: %w", err)
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	query := `
		INSERT INTO users (id, name, pin, card_code, face_ref, groups, source, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			pin = excluded.pin,
			card_code = excluded.card_code,
			face_ref = excluded.face_ref,
			groups = excluded.groups,
			source = excluded.source,
			version = excluded.version,
			updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		user.ID,
		user.Name,
		user.PIN,
		user.CardCode,
		user.FaceRef,
		string(groupsJSON),
		string(user.Source),
		user.Version,
		user.CreatedAt.Format(time.RFC3339),
		user.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// DeleteUser removes a user by ID.
func (r *SQLiteRepository) DeleteUser(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

const groupColumns = "name, schedule, version, created_at, updated_at"

// GetGroup retrieves a group by name.
func (r *SQLiteRepository) GetGroup(ctx context.Context, name string) (*Group, error) {
	query := "SELECT " + groupColumns + " FROM groups WHERE name = ?"

	group, err := scanGroup(r.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("querying group by name: %w", err)
	}
	return group, nil
}

// ListGroups retrieves all groups ordered by name.
func (r *SQLiteRepository) ListGroups(ctx context.Context) ([]Group, error) {
	query := "SELECT " + groupColumns + " FROM groups ORDER BY name"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	var groups []Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		groups = append(groups, *group)
	}
	return groups, rows.Err()
}

// UpsertGroup inserts or replaces a group record.
func (r *SQLiteRepository) UpsertGroup(ctx context.Context, group *Group) error {
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now

	query := `
		INSERT INTO groups (name, schedule, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			schedule = excluded.schedule,
			version = excluded.version,
			updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		group.Name,
		group.Schedule,
		group.Version,
		group.CreatedAt.Format(time.RFC3339),
		group.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group by name.
func (r *SQLiteRepository) DeleteGroup(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM groups WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser scans a user row into a User struct.
func scanUser(row rowScanner) (*User, error) {
	var (
		u          User
		groupsJSON string
		source     string
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(
		&u.ID, &u.Name, &u.PIN, &u.CardCode, &u.FaceRef,
		&groupsJSON, &source, &u.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(groupsJSON), &u.Groups); err != nil {
		return nil, fmt.Errorf("unmarshalling groups: %w", err)
	}
	u.Source = Source(source)

	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &u, nil
}

// scanGroup scans a group row into a Group struct.
func scanGroup(row rowScanner) (*Group, error) {
	var (
		g         Group
		createdAt string
		updatedAt string
	)

	err := row.Scan(&g.Name, &g.Schedule, &g.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &g, nil
}

// parseTime handles both RFC3339 and SQLite's default datetime format,
// since rows inserted by migrations use CURRENT_TIMESTAMP.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
