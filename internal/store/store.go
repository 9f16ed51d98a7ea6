package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Change describes a canonical mutation for reconciliation listeners.
// Groups carries the union of the user's groups before and after the
// mutation, so every device that served the user (or now serves them)
// can be marked for a diff recompute.
type Change struct {
	UserID  string
	Groups  []string
	Version int64
	Deleted bool
}

// Store is the canonical source of desired state: users, credentials,
// and group memberships. It wraps a Repository with an in-memory cache,
// a monotonic revision counter, and change notification.
//
// The revision increments on every mutation. The reconciler records the
// revision it last diffed against and skips work when nothing moved.
//
// All public methods are thread-safe. Change callbacks run sequentially
// on the mutating goroutine, after the mutation is persisted.
type Store struct {
	repo Repository

	mu       sync.RWMutex
	users    map[string]*User
	groups   map[string]*Group
	revision int64

	callbackMu sync.RWMutex
	onChange   []func(Change)

	logger Logger
}

// NewStore creates a canonical store backed by the given repository.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:   repo,
		users:  make(map[string]*User),
		groups: make(map[string]*Group),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// OnChange registers a callback invoked after every successful user
// mutation. Used by the reconciler to mark affected devices pending.
func (s *Store) OnChange(fn func(Change)) {
	s.callbackMu.Lock()
	s.onChange = append(s.onChange, fn)
	s.callbackMu.Unlock()
}

// notify invokes registered change callbacks outside the store lock.
func (s *Store) notify(change Change) {
	s.callbackMu.RLock()
	callbacks := s.onChange
	s.callbackMu.RUnlock()

	for _, fn := range callbacks {
		fn(change)
	}
}

// RefreshCache reloads all users and groups from the repository.
// Called on application startup.
func (s *Store) RefreshCache(ctx context.Context) error {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	groups, err := s.repo.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*User, len(users))
	for i := range users {
		u := users[i]
		s.users[u.ID] = u.DeepCopy()
		if u.Version > s.revision {
			s.revision = u.Version
		}
	}
	s.groups = make(map[string]*Group, len(groups))
	for i := range groups {
		g := groups[i]
		s.groups[g.Name] = &g
	}

	s.logger.Info("canonical store loaded", "users", len(users), "groups", len(groups))
	return nil
}

// Revision returns the current store revision. It advances on every
// user mutation and never decreases.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// GetUser retrieves a user by ID.
// The returned user is a deep copy; callers can safely modify it.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	cached, ok := s.users[id]
	s.mu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.users[user.ID] = user.DeepCopy()
	s.mu.Unlock()

	return user, nil
}

// ListUsers retrieves all users as deep copies.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.users) > 0 {
		users := make([]User, 0, len(s.users))
		for _, u := range s.users {
			users = append(users, *u.DeepCopy())
		}
		return users, nil
	}

	return s.repo.ListUsers(ctx)
}

// ResolveUser maps a device-reported display name to canonical
// identity. Matching is case-insensitive; devices report names as
// typed at enrolment, which does not always match canonical casing.
// The second return reports whether the user holds any managed
// credential, the third whether the name resolved at all.
func (s *Store) ResolveUser(_ context.Context, name string) (string, bool, bool) {
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return "", false, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.ToLower(u.Name) == target {
			return u.ID, u.HasCredential(), true
		}
	}
	return "", false, false
}

// UpsertUser inserts or updates a user and returns the previous version
// of the record, or nil if the user is new.
//
// Group names are normalised (trimmed, deduplicated, sorted) and any
// unknown groups are created implicitly. An existing cloud-sourced user
// cannot be replaced by a local record.
func (s *Store) UpsertUser(ctx context.Context, user *User) (*User, error) {
	if strings.TrimSpace(user.Name) == "" {
		return nil, ErrInvalidName
	}
	if !user.HasCredential() {
		return nil, ErrNoCredentials
	}

	if user.ID == "" {
		user.ID = NewUserID()
	}
	if user.Source == "" {
		user.Source = SourceLocal
	}
	user.Groups = normaliseGroups(user.Groups)

	s.mu.Lock()
	prev := s.users[user.ID]
	if prev != nil && prev.Source == SourceCloud && user.Source != SourceCloud {
		s.mu.Unlock()
		return nil, ErrCloudUser
	}

	s.revision++
	user.Version = s.revision
	s.mu.Unlock()

	if err := s.ensureGroups(ctx, user.Groups); err != nil {
		return nil, err
	}

	if err := s.repo.UpsertUser(ctx, user); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prevCopy := prev.DeepCopy()
	s.users[user.ID] = user.DeepCopy()
	s.mu.Unlock()

	s.notify(Change{UserID: user.ID, Groups: unionGroups(prevCopy, user), Version: user.Version})
	s.logger.Info("user upserted", "user_id", user.ID, "version", user.Version)

	return prevCopy, nil
}

// DeleteUser removes a user by ID. Returns false if the user did not
// exist. Cloud-sourced users cannot be deleted locally.
func (s *Store) DeleteUser(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	existing := s.users[id]
	s.mu.RUnlock()

	if existing == nil {
		var err error
		existing, err = s.repo.GetUser(ctx, id)
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	if existing.Source == SourceCloud {
		return false, ErrCloudUser
	}

	if err := s.repo.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	delete(s.users, id)
	s.revision++
	rev := s.revision
	s.mu.Unlock()

	s.notify(Change{UserID: id, Groups: existing.Groups, Version: rev, Deleted: true})
	s.logger.Info("user deleted", "user_id", id)

	return true, nil
}

// SetGroups replaces a user's group memberships and returns the updated
// record.
func (s *Store) SetGroups(ctx context.Context, id string, groups []string) (*User, error) {
	return s.mutateUser(ctx, id, func(u *User) {
		u.Groups = normaliseGroups(groups)
	})
}

// SetFaceRef records the face image reference for a user and returns
// the updated record. The image bytes live in the face content area;
// only the stable path is canonical.
func (s *Store) SetFaceRef(ctx context.Context, id string, ref string) (*User, error) {
	return s.mutateUser(ctx, id, func(u *User) {
		u.FaceRef = ref
	})
}

// mutateUser applies fn to a copy of the user, bumps the version, and
// persists the result. Cloud-sourced users are rejected.
func (s *Store) mutateUser(ctx context.Context, id string, fn func(*User)) (*User, error) {
	s.mu.Lock()
	existing, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		// Fall back to the repository before giving up
		repoUser, err := s.repo.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.users[id] = repoUser.DeepCopy()
		existing = s.users[id]
	}
	if existing.Source == SourceCloud {
		s.mu.Unlock()
		return nil, ErrCloudUser
	}

	updated := existing.DeepCopy()
	before := existing.DeepCopy()
	fn(updated)

	s.revision++
	updated.Version = s.revision
	s.mu.Unlock()

	if err := s.ensureGroups(ctx, updated.Groups); err != nil {
		return nil, err
	}

	if err := s.repo.UpsertUser(ctx, updated); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.users[id] = updated.DeepCopy()
	s.mu.Unlock()

	s.notify(Change{UserID: id, Groups: unionGroups(before, updated), Version: updated.Version})

	return updated.DeepCopy(), nil
}

// ListGroups retrieves all groups.
func (s *Store) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.groups) > 0 {
		groups := make([]Group, 0, len(s.groups))
		for _, g := range s.groups {
			groups = append(groups, *g)
		}
		return groups, nil
	}

	return s.repo.ListGroups(ctx)
}

// UpsertGroup inserts or updates a group definition.
func (s *Store) UpsertGroup(ctx context.Context, group *Group) error {
	if strings.TrimSpace(group.Name) == "" {
		return ErrInvalidName
	}

	s.mu.Lock()
	s.revision++
	group.Version = s.revision
	s.mu.Unlock()

	if err := s.repo.UpsertGroup(ctx, group); err != nil {
		return err
	}

	s.mu.Lock()
	g := *group
	s.groups[group.Name] = &g
	s.mu.Unlock()

	return nil
}

// DeleteGroup removes a group. The Default group cannot be deleted.
func (s *Store) DeleteGroup(ctx context.Context, name string) error {
	if name == DefaultGroup {
		return ErrDefaultGroup
	}

	if err := s.repo.DeleteGroup(ctx, name); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.groups, name)
	s.revision++
	s.mu.Unlock()

	return nil
}

// ensureGroups creates any groups referenced by a user that don't yet
// exist, so membership never points at an undefined group.
func (s *Store) ensureGroups(ctx context.Context, names []string) error {
	for _, name := range names {
		s.mu.RLock()
		_, exists := s.groups[name]
		s.mu.RUnlock()
		if exists {
			continue
		}

		group := &Group{Name: name, Schedule: DefaultSchedule}
		if err := s.repo.UpsertGroup(ctx, group); err != nil {
			return fmt.Errorf("creating group %s: %w", name, err)
		}

		s.mu.Lock()
		s.groups[name] = group
		s.mu.Unlock()

		s.logger.Debug("group created implicitly", "group", name)
	}
	return nil
}

// unionGroups merges the group lists of the old and new user records.
func unionGroups(before, after *User) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, u := range []*User{before, after} {
		if u == nil {
			continue
		}
		for _, g := range u.Groups {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}
