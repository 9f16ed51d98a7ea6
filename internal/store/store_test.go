package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu     sync.Mutex
	users  map[string]*User
	groups map[string]*Group

	upsertErr error
	deleteErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		users:  make(map[string]*User),
		groups: make(map[string]*Group),
	}
}

func (m *MockRepository) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u.DeepCopy(), nil
	}
	return nil, ErrUserNotFound
}

func (m *MockRepository) ListUsers(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, *u.DeepCopy())
	}
	return users, nil
}

func (m *MockRepository) UpsertUser(_ context.Context, user *User) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user.DeepCopy()
	return nil
}

func (m *MockRepository) DeleteUser(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *MockRepository) GetGroup(_ context.Context, name string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[name]; ok {
		cpy := *g
		return &cpy, nil
	}
	return nil, ErrGroupNotFound
}

func (m *MockRepository) ListGroups(_ context.Context) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, *g)
	}
	return groups, nil
}

func (m *MockRepository) UpsertGroup(_ context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := *group
	m.groups[group.Name] = &cpy
	return nil
}

func (m *MockRepository) DeleteGroup(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; !ok {
		return ErrGroupNotFound
	}
	delete(m.groups, name)
	return nil
}

func TestUpsertUser_AssignsIDAndVersion(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	prev, err := s.UpsertUser(ctx, &User{Name: "Alice", PIN: "1234"})
	if err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	if prev != nil {
		t.Errorf("UpsertUser() previous = %+v, want nil for new user", prev)
	}

	users, _ := s.ListUsers(ctx)
	if len(users) != 1 {
		t.Fatalf("ListUsers() len = %d, want 1", len(users))
	}
	u := users[0]
	if u.ID == "" {
		t.Error("UpsertUser() did not assign an ID")
	}
	if u.Version != 1 {
		t.Errorf("Version = %d, want 1", u.Version)
	}
	if len(u.Groups) != 1 || u.Groups[0] != DefaultGroup {
		t.Errorf("Groups = %v, want [Default]", u.Groups)
	}
	if u.Source != SourceLocal {
		t.Errorf("Source = %q, want local", u.Source)
	}
}

func TestUpsertUser_Validation(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, &User{Name: "  ", PIN: "1234"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("empty name error = %v, want ErrInvalidName", err)
	}

	if _, err := s.UpsertUser(ctx, &User{Name: "Alice"}); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("no credentials error = %v, want ErrNoCredentials", err)
	}
}

func TestUpsertUser_ReturnsPrevious(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	user := &User{ID: "ha-1", Name: "Alice", PIN: "1234"}
	if _, err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	prev, err := s.UpsertUser(ctx, &User{ID: "ha-1", Name: "Alice B", PIN: "5678"})
	if err != nil {
		t.Fatalf("UpsertUser() second call error = %v", err)
	}
	if prev == nil || prev.Name != "Alice" || prev.PIN != "1234" {
		t.Errorf("previous = %+v, want original Alice record", prev)
	}
}

func TestRevision_Monotonic(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	if s.Revision() != 0 {
		t.Fatalf("initial Revision() = %d, want 0", s.Revision())
	}

	if _, err := s.UpsertUser(ctx, &User{Name: "Alice", PIN: "1234"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	r1 := s.Revision()

	if _, err := s.UpsertUser(ctx, &User{Name: "Bob", CardCode: "C1"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	if s.Revision() <= r1 {
		t.Errorf("Revision() = %d after second mutation, want > %d", s.Revision(), r1)
	}
}

func TestOnChange_FiresWithUnionOfGroups(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	user := &User{ID: "ha-1", Name: "Alice", PIN: "1234", Groups: []string{"Staff"}}
	if _, err := s.UpsertUser(ctx, user); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	if len(changes) != 1 || changes[0].UserID != "ha-1" {
		t.Fatalf("changes = %+v, want one change for ha-1", changes)
	}

	// Moving groups must notify both the old and the new group's devices.
	if _, err := s.SetGroups(ctx, "ha-1", []string{"Residents"}); err != nil {
		t.Fatalf("SetGroups() error = %v", err)
	}
	got := changes[len(changes)-1].Groups
	if !containsGroup(got, "Staff") || !containsGroup(got, "Residents") {
		t.Errorf("change groups = %v, want both Staff and Residents", got)
	}
}

func TestDeleteUser(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, &User{ID: "ha-1", Name: "Alice", PIN: "1234"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	deleted, err := s.DeleteUser(ctx, "ha-1")
	if err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if !deleted {
		t.Error("DeleteUser() = false, want true")
	}

	deleted, err = s.DeleteUser(ctx, "ha-1")
	if err != nil {
		t.Fatalf("DeleteUser() second call error = %v", err)
	}
	if deleted {
		t.Error("DeleteUser() second call = true, want false")
	}
}

func TestCloudUser_ReadOnly(t *testing.T) {
	s := NewStore(NewMockRepository())
	ctx := context.Background()

	cloud := &User{ID: "cl-1", Name: "Cloud Carol", CardCode: "C9", Source: SourceCloud}
	if _, err := s.UpsertUser(ctx, cloud); err != nil {
		t.Fatalf("UpsertUser() cloud import error = %v", err)
	}

	if _, err := s.SetGroups(ctx, "cl-1", []string{"Staff"}); !errors.Is(err, ErrCloudUser) {
		t.Errorf("SetGroups() on cloud user error = %v, want ErrCloudUser", err)
	}
	if _, err := s.DeleteUser(ctx, "cl-1"); !errors.Is(err, ErrCloudUser) {
		t.Errorf("DeleteUser() on cloud user error = %v, want ErrCloudUser", err)
	}
	if _, err := s.UpsertUser(ctx, &User{ID: "cl-1", Name: "Hijack", PIN: "0000"}); !errors.Is(err, ErrCloudUser) {
		t.Errorf("UpsertUser() local over cloud error = %v, want ErrCloudUser", err)
	}
}

func TestEnsureGroups_ImplicitCreation(t *testing.T) {
	repo := NewMockRepository()
	s := NewStore(repo)
	ctx := context.Background()

	if _, err := s.UpsertUser(ctx, &User{Name: "Alice", PIN: "1234", Groups: []string{"Gym"}}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	if _, err := repo.GetGroup(ctx, "Gym"); err != nil {
		t.Errorf("group Gym not created implicitly: %v", err)
	}
}

func TestDeleteGroup_ProtectsDefault(t *testing.T) {
	s := NewStore(NewMockRepository())

	if err := s.DeleteGroup(context.Background(), DefaultGroup); !errors.Is(err, ErrDefaultGroup) {
		t.Errorf("DeleteGroup(Default) error = %v, want ErrDefaultGroup", err)
	}
}

func TestNormaliseGroups(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty falls back to default", nil, []string{DefaultGroup}},
		{"dedupe and sort", []string{"Staff", "Gym", "Staff"}, []string{"Gym", "Staff"}},
		{"trims whitespace", []string{" Staff ", ""}, []string{"Staff"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normaliseGroups(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("normaliseGroups(%v) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("normaliseGroups(%v) = %v, want %v", tt.in, got, tt.want)
					break
				}
			}
		})
	}
}

func containsGroup(groups []string, name string) bool {
	for _, g := range groups {
		if g == name {
			return true
		}
	}
	return false
}
