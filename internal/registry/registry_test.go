package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository with real
// compare-and-set semantics.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device

	// conflictOnce forces one artificial version conflict to exercise
	// the retry path.
	conflictOnce bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{devices: make(map[string]*Device)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d.DeepCopy())
	}
	return devices, nil
}

func (m *MockRepository) Create(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[device.ID]; ok {
		return ErrDeviceExists
	}
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) UpdateCAS(_ context.Context, device *Device, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.devices[device.ID]
	if !ok {
		return ErrDeviceNotFound
	}
	if m.conflictOnce {
		m.conflictOnce = false
		// Simulate another writer bumping the version first.
		current.Version++
		return ErrVersionConflict
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func testDevice(id string) *Device {
	return &Device{
		ID:      id,
		Name:    "Front Door",
		Type:    TypeIntercom,
		Address: "192.168.1.50",
		Groups:  []string{"Default"},
		Enabled: true,
	}
}

func setupRegistry(t *testing.T, devices ...*Device) (*Registry, *MockRepository) {
	t.Helper()
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	ctx := context.Background()
	for _, d := range devices {
		if err := reg.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice(%s) error = %v", d.ID, err)
		}
	}
	return reg, repo
}

func TestCreateDevice_Defaults(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))

	d, err := reg.GetDevice(context.Background(), "front-door")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.Status != StatusPending {
		t.Errorf("Status = %q, want pending for a new device", d.Status)
	}
	if d.Online {
		t.Error("Online = true, want false before first probe")
	}
}

func TestAddPendingChanges_MarksPending(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	refs := []ChangeRef{{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3}}
	if err := reg.AddPendingChanges(ctx, "front-door", refs); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusPending {
		t.Errorf("Status = %q, want pending", d.Status)
	}
	if len(d.PendingChanges) != 1 {
		t.Fatalf("PendingChanges len = %d, want 1", len(d.PendingChanges))
	}
	if d.PendingSince == nil {
		t.Error("PendingSince not set")
	}
}

func TestAddPendingChanges_MergesByKey(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	if err := reg.AddPendingChanges(ctx, "front-door", []ChangeRef{
		{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3},
	}); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}
	// Same change at a newer version replaces the old ref, not duplicates it.
	if err := reg.AddPendingChanges(ctx, "front-door", []ChangeRef{
		{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 5},
		{Kind: ChangeFaceUpload, UserID: "ha-1", Version: 5},
	}); err != nil {
		t.Fatalf("AddPendingChanges() second call error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if len(d.PendingChanges) != 2 {
		t.Fatalf("PendingChanges = %+v, want 2 distinct refs", d.PendingChanges)
	}
	for _, ref := range d.PendingChanges {
		if ref.Kind == ChangeUserUpsert && ref.Version != 5 {
			t.Errorf("user_upsert ref version = %d, want 5", ref.Version)
		}
	}
}

func TestRecordSyncSuccess_InSync(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	refs := []ChangeRef{{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3}}
	if err := reg.AddPendingChanges(ctx, "front-door", refs); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}
	if _, err := reg.MarkOnline(ctx, "front-door", true); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	at := time.Now()
	if err := reg.RecordSyncSuccess(ctx, "front-door", refs, at); err != nil {
		t.Fatalf("RecordSyncSuccess() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusInSync {
		t.Errorf("Status = %q, want in_sync", d.Status)
	}
	if len(d.PendingChanges) != 0 {
		t.Errorf("PendingChanges = %+v, want empty", d.PendingChanges)
	}
	if d.LastSync == nil || !d.LastSync.Equal(at.UTC()) {
		t.Errorf("LastSync = %v, want %v", d.LastSync, at.UTC())
	}
	if d.PendingSince != nil {
		t.Error("PendingSince not cleared after full success")
	}
}

func TestRecordSyncSuccess_OfflineStaysPending(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	refs := []ChangeRef{{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3}}
	if err := reg.AddPendingChanges(ctx, "front-door", refs); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}

	// Device never marked online: even a reported success must not
	// produce in_sync.
	if err := reg.RecordSyncSuccess(ctx, "front-door", refs, time.Now()); err != nil {
		t.Fatalf("RecordSyncSuccess() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status == StatusInSync {
		t.Error("offline device reached in_sync")
	}
}

func TestRecordSyncSuccess_KeepsNewerPending(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	applied := []ChangeRef{{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3}}
	if err := reg.AddPendingChanges(ctx, "front-door", applied); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}
	if _, err := reg.MarkOnline(ctx, "front-door", true); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	// A newer mutation lands while the operation is in flight.
	if err := reg.AddPendingChanges(ctx, "front-door", []ChangeRef{
		{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 7},
	}); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}

	if err := reg.RecordSyncSuccess(ctx, "front-door", applied, time.Now()); err != nil {
		t.Fatalf("RecordSyncSuccess() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusPending {
		t.Errorf("Status = %q, want pending (newer change still owed)", d.Status)
	}
	if len(d.PendingChanges) != 1 || d.PendingChanges[0].Version != 7 {
		t.Errorf("PendingChanges = %+v, want the v7 ref retained", d.PendingChanges)
	}
}

func TestSettlePending_NoLastSyncAdvance(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	refs := []ChangeRef{{Kind: ChangeUserUpsert, UserID: "ha-1", Version: 3}}
	if err := reg.AddPendingChanges(ctx, "front-door", refs); err != nil {
		t.Fatalf("AddPendingChanges() error = %v", err)
	}
	if _, err := reg.MarkOnline(ctx, "front-door", true); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	if err := reg.SettlePending(ctx, "front-door", refs); err != nil {
		t.Fatalf("SettlePending() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusInSync {
		t.Errorf("Status = %q, want in_sync", d.Status)
	}
	if len(d.PendingChanges) != 0 {
		t.Errorf("PendingChanges = %+v, want empty", d.PendingChanges)
	}
	if d.LastSync != nil {
		t.Errorf("LastSync = %v, want untouched: nothing was pushed", d.LastSync)
	}
}

func TestLastSync_Monotonic(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	if _, err := reg.MarkOnline(ctx, "front-door", true); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}

	later := time.Now()
	earlier := later.Add(-time.Hour)

	if err := reg.RecordSyncSuccess(ctx, "front-door", nil, later); err != nil {
		t.Fatalf("RecordSyncSuccess() error = %v", err)
	}
	if err := reg.RecordSyncSuccess(ctx, "front-door", nil, earlier); err != nil {
		t.Fatalf("RecordSyncSuccess() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.LastSync == nil || !d.LastSync.Equal(later.UTC()) {
		t.Errorf("LastSync = %v, want %v (must not move backwards)", d.LastSync, later.UTC())
	}
}

func TestMarkOnline_OfflineAbandonsOperation(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	if _, err := reg.MarkOnline(ctx, "front-door", true); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	if err := reg.MarkStatus(ctx, "front-door", StatusInProgress, ""); err != nil {
		t.Fatalf("MarkStatus() error = %v", err)
	}

	wasOnline, err := reg.MarkOnline(ctx, "front-door", false)
	if err != nil {
		t.Fatalf("MarkOnline(false) error = %v", err)
	}
	if !wasOnline {
		t.Error("wasOnline = false, want true")
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusPending {
		t.Errorf("Status = %q, want pending after going offline mid-operation", d.Status)
	}
}

func TestMarkStatus_InSyncRequiresOnline(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	err := reg.MarkStatus(ctx, "front-door", StatusInSync, "")
	if !errors.Is(err, ErrOfflineInSync) {
		t.Errorf("MarkStatus(in_sync) on offline device error = %v, want ErrOfflineInSync", err)
	}
}

func TestMarkStatus_Error(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	if err := reg.MarkStatus(ctx, "front-door", StatusError, "duplicate card code"); err != nil {
		t.Fatalf("MarkStatus() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusError || d.LastError != "duplicate card code" {
		t.Errorf("got %q/%q, want error status with message", d.Status, d.LastError)
	}
}

func TestUpdate_RetriesOnVersionConflict(t *testing.T) {
	reg, repo := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	repo.conflictOnce = true

	if err := reg.MarkStatus(ctx, "front-door", StatusPending, ""); err != nil {
		t.Fatalf("MarkStatus() error = %v, want retry to absorb the conflict", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if d.Status != StatusPending {
		t.Errorf("Status = %q, want pending", d.Status)
	}
}

func TestDeleteDevice_WriteAfterDeleteFails(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	if err := reg.DeleteDevice(ctx, "front-door"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}

	err := reg.MarkStatus(ctx, "front-door", StatusPending, "")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("MarkStatus() after delete error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRebootWindow(t *testing.T) {
	reg, _ := setupRegistry(t, testDevice("front-door"))
	ctx := context.Background()

	until := time.Now().Add(5 * time.Minute)
	if err := reg.SetRebootWindow(ctx, "front-door", until); err != nil {
		t.Fatalf("SetRebootWindow() error = %v", err)
	}

	d, _ := reg.GetDevice(ctx, "front-door")
	if !d.Rebooting(time.Now()) {
		t.Error("Rebooting() = false inside the window")
	}

	// Coming back online clears the window early.
	if _, err := reg.MarkOnline(ctx, "front-door", true); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	d, _ = reg.GetDevice(ctx, "front-door")
	if d.RebootingUntil != nil {
		t.Error("RebootingUntil not cleared after device came online")
	}
}
