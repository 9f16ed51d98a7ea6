package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
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

// casRetries bounds how often a mutation is replayed after losing a
// compare-and-set race before giving up.
const casRetries = 5

// errNoChange signals that a mutation function decided nothing needs
// writing. The update is skipped without error.
var errNoChange = errors.New("registry: no change")

// Registry tracks observed per-device state: connectivity, sync status,
// and the set of changes owed to each device.
//
// Two writers race on the same records: the reconciliation driver and
// the webhook ingestor. Every mutation therefore goes through a
// compare-and-set cycle against the record version; a losing writer
// re-reads and replays its own logic rather than overwriting.
//
// The online flag is runtime state and resets to offline on restart.
type Registry struct {
	repo    Repository
	cache   map[string]*Device
	cacheMu sync.RWMutex
	logger  Logger
}

// NewRegistry creates a device registry backed by the given repository.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository.
// Devices persisted as in_progress are demoted to pending: any
// operation that was in flight died with the previous process.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i].DeepCopy()
		d.Online = false
		if d.Status == StatusInProgress {
			d.Status = StatusPending
		}
		r.cache[d.ID] = d
	}
	r.cacheMu.Unlock()

	r.logger.Info("device registry loaded", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID as a deep copy.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// ListDevices retrieves all devices as deep copies.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	return r.repo.List(ctx)
}

// CreateDevice registers a new device. New devices start pending so the
// first reconciliation pushes the full payload.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device.Status == "" {
		device.Status = StatusPending
	}
	if !device.Status.Valid() {
		return ErrInvalidStatus
	}
	if device.Type == "" {
		device.Type = TypeIntercom
	}
	if device.PendingChanges == nil {
		device.PendingChanges = []ChangeRef{}
	}
	device.Version = 1

	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device registered", "device_id", device.ID, "type", device.Type)
	return nil
}

// DeleteDevice removes a device. In-flight reconciliation for this
// device sees ErrDeviceNotFound on its next registry write and abandons
// its result.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device removed", "device_id", id)
	return nil
}

// MarkOnline records a device's reachability. Returns the previous
// online state so callers can detect offline-to-online transitions and
// trigger an immediate sync.
//
// A device going offline mid-operation drops from in_progress back to
// pending: the operation is abandoned, not retried in place.
func (r *Registry) MarkOnline(ctx context.Context, id string, online bool) (wasOnline bool, err error) {
	err = r.update(ctx, id, func(d *Device) error {
		wasOnline = d.Online
		if d.Online == online && !(d.Status == StatusInProgress && !online) {
			return errNoChange
		}
		d.Online = online
		if !online && d.Status == StatusInProgress {
			d.Status = StatusPending
		}
		if online {
			// Coming back clears any reboot window early.
			d.RebootingUntil = nil
		}
		return nil
	})
	return wasOnline, err
}

// MarkStatus transitions a device's sync status directly.
//
// in_sync is only accepted for an online device with an empty pending
// set; reconciliation normally reaches it through RecordSyncSuccess.
func (r *Registry) MarkStatus(ctx context.Context, id string, status SyncStatus, errMsg string) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	return r.update(ctx, id, func(d *Device) error {
		switch status {
		case StatusInSync:
			if !d.Online {
				return ErrOfflineInSync
			}
			if len(d.PendingChanges) > 0 {
				return fmt.Errorf("%w: %d changes still pending", ErrInvalidStatus, len(d.PendingChanges))
			}
			d.LastError = ""
			d.PendingSince = nil
		case StatusError:
			d.LastError = errMsg
		case StatusPending:
			if d.PendingSince == nil {
				now := time.Now().UTC()
				d.PendingSince = &now
			}
		case StatusInProgress:
		}
		d.Status = status
		return nil
	})
}

// AddPendingChanges merges change refs into a device's pending set and
// marks it pending. A device mid-operation keeps in_progress; the refs
// simply remain owed after it completes.
func (r *Registry) AddPendingChanges(ctx context.Context, id string, refs []ChangeRef) error {
	if len(refs) == 0 {
		return nil
	}

	return r.update(ctx, id, func(d *Device) error {
		merged := mergeRefs(d.PendingChanges, refs)
		if sameRefs(d.PendingChanges, merged) && d.Status != StatusInSync {
			return errNoChange
		}
		d.PendingChanges = merged
		if d.Status != StatusInProgress {
			d.Status = StatusPending
		}
		if d.PendingSince == nil {
			now := time.Now().UTC()
			d.PendingSince = &now
		}
		return nil
	})
}

// RecordSyncSuccess confirms that the given changes were applied to the
// device. Applied refs leave the pending set; if it empties and the
// device is online, the device becomes in_sync and last_sync advances.
// last_sync never moves backwards.
func (r *Registry) RecordSyncSuccess(ctx context.Context, id string, applied []ChangeRef, at time.Time) error {
	return r.update(ctx, id, func(d *Device) error {
		if d.LastSync == nil || at.After(*d.LastSync) {
			t := at.UTC()
			d.LastSync = &t
		}
		settleRefs(d, applied)
		return nil
	})
}

// SettlePending discharges refs the diff no longer owes, for example a
// change already applied under a newer revision. No device push
// happened, so last_sync does not move.
func (r *Registry) SettlePending(ctx context.Context, id string, applied []ChangeRef) error {
	return r.update(ctx, id, func(d *Device) error {
		settleRefs(d, applied)
		return nil
	})
}

// settleRefs removes applied refs and advances the status machine. An
// emptied pending set becomes in_sync only while the device is
// reachable; anything else stays pending, including changes that
// arrived while the operation ran.
func settleRefs(d *Device, applied []ChangeRef) {
	d.PendingChanges = removeRefs(d.PendingChanges, applied)

	if len(d.PendingChanges) == 0 && d.Online {
		d.Status = StatusInSync
		d.LastError = ""
		d.PendingSince = nil
		return
	}
	d.Status = StatusPending
}

// SetRebootWindow marks the period after a commanded reboot during
// which unreachability is expected.
func (r *Registry) SetRebootWindow(ctx context.Context, id string, until time.Time) error {
	return r.update(ctx, id, func(d *Device) error {
		t := until.UTC()
		d.RebootingUntil = &t
		return nil
	})
}

// ClearRebootWindow removes a device's reboot window once the outcome
// of the reboot is known.
func (r *Registry) ClearRebootWindow(ctx context.Context, id string) error {
	return r.update(ctx, id, func(d *Device) error {
		d.RebootingUntil = nil
		return nil
	})
}

// UpdateDevice applies arbitrary identity edits (name, address, groups,
// enabled) through the compare-and-set cycle.
func (r *Registry) UpdateDevice(ctx context.Context, id string, fn func(*Device)) (*Device, error) {
	var result *Device
	err := r.update(ctx, id, func(d *Device) error {
		fn(d)
		result = d.DeepCopy()
		return nil
	})
	return result, err
}

// update runs one read-modify-write cycle with compare-and-set,
// retrying on version conflicts with a fresh read each time.
func (r *Registry) update(ctx context.Context, id string, fn func(*Device) error) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := r.GetDevice(ctx, id)
		if err != nil {
			return err
		}

		updated := current.DeepCopy()
		if err := fn(updated); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}

		expected := current.Version
		updated.Version = expected + 1

		if err := r.repo.UpdateCAS(ctx, updated, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				// Another writer won; drop the stale cache entry and replay.
				r.invalidate(ctx, id)
				continue
			}
			if errors.Is(err, ErrDeviceNotFound) {
				r.cacheMu.Lock()
				delete(r.cache, id)
				r.cacheMu.Unlock()
			}
			return err
		}

		r.cacheMu.Lock()
		r.cache[id] = updated.DeepCopy()
		r.cacheMu.Unlock()
		return nil
	}

	return fmt.Errorf("%w: gave up after %d attempts", ErrVersionConflict, casRetries)
}

// invalidate refreshes a single cache entry from the repository,
// keeping the runtime online flag from the stale entry.
func (r *Registry) invalidate(ctx context.Context, id string) {
	fresh, err := r.repo.GetByID(ctx, id)
	if err != nil {
		r.cacheMu.Lock()
		delete(r.cache, id)
		r.cacheMu.Unlock()
		return
	}

	r.cacheMu.Lock()
	if prev, ok := r.cache[id]; ok {
		fresh.Online = prev.Online
	}
	r.cache[id] = fresh.DeepCopy()
	r.cacheMu.Unlock()
}

// mergeRefs merges incoming refs into the existing set, keyed by
// kind+user. A newer version replaces an older ref for the same key.
func mergeRefs(existing, incoming []ChangeRef) []ChangeRef {
	byKey := make(map[string]ChangeRef, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))

	for _, ref := range existing {
		byKey[ref.Key()] = ref
		order = append(order, ref.Key())
	}
	for _, ref := range incoming {
		key := ref.Key()
		if prev, ok := byKey[key]; ok {
			if ref.Version > prev.Version {
				byKey[key] = ref
			}
			continue
		}
		byKey[key] = ref
		order = append(order, key)
	}

	out := make([]ChangeRef, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// removeRefs removes applied refs from the pending set. A pending ref
// survives if a newer version of the same change arrived after the
// applied snapshot was taken.
func removeRefs(pending, applied []ChangeRef) []ChangeRef {
	appliedVersion := make(map[string]int64, len(applied))
	for _, ref := range applied {
		appliedVersion[ref.Key()] = ref.Version
	}

	out := make([]ChangeRef, 0, len(pending))
	for _, ref := range pending {
		if v, ok := appliedVersion[ref.Key()]; ok && ref.Version <= v {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// sameRefs reports whether two ref slices hold identical entries in order.
func sameRefs(a, b []ChangeRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
