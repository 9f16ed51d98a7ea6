package coordinator

import (
	"sync"

	"github.com/ashdown-controls/accessfleet/internal/registry"
	"github.com/ashdown-controls/accessfleet/internal/store"
)

// baseline is the coordinator's record of what a device last confirmed
// applied. Diffs run against this, never against the device itself:
// device firmware cannot be trusted to report its own table accurately.
//
// A baseline only moves forward on confirmed full success. A partial
// or failed push leaves it untouched, so the next diff still treats
// the unconfirmed changes as owed.
type baseline struct {
	// revision is the store revision the last diff ran against. When it
	// matches the current revision and nothing is pending, the diff is
	// skipped entirely.
	revision int64

	// users maps user ID to the canonical version confirmed applied.
	users map[string]int64

	// faces maps user ID to the face reference confirmed uploaded.
	faces map[string]string

	// groups maps group name to the canonical version confirmed applied.
	groups map[string]int64
}

func newBaseline() *baseline {
	return &baseline{
		revision: -1,
		users:    make(map[string]int64),
		faces:    make(map[string]string),
		groups:   make(map[string]int64),
	}
}

// baselines holds per-device applied-state records. Writers race
// (tick driver, on-demand triggers), so access is guarded; each
// device's record is replaced wholesale, never mutated in place.
type baselines struct {
	mu sync.Mutex
	m  map[string]*baseline
}

func newBaselines() *baselines {
	return &baselines{m: make(map[string]*baseline)}
}

// get returns the device's baseline, creating an empty one on first use.
func (b *baselines) get(deviceID string) *baseline {
	b.mu.Lock()
	defer b.mu.Unlock()

	bl, ok := b.m[deviceID]
	if !ok {
		bl = newBaseline()
		b.m[deviceID] = bl
	}
	return bl
}

// snapshot returns an independent copy for a reconcile attempt to diff
// and mutate without holding the lock.
func (b *baselines) snapshot(deviceID string) *baseline {
	b.mu.Lock()
	defer b.mu.Unlock()

	bl, ok := b.m[deviceID]
	if !ok {
		return newBaseline()
	}

	cpy := newBaseline()
	cpy.revision = bl.revision
	for k, v := range bl.users {
		cpy.users[k] = v
	}
	for k, v := range bl.faces {
		cpy.faces[k] = v
	}
	for k, v := range bl.groups {
		cpy.groups[k] = v
	}
	return cpy
}

// commit replaces the stored baseline after a confirmed full success.
func (b *baselines) commit(deviceID string, bl *baseline) {
	b.mu.Lock()
	b.m[deviceID] = bl
	b.mu.Unlock()
}

// setRevision records that a diff ran against the given store revision.
func (b *baselines) setRevision(deviceID string, revision int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bl, ok := b.m[deviceID]
	if !ok {
		bl = newBaseline()
		b.m[deviceID] = bl
	}
	bl.revision = revision
}

// invalidate forces the next tick to re-diff the device even if the
// store revision is unchanged. Used by the integrity sweep.
func (b *baselines) invalidate(deviceID string) {
	b.setRevision(deviceID, -1)
}

// forget drops a deleted device's record.
func (b *baselines) forget(deviceID string) {
	b.mu.Lock()
	delete(b.m, deviceID)
	b.mu.Unlock()
}

// desiredState is the full payload a device should hold: every user
// whose groups intersect the device's group list, plus the definitions
// of the groups the device serves.
type desiredState struct {
	users  []store.User
	groups []store.Group
}

// computeDesired projects canonical state onto one device.
func computeDesired(users []store.User, groups []store.Group, device *registry.Device) desiredState {
	var d desiredState
	for _, u := range users {
		if u.InAnyGroup(device.Groups) {
			d.users = append(d.users, u)
		}
	}
	for _, g := range groups {
		for _, dg := range device.Groups {
			if g.Name == dg {
				d.groups = append(d.groups, g)
				break
			}
		}
	}
	return d
}

// diff computes the minimal change set between desired state and the
// device's baseline. force skips the comparison and owes everything.
func diff(desired desiredState, bl *baseline, force bool) []registry.ChangeRef {
	var refs []registry.ChangeRef

	desiredIDs := make(map[string]struct{}, len(desired.users))
	for _, u := range desired.users {
		desiredIDs[u.ID] = struct{}{}

		if force || bl.users[u.ID] != u.Version {
			refs = append(refs, registry.ChangeRef{
				Kind:    registry.ChangeUserUpsert,
				UserID:  u.ID,
				Version: u.Version,
			})
		}
		if u.FaceRef != "" && (force || bl.faces[u.ID] != u.FaceRef) {
			refs = append(refs, registry.ChangeRef{
				Kind:    registry.ChangeFaceUpload,
				UserID:  u.ID,
				Version: u.Version,
			})
		}
	}

	for id := range bl.users {
		if _, ok := desiredIDs[id]; !ok {
			refs = append(refs, registry.ChangeRef{
				Kind:   registry.ChangeUserDelete,
				UserID: id,
			})
		}
	}

	for _, g := range desired.groups {
		// Implicitly created groups start at version 0, so absence from
		// the baseline owes the group even when versions match.
		v, known := bl.groups[g.Name]
		if force || !known || v != g.Version {
			refs = append(refs, registry.ChangeRef{
				Kind:    registry.ChangeGroupUpdate,
				UserID:  g.Name,
				Version: g.Version,
			})
		}
	}

	return refs
}
