package coordinator

import (
	"context"
	"time"

	"github.com/ashdown-controls/accessfleet/internal/deviceclient"
	"github.com/ashdown-controls/accessfleet/internal/registry"
	"github.com/ashdown-controls/accessfleet/internal/store"
)

// Sync outcome labels recorded against each attempt.
const (
	outcomeSuccess   = "success"
	outcomeRejected  = "rejected"
	outcomeTransport = "transport_error"
)

// reconcileDevice runs one sync attempt: recompute the owed change
// set, push it in order (users, groups, then faces), and record the
// result. force pushes the full desired payload regardless of diff.
//
// The baseline advances only on full success. Any failure leaves it
// untouched so the next attempt re-owes everything unconfirmed.
func (c *Coordinator) reconcileDevice(parent context.Context, deviceID string, force bool) {
	ctx, cancel := context.WithTimeout(parent, c.opTimeout)
	defer cancel()

	d, err := c.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return
	}
	if !d.Enabled || !d.Online || d.Rebooting(time.Now()) {
		return
	}

	users, err := c.store.ListUsers(ctx)
	if err != nil {
		c.logger.Error("reconcile: list users failed", "device_id", deviceID, "error", err)
		return
	}
	groups, err := c.store.ListGroups(ctx)
	if err != nil {
		c.logger.Error("reconcile: list groups failed", "device_id", deviceID, "error", err)
		return
	}
	revision := c.store.Revision()

	bl := c.baselines.snapshot(deviceID)
	desired := computeDesired(users, groups, d)
	refs := diff(desired, bl, force)

	if len(refs) == 0 {
		// Registry pending refs with nothing actually owed happens when
		// a change was applied under a newer revision already. Settle
		// without claiming a push; last_sync only moves on confirmed
		// device success.
		if err := c.registry.SettlePending(ctx, deviceID, d.PendingChanges); err == nil {
			c.baselines.setRevision(deviceID, revision)
			c.notifyStatus(ctx, deviceID)
		}
		return
	}

	if err := c.registry.MarkStatus(ctx, deviceID, registry.StatusInProgress, ""); err != nil {
		// Device deleted or registry conflict; abandon this attempt.
		return
	}
	c.notifyStatus(ctx, deviceID)

	c.logger.Info("sync started",
		"device_id", deviceID, "changes", len(refs), "force", force)

	start := time.Now()
	client := c.clients.ClientFor(deviceID, d.Address)
	err = c.apply(ctx, client, desired, refs)
	duration := time.Since(start)

	if parent.Err() != nil {
		// Cancelled mid-flight (shutdown or device deletion). Leave the
		// registry alone; RefreshCache or deletion cleans up.
		return
	}

	// The operation context may have expired with the attempt; registry
	// bookkeeping runs against the parent.
	switch {
	case err == nil:
		c.baselines.commit(deviceID, appliedBaseline(desired, revision))
		c.clearRejection(deviceID)
		if err := c.registry.RecordSyncSuccess(parent, deviceID, refs, time.Now()); err != nil {
			c.logger.Error("record sync success failed", "device_id", deviceID, "error", err)
			return
		}
		c.record(deviceID, outcomeSuccess, duration, len(refs))
		c.logger.Info("sync complete",
			"device_id", deviceID, "changes", len(refs), "duration_ms", duration.Milliseconds())

	case deviceclient.IsRejection(err):
		// The device refused the payload. Retrying the same payload
		// cannot help; hold error status until canonical data changes.
		c.noteRejection(deviceID, revision)
		if markErr := c.registry.MarkStatus(parent, deviceID, registry.StatusError, err.Error()); markErr != nil {
			c.logger.Error("mark error status failed", "device_id", deviceID, "error", markErr)
		}
		c.record(deviceID, outcomeRejected, duration, 0)
		c.logger.Error("sync rejected", "device_id", deviceID, "error", err)

	default:
		// Transport failure. The device is presumed unreachable; the
		// probe loop decides when it is back and the changes stay owed.
		if _, markErr := c.registry.MarkOnline(parent, deviceID, false); markErr != nil {
			c.logger.Error("mark offline failed", "device_id", deviceID, "error", markErr)
		}
		c.record(deviceID, outcomeTransport, duration, 0)
		c.logger.Warn("sync transport failure", "device_id", deviceID, "error", err)
	}

	c.notifyStatus(parent, deviceID)
}

// apply pushes the owed change set in dependency order. Users first so
// group updates never reference unknown members on strict firmware,
// faces last because uploads are slow and rate limited separately.
func (c *Coordinator) apply(ctx context.Context, client deviceclient.Client, desired desiredState, refs []registry.ChangeRef) error {
	var (
		pushUsers  bool
		pushGroups bool
		deletes    []string
		faceIDs    []string
	)
	for _, ref := range refs {
		switch ref.Kind {
		case registry.ChangeUserUpsert:
			pushUsers = true
		case registry.ChangeUserDelete:
			deletes = append(deletes, ref.UserID)
		case registry.ChangeGroupUpdate:
			pushGroups = true
		case registry.ChangeFaceUpload:
			faceIDs = append(faceIDs, ref.UserID)
		}
	}

	// A full table replace already removes anything absent from the
	// payload; explicit deletes are only needed when nothing else is
	// being pushed.
	if pushUsers {
		if err := client.PushUsers(ctx, userRecords(desired.users)); err != nil {
			return err
		}
	} else if len(deletes) > 0 {
		if err := client.DeleteUsers(ctx, deletes); err != nil {
			return err
		}
	}

	if pushGroups {
		if err := client.PushGroups(ctx, groupRecords(desired.groups)); err != nil {
			return err
		}
	}

	for _, userID := range faceIDs {
		ref := faceRefFor(desired.users, userID)
		if ref == "" {
			continue
		}
		image, err := c.faces.Load(ref)
		if err != nil {
			return &deviceclient.RejectionError{
				Op:     "face upload",
				Reason: "face image unavailable: " + err.Error(),
			}
		}

		if err := c.faceSem.Acquire(ctx, 1); err != nil {
			return err
		}
		err = client.PushFace(ctx, userID, image)
		c.faceSem.Release(1)
		if err != nil {
			return err
		}
	}

	return nil
}

// appliedBaseline builds the baseline recording a fully applied
// desired payload.
func appliedBaseline(desired desiredState, revision int64) *baseline {
	bl := newBaseline()
	bl.revision = revision
	for _, u := range desired.users {
		bl.users[u.ID] = u.Version
		if u.FaceRef != "" {
			bl.faces[u.ID] = u.FaceRef
		}
	}
	for _, g := range desired.groups {
		bl.groups[g.Name] = g.Version
	}
	return bl
}

func userRecords(users []store.User) []deviceclient.UserRecord {
	records := make([]deviceclient.UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, deviceclient.UserRecord{
			ID:       u.ID,
			Name:     u.Name,
			PIN:      u.PIN,
			CardCode: u.CardCode,
			FaceRef:  u.FaceRef,
			Groups:   u.Groups,
		})
	}
	return records
}

func groupRecords(groups []store.Group) []deviceclient.GroupRecord {
	records := make([]deviceclient.GroupRecord, 0, len(groups))
	for _, g := range groups {
		records = append(records, deviceclient.GroupRecord{
			Name:     g.Name,
			Schedule: g.Schedule,
		})
	}
	return records
}

func faceRefFor(users []store.User, userID string) string {
	for _, u := range users {
		if u.ID == userID {
			return u.FaceRef
		}
	}
	return ""
}

// record writes one sync measurement if a recorder is wired.
func (c *Coordinator) record(deviceID, outcome string, duration time.Duration, changes int) {
	if c.recorder == nil {
		return
	}
	c.recorder.WriteSyncResult(deviceID, outcome, duration.Milliseconds(), changes)
}
