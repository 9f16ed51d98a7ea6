package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashdown-controls/accessfleet/internal/deviceclient"
	"github.com/ashdown-controls/accessfleet/internal/registry"
	"github.com/ashdown-controls/accessfleet/internal/store"
)

const (
	// probeTimeout bounds a single reachability probe. Probes are cheap
	// status reads and must not eat into the tick budget.
	probeTimeout = 5 * time.Second

	// rebootWindow is how long a device is left alone after a commanded
	// reboot before offline detection treats it as genuinely unreachable.
	rebootWindow = 5 * time.Minute
)

// Logger is the coordinator's logging interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is the slice of the canonical store the coordinator consumes.
type Store interface {
	ListUsers(ctx context.Context) ([]store.User, error)
	ListGroups(ctx context.Context) ([]store.Group, error)
	Revision() int64
	OnChange(fn func(store.Change))
}

// Registry is the slice of the device registry the coordinator consumes.
type Registry interface {
	ListDevices(ctx context.Context) ([]registry.Device, error)
	GetDevice(ctx context.Context, id string) (*registry.Device, error)
	MarkOnline(ctx context.Context, id string, online bool) (bool, error)
	MarkStatus(ctx context.Context, id string, status registry.SyncStatus, errMsg string) error
	AddPendingChanges(ctx context.Context, id string, refs []registry.ChangeRef) error
	RecordSyncSuccess(ctx context.Context, id string, applied []registry.ChangeRef, at time.Time) error
	SettlePending(ctx context.Context, id string, applied []registry.ChangeRef) error
	SetRebootWindow(ctx context.Context, id string, until time.Time) error
	ClearRebootWindow(ctx context.Context, id string) error
}

// Recorder receives sync and health measurements. Satisfied by the
// InfluxDB client; nil disables recording.
type Recorder interface {
	WriteSyncResult(deviceID, outcome string, durationMs int64, changesApplied int)
	WriteDeviceHealth(deviceID string, online bool, latencyMs int64)
}

// Options configures a Coordinator.
type Options struct {
	Store    Store
	Registry Registry
	Clients  deviceclient.Factory

	// Faces loads face images referenced by canonical users. Defaults
	// to a loader rooted at the working directory.
	Faces FaceLoader

	// Recorder receives sync results and health samples. Optional.
	Recorder Recorder

	Logger Logger

	// TickInterval is how often the driver wakes. Default 30s.
	TickInterval time.Duration

	// IntegrityInterval is how often baselines are re-verified against
	// canonical state regardless of revision tracking. Default 15m.
	IntegrityInterval time.Duration

	// OperationTimeout bounds one device sync attempt. Default 60s.
	OperationTimeout time.Duration

	// AutoSyncDelay is how long pending changes coalesce before an
	// automatic sync. Zero means the next tick picks them up. Explicit
	// triggers always bypass the delay.
	AutoSyncDelay time.Duration

	// WorkerLimit bounds concurrent device syncs. Default 4.
	WorkerLimit int

	// FaceUploadLimit bounds concurrent face uploads fleet-wide,
	// independent of WorkerLimit. Default 1.
	FaceUploadLimit int
}

// Coordinator drives the fleet towards canonical state. A single tick
// loop diffs devices against their baselines, records owed changes in
// the registry, and dispatches bounded-concurrency sync attempts,
// oldest pending first.
type Coordinator struct {
	store    Store
	registry Registry
	clients  deviceclient.Factory
	faces    FaceLoader
	recorder Recorder
	logger   Logger

	tickInterval      time.Duration
	integrityInterval time.Duration
	opTimeout         time.Duration
	autoSyncDelay     time.Duration

	workers *semaphore.Weighted
	faceSem *semaphore.Weighted

	baselines *baselines

	mu        sync.Mutex
	kicked    map[string]bool
	force     map[string]bool
	inflight  map[string]context.CancelFunc
	lastFetch map[string]time.Time
	rejected  map[string]int64
	closed    bool

	ingestor EventIngestor

	wake chan struct{}

	onStatus func(registry.Device)

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Store, Registry and Clients are required.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Faces == nil {
		opts.Faces = DirLoader{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.IntegrityInterval <= 0 {
		opts.IntegrityInterval = 15 * time.Minute
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 60 * time.Second
	}
	if opts.WorkerLimit <= 0 {
		opts.WorkerLimit = 4
	}
	if opts.FaceUploadLimit <= 0 {
		opts.FaceUploadLimit = 1
	}

	c := &Coordinator{
		store:             opts.Store,
		registry:          opts.Registry,
		clients:           opts.Clients,
		faces:             opts.Faces,
		recorder:          opts.Recorder,
		logger:            opts.Logger,
		tickInterval:      opts.TickInterval,
		integrityInterval: opts.IntegrityInterval,
		opTimeout:         opts.OperationTimeout,
		autoSyncDelay:     opts.AutoSyncDelay,
		workers:           semaphore.NewWeighted(int64(opts.WorkerLimit)),
		faceSem:           semaphore.NewWeighted(int64(opts.FaceUploadLimit)),
		baselines:         newBaselines(),
		kicked:            make(map[string]bool),
		force:             make(map[string]bool),
		inflight:          make(map[string]context.CancelFunc),
		lastFetch:         make(map[string]time.Time),
		rejected:          make(map[string]int64),
		wake:              make(chan struct{}, 1),
	}

	c.store.OnChange(c.handleStoreChange)

	return c
}

// SetOnStatus registers a callback invoked with the updated device
// record after every status transition the coordinator performs.
// Used to publish retained status messages and websocket updates.
func (c *Coordinator) SetOnStatus(fn func(registry.Device)) {
	c.onStatus = fn
}

// Start launches the tick, integrity and probe loops. They run until
// ctx is cancelled or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.runCtx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.tickLoop(c.runCtx)
	go c.integrityLoop(c.runCtx)

	c.logger.Info("coordinator started",
		"tick_interval", c.tickInterval,
		"integrity_interval", c.integrityInterval)
}

// Close stops the loops and cancels in-flight sync attempts.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for _, cancel := range c.inflight {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
}

// tickLoop is the reconciliation driver. It wakes on the tick interval
// or earlier when an explicit trigger or change notification arrives.
func (c *Coordinator) tickLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	// First pass immediately so a restart converges without waiting
	// out a full interval.
	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		case <-c.wake:
			c.tick(ctx)
		}
	}
}

// integrityLoop periodically forces a full re-diff of every device.
// Revision tracking makes ordinary ticks cheap; the sweep catches
// anything a missed notification or process bug let drift.
func (c *Coordinator) integrityLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.integrityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, err := c.registry.ListDevices(ctx)
			if err != nil {
				c.logger.Error("integrity sweep: list devices failed", "error", err)
				continue
			}
			for _, d := range devices {
				c.baselines.invalidate(d.ID)
			}
			c.logger.Debug("integrity sweep scheduled", "devices", len(devices))
			c.wakeUp()
		}
	}
}

// wakeUp nudges the tick loop without blocking.
func (c *Coordinator) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// handleStoreChange marks every device serving the changed user's
// groups as owing a change, then wakes the driver.
func (c *Coordinator) handleStoreChange(change store.Change) {
	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	devices, err := c.registry.ListDevices(ctx)
	if err != nil {
		c.logger.Error("change notification: list devices failed", "error", err)
		return
	}

	kind := registry.ChangeUserUpsert
	if change.Deleted {
		kind = registry.ChangeUserDelete
	}
	ref := registry.ChangeRef{Kind: kind, UserID: change.UserID, Version: change.Version}

	for _, d := range devices {
		if !d.Enabled || !d.ServesGroup(change.Groups) {
			continue
		}
		if err := c.registry.AddPendingChanges(ctx, d.ID, []registry.ChangeRef{ref}); err != nil {
			c.logger.Error("change notification: mark pending failed",
				"device_id", d.ID, "error", err)
			continue
		}
		c.baselines.invalidate(d.ID)
		c.notifyStatus(ctx, d.ID)
	}

	c.wakeUp()
}

// tick runs one scheduling pass: probe reachability, re-diff devices
// whose revision moved, then dispatch eligible devices oldest first.
func (c *Coordinator) tick(ctx context.Context) {
	devices, err := c.registry.ListDevices(ctx)
	if err != nil {
		c.logger.Error("tick: list devices failed", "error", err)
		return
	}

	c.probeAll(ctx, devices)

	// Reachability may have changed; re-read before scheduling.
	devices, err = c.registry.ListDevices(ctx)
	if err != nil {
		c.logger.Error("tick: list devices failed", "error", err)
		return
	}

	users, err := c.store.ListUsers(ctx)
	if err != nil {
		c.logger.Error("tick: list users failed", "error", err)
		return
	}
	groups, err := c.store.ListGroups(ctx)
	if err != nil {
		c.logger.Error("tick: list groups failed", "error", err)
		return
	}
	revision := c.store.Revision()

	// Kicks are consumed per pass. A kick arriving mid-tick re-arms the
	// wake channel, so nothing is lost.
	c.mu.Lock()
	kicked := c.kicked
	c.kicked = make(map[string]bool)
	c.mu.Unlock()

	now := time.Now()
	var eligible []registry.Device

	for i := range devices {
		d := devices[i]
		if !d.Enabled {
			continue
		}

		c.recordOwed(ctx, &d, users, groups, revision)

		current, err := c.registry.GetDevice(ctx, d.ID)
		if err != nil {
			continue
		}
		if c.eligible(current, now, kicked[d.ID]) {
			eligible = append(eligible, *current)
		}
	}

	// Oldest pending first so a flapping device cannot starve the rest.
	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := eligible[i].PendingSince, eligible[j].PendingSince
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		default:
			return pi.Before(*pj)
		}
	})

	for _, d := range eligible {
		c.dispatch(ctx, d)
	}
}

// recordOwed diffs one device against its baseline when the store
// revision has moved (or the baseline was invalidated) and records the
// resulting change set as pending.
func (c *Coordinator) recordOwed(ctx context.Context, d *registry.Device, users []store.User, groups []store.Group, revision int64) {
	bl := c.baselines.snapshot(d.ID)
	if bl.revision == revision {
		return
	}

	desired := computeDesired(users, groups, d)
	refs := diff(desired, bl, false)
	c.baselines.setRevision(d.ID, revision)

	if len(refs) == 0 {
		// Nothing owed. A device left pending by a restart can settle
		// back to in_sync without touching the network, but only while
		// it is reachable.
		if d.Status == registry.StatusPending && len(d.PendingChanges) == 0 && d.Online {
			if err := c.registry.MarkStatus(ctx, d.ID, registry.StatusInSync, ""); err == nil {
				c.notifyStatus(ctx, d.ID)
			}
		}
		return
	}

	if err := c.registry.AddPendingChanges(ctx, d.ID, refs); err != nil {
		c.logger.Error("record pending failed", "device_id", d.ID, "error", err)
		return
	}
	c.notifyStatus(ctx, d.ID)
}

// eligible reports whether a device should be dispatched this tick.
func (c *Coordinator) eligible(d *registry.Device, now time.Time, kicked bool) bool {
	if !d.Enabled || !d.Online || d.Rebooting(now) {
		return false
	}
	if len(d.PendingChanges) == 0 && !c.isForced(d.ID) {
		return false
	}
	if d.Status == registry.StatusInProgress {
		return false
	}

	c.mu.Lock()
	_, busy := c.inflight[d.ID]
	if busy && kicked {
		// Keep the kick for the pass after the running attempt finishes.
		c.kicked[d.ID] = true
	}
	rejectedAt, wasRejected := c.rejected[d.ID]
	forced := c.force[d.ID]
	c.mu.Unlock()
	if busy {
		return false
	}
	if kicked || forced {
		return true
	}

	// A rejected payload does not improve with repetition. Hold the
	// error status until canonical data changes or an operator forces
	// a retry.
	if d.Status == registry.StatusError && wasRejected && rejectedAt == c.store.Revision() {
		return false
	}

	// Automatic syncs respect the coalescing delay so a burst of edits
	// lands in one push.
	if c.autoSyncDelay > 0 && d.PendingSince != nil {
		return now.Sub(*d.PendingSince) >= c.autoSyncDelay
	}
	return true
}

func (c *Coordinator) isForced(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.force[id]
}

// noteRejection records the store revision a device rejected a payload
// at, so the scheduler stops resending it until something changes.
func (c *Coordinator) noteRejection(deviceID string, revision int64) {
	c.mu.Lock()
	c.rejected[deviceID] = revision
	c.mu.Unlock()
}

func (c *Coordinator) clearRejection(deviceID string) {
	c.mu.Lock()
	delete(c.rejected, deviceID)
	c.mu.Unlock()
}

// dispatch launches one bounded sync attempt for the device.
func (c *Coordinator) dispatch(parent context.Context, d registry.Device) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, busy := c.inflight[d.ID]; busy {
		c.mu.Unlock()
		return
	}
	opCtx, cancel := context.WithCancel(parent)
	c.inflight[d.ID] = cancel
	force := c.force[d.ID]
	delete(c.force, d.ID)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.inflight, d.ID)
			c.mu.Unlock()
		}()

		if err := c.workers.Acquire(opCtx, 1); err != nil {
			return
		}
		defer c.workers.Release(1)

		c.reconcileDevice(opCtx, d.ID, force)
	}()
}

// CancelDevice aborts any in-flight sync for the device and drops its
// baseline. Called when a device is deleted.
func (c *Coordinator) CancelDevice(deviceID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[deviceID]
	delete(c.force, deviceID)
	delete(c.kicked, deviceID)
	delete(c.rejected, deviceID)
	c.mu.Unlock()

	if ok {
		cancel()
	}
	c.baselines.forget(deviceID)
}

// probeAll checks reachability of every enabled device that is not
// mid-sync or inside a reboot window, in parallel.
func (c *Coordinator) probeAll(ctx context.Context, devices []registry.Device) {
	now := time.Now()
	var wg sync.WaitGroup

	for i := range devices {
		d := devices[i]
		if !d.Enabled || d.Rebooting(now) {
			continue
		}
		c.mu.Lock()
		_, busy := c.inflight[d.ID]
		c.mu.Unlock()
		if busy {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probe(ctx, d)
		}()
	}
	wg.Wait()
}

// probe checks one device and records the transition. A device coming
// back online is kicked so owed changes flush without waiting out the
// coalescing delay.
func (c *Coordinator) probe(ctx context.Context, d registry.Device) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client := c.clients.ClientFor(d.ID, d.Address)
	start := time.Now()
	_, err := client.Probe(probeCtx)
	latency := time.Since(start).Milliseconds()

	online := err == nil
	wasOnline, markErr := c.registry.MarkOnline(ctx, d.ID, online)
	if markErr != nil {
		return
	}

	if c.recorder != nil {
		c.recorder.WriteDeviceHealth(d.ID, online, latency)
	}

	if online && !wasOnline {
		c.logger.Info("device online", "device_id", d.ID, "latency_ms", latency)
		c.Kick(d.ID)
		c.notifyStatus(ctx, d.ID)
	} else if !online && wasOnline {
		c.logger.Warn("device offline", "device_id", d.ID, "error", err)
		c.notifyStatus(ctx, d.ID)
	}

	// Rebooting devices are not probed, so a window still present here
	// has lapsed: the reboot outcome is now known either way.
	if d.RebootingUntil != nil {
		if !online {
			c.logger.Warn("device still offline after reboot window", "device_id", d.ID)
		}
		if clearErr := c.registry.ClearRebootWindow(ctx, d.ID); clearErr != nil {
			c.logger.Warn("clearing reboot window", "device_id", d.ID, "error", clearErr)
		}
	}
}

// InvalidateDevice forces a re-diff of one device on the next pass.
// Called when the device record itself changes shape, for example its
// group list; the store revision does not move then, so revision
// tracking alone would miss it. The desired payload may differ now, so
// a held rejection is re-armed too.
func (c *Coordinator) InvalidateDevice(deviceID string) {
	c.baselines.invalidate(deviceID)
	c.clearRejection(deviceID)
	c.wakeUp()
}

// Kick marks a device for immediate dispatch, bypassing the coalescing
// delay, and wakes the driver. Wired to the ingestor's online
// transition callback.
func (c *Coordinator) Kick(deviceID string) {
	c.mu.Lock()
	c.kicked[deviceID] = true
	c.mu.Unlock()
	c.wakeUp()
}

// notifyStatus pushes the device's current record to the status
// callback, if one is registered.
func (c *Coordinator) notifyStatus(ctx context.Context, deviceID string) {
	if c.onStatus == nil {
		return
	}
	d, err := c.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return
	}
	c.onStatus(*d)
}
