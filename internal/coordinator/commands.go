package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashdown-controls/accessfleet/internal/ingest"
)

var (
	// ErrDeviceBusy means a command cannot run while a sync attempt is
	// in flight for the device.
	ErrDeviceBusy = errors.New("coordinator: device sync in progress")

	// ErrDeviceDisabled means the command targets a disabled device.
	ErrDeviceDisabled = errors.New("coordinator: device disabled")
)

// eventFetchLookback bounds the first event pull for a device we have
// never fetched from.
const eventFetchLookback = 24 * time.Hour

// EventIngestor consumes raw device event payloads. Satisfied by the
// ingest package.
type EventIngestor interface {
	Ingest(ctx context.Context, deviceID string, raw []byte) (*ingest.Event, error)
}

// SetEventIngestor wires the sink for RefreshEvents. Must be called
// before Start.
func (c *Coordinator) SetEventIngestor(ing EventIngestor) {
	c.ingestor = ing
}

// SyncNow schedules an immediate sync attempt for the device,
// bypassing the coalescing delay. An empty ID targets the whole fleet.
func (c *Coordinator) SyncNow(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		devices, err := c.registry.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.Enabled {
				c.Kick(d.ID)
			}
		}
		return nil
	}

	d, err := c.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !d.Enabled {
		return ErrDeviceDisabled
	}
	c.Kick(deviceID)
	return nil
}

// ForceFullSync discards the device's baseline and schedules a push of
// the complete desired payload. An empty ID targets the whole fleet.
// The escape hatch for drift the diff cannot see, for example a device
// restored from factory settings.
func (c *Coordinator) ForceFullSync(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		devices, err := c.registry.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if d.Enabled {
				c.markForced(d.ID)
			}
		}
		c.wakeUp()
		return nil
	}

	d, err := c.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !d.Enabled {
		return ErrDeviceDisabled
	}
	c.markForced(deviceID)
	c.wakeUp()
	return nil
}

func (c *Coordinator) markForced(deviceID string) {
	c.baselines.forget(deviceID)
	c.mu.Lock()
	c.force[deviceID] = true
	c.kicked[deviceID] = true
	c.mu.Unlock()
}

// RebootDevice commands a restart and opens a reboot window during
// which offline detection leaves the device alone. The device is owed
// a convergence check once it returns.
func (c *Coordinator) RebootDevice(ctx context.Context, deviceID string) error {
	d, err := c.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !d.Enabled {
		return ErrDeviceDisabled
	}

	c.mu.Lock()
	_, busy := c.inflight[deviceID]
	c.mu.Unlock()
	if busy {
		return ErrDeviceBusy
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	client := c.clients.ClientFor(deviceID, d.Address)
	if err := client.Reboot(opCtx); err != nil {
		return fmt.Errorf("reboot %s: %w", deviceID, err)
	}

	until := time.Now().Add(rebootWindow)
	if err := c.registry.SetRebootWindow(ctx, deviceID, until); err != nil {
		return err
	}
	if _, err := c.registry.MarkOnline(ctx, deviceID, false); err != nil {
		return err
	}
	c.notifyStatus(ctx, deviceID)

	c.logger.Info("device rebooting", "device_id", deviceID, "window_until", until)
	return nil
}

// RefreshEvents pulls the device's event log since the last fetch and
// feeds each entry through the ingestion pipeline. The dedupe cache
// absorbs overlap with webhook delivery. An empty ID targets the
// whole fleet.
func (c *Coordinator) RefreshEvents(ctx context.Context, deviceID string) (int, error) {
	if c.ingestor == nil {
		return 0, errors.New("coordinator: no event ingestor wired")
	}

	if deviceID == "" {
		devices, err := c.registry.ListDevices(ctx)
		if err != nil {
			return 0, err
		}
		total := 0
		for _, d := range devices {
			if !d.Enabled || !d.Online {
				continue
			}
			n, err := c.refreshDeviceEvents(ctx, d.ID, d.Address)
			if err != nil {
				c.logger.Warn("event refresh failed", "device_id", d.ID, "error", err)
				continue
			}
			total += n
		}
		return total, nil
	}

	d, err := c.registry.GetDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return c.refreshDeviceEvents(ctx, d.ID, d.Address)
}

func (c *Coordinator) refreshDeviceEvents(ctx context.Context, deviceID, address string) (int, error) {
	c.mu.Lock()
	since, ok := c.lastFetch[deviceID]
	c.mu.Unlock()
	if !ok {
		since = time.Now().Add(-eventFetchLookback)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	client := c.clients.ClientFor(deviceID, address)
	events, err := client.FetchEvents(opCtx, since)
	if err != nil {
		return 0, err
	}

	ingested := 0
	newest := since
	for _, ev := range events {
		if _, err := c.ingestor.Ingest(ctx, deviceID, ev.Payload); err != nil {
			// Duplicates and malformed entries are expected in a log
			// replay; count only what went through.
			continue
		}
		ingested++
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}

	c.mu.Lock()
	c.lastFetch[deviceID] = newest
	c.mu.Unlock()

	c.logger.Info("events refreshed",
		"device_id", deviceID, "fetched", len(events), "ingested", ingested)
	return ingested, nil
}
