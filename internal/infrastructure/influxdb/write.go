package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// AccessEventPoint describes a single access event for the history store.
// Tags are kept low-cardinality (device, type, method); identifying
// detail goes into fields.
type AccessEventPoint struct {
	DeviceID  string
	EventType string
	Method    string
	UserID    string
	UserName  string
	Detail    string
	Granted   bool
	Timestamp time.Time
}

// WriteAccessEvent records a normalised access event in the
// access_events measurement.
//
// The write is non-blocking; points are batched and sent
// asynchronously. The event's own timestamp is used so history queries
// reflect when the event happened at the door, not when it reached the
// coordinator.
func (c *Client) WriteAccessEvent(ev AccessEventPoint) {
	if !c.IsConnected() {
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		"access_events",
		map[string]string{
			"device_id":  ev.DeviceID,
			"event_type": ev.EventType,
			"method":     ev.Method,
		},
		map[string]interface{}{
			"user_id":   ev.UserID,
			"user_name": ev.UserName,
			"detail":    ev.Detail,
			"granted":   ev.Granted,
		},
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteSyncResult records the outcome of a device reconciliation run in
// the sync_results measurement.
func (c *Client) WriteSyncResult(deviceID, outcome string, durationMs int64, changesApplied int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sync_results",
		map[string]string{
			"device_id": deviceID,
			"outcome":   outcome,
		},
		map[string]interface{}{
			"duration_ms":     durationMs,
			"changes_applied": changesApplied,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceHealth records a device health sample in the device_health
// measurement. Used by the probe loop to track reachability over time.
func (c *Client) WriteDeviceHealth(deviceID string, online bool, latencyMs int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_health",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"online":     online,
			"latency_ms": latencyMs,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
