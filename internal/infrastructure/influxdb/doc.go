// Package influxdb provides time-series storage for access history.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes, and health monitoring.
//
// The coordinator records three measurements:
//   - access_events: every deduplicated door event, timestamped at the device
//   - sync_results: outcome and duration of each reconciliation run
//   - device_health: periodic reachability samples from the probe loop
//
// Writes are batched according to config.yaml settings (batch_size,
// flush_interval); async write errors are surfaced via SetOnError.
// InfluxDB is optional: when disabled in config the coordinator keeps
// only its in-memory recent-event cache.
package influxdb
