// Package ingest normalises asynchronous device-pushed webhook events.
//
// Devices deliver at-least-once with loose payload shapes and
// unreliable clocks. The ingestor parses the loose shape, normalises
// the event type and timestamp, deduplicates on (device, type,
// timestamp, user) with a bounded LRU cache, resolves the reported
// name against canonical users, and fans the result out to the
// configured sinks (MQTT, InfluxDB history, websocket hub).
//
// Every successful receipt also marks the device online in the
// registry; an offline-to-online transition triggers an immediate
// reconciliation kick through a registered callback. Explicit offline
// events mark the device offline instead.
//
// A grant whose method names no managed credential, or whose resolved
// user holds none, is reclassified as non_key_access_granted so
// downstream automation can treat "buzzed in" differently from
// "used their card".
package ingest
