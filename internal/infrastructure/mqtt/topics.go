package mqtt

import "fmt"

// Topic prefixes for the fleet event bus.
//
// Event and status topics follow the flat scheme
// accessfleet/{category}/{device_id}[/{detail}] so that integrators can
// subscribe per device or per category with a single wildcard.
const (
	// TopicPrefix is the base for all coordinator topics.
	TopicPrefix = "accessfleet"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "accessfleet/system"
)

// Topics provides builders for coordinator MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	eventTopic := topics.DeviceEvent("front-door", "access_granted")
//	// Returns: "accessfleet/event/front-door/access_granted"
type Topics struct{}

// DeviceEvent returns the topic for a normalised access event from a device.
//
// Example: accessfleet/event/front-door/access_granted
func (Topics) DeviceEvent(deviceID, eventType string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, deviceID, eventType)
}

// DeviceStatus returns the retained topic for a device's sync and health
// status.
//
// Example: accessfleet/status/front-door
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, deviceID)
}

// SyncResult returns the topic for reconciliation outcome notifications.
//
// Example: accessfleet/sync/front-door
func (Topics) SyncResult(deviceID string) string {
	return fmt.Sprintf("%s/sync/%s", TopicPrefix, deviceID)
}

// SystemStatus returns the coordinator status topic (online/offline, LWT).
//
// Example: accessfleet/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// Command returns the topic for an inbound fleet command.
//
// Example: accessfleet/command/sync_now
func (Topics) Command(action string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, action)
}

// AllCommands returns a pattern matching all inbound fleet commands.
//
// Pattern: accessfleet/command/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+", TopicPrefix)
}

// AllDeviceEvents returns a pattern matching all access events.
//
// Pattern: accessfleet/event/+/+
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/event/+/+", TopicPrefix)
}

// AllDeviceStatus returns a pattern matching all device status updates.
//
// Pattern: accessfleet/status/+
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/status/+", TopicPrefix)
}

// AllSyncResults returns a pattern matching all reconciliation outcomes.
//
// Pattern: accessfleet/sync/+
func (Topics) AllSyncResults() string {
	return fmt.Sprintf("%s/sync/+", TopicPrefix)
}

// AllTopics returns a pattern matching all coordinator topics.
// Use with caution, this receives ALL traffic.
//
// Pattern: accessfleet/#
func (Topics) AllTopics() string {
	return "accessfleet/#"
}
