// Package mqtt provides the coordinator's connection to the fleet
// event bus.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing normalised access events and device status
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for coordinator offline detection
//   - Connection health monitoring
//
// The coordinator publishes every deduplicated access event to
// accessfleet/event/{device_id}/{event_type} and keeps a retained
// status message per device on accessfleet/status/{device_id}, so
// building-management integrations can follow the fleet without
// polling the HTTP API.
//
// # Security Considerations
//
//   - TLS should be enabled for production deployments (broker.tls: true)
//   - Credentials are validated against the broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.DeviceEvent("front-door", "access_granted")
//	client.PublishEvent(topic, payload)
package mqtt
