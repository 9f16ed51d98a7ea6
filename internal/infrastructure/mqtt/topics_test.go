package mqtt

import (
	"strings"
	"testing"
)

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceEvent", topics.DeviceEvent("front-door", "access_granted"), "accessfleet/event/front-door/access_granted"},
		{"DeviceStatus", topics.DeviceStatus("front-door"), "accessfleet/status/front-door"},
		{"SyncResult", topics.SyncResult("front-door"), "accessfleet/sync/front-door"},
		{"SystemStatus", topics.SystemStatus(), "accessfleet/system/status"},
		{"Command", topics.Command("sync_now"), "accessfleet/command/sync_now"},
		{"AllCommands", topics.AllCommands(), "accessfleet/command/+"},
		{"AllDeviceEvents", topics.AllDeviceEvents(), "accessfleet/event/+/+"},
		{"AllDeviceStatus", topics.AllDeviceStatus(), "accessfleet/status/+"},
		{"AllSyncResults", topics.AllSyncResults(), "accessfleet/sync/+"},
		{"AllTopics", topics.AllTopics(), "accessfleet/#"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	if err := client.Publish("", []byte("x"), 1, false); err != ErrInvalidTopic {
		t.Errorf("Publish with empty topic error = %v, want ErrInvalidTopic", err)
	}

	if err := client.Publish("accessfleet/event/a/b", []byte("x"), 3, false); err != ErrInvalidQoS {
		t.Errorf("Publish with QoS 3 error = %v, want ErrInvalidQoS", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	if err := client.Subscribe("", 1, func(string, []byte) error { return nil }); err != ErrInvalidTopic {
		t.Errorf("Subscribe with empty topic error = %v, want ErrInvalidTopic", err)
	}

	err := client.Subscribe("accessfleet/event/+/+", 1, nil)
	if err == nil || !strings.Contains(err.Error(), "handler cannot be nil") {
		t.Errorf("Subscribe with nil handler error = %v, want nil-handler error", err)
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("accessfleet-test")
	if !strings.Contains(online, `"status":"online"`) {
		t.Errorf("online payload missing status field: %s", online)
	}

	offline := buildOfflinePayload("accessfleet-test")
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload missing reason field: %s", offline)
	}
}
