package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestObserveHTTPRequest(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("GET", "/api/v1/devices", 200, 5*time.Millisecond)

	body := scrape(t, m)
	if !strings.Contains(body, `accessfleet_http_requests_total{method="GET",route="/api/v1/devices",status="200"} 1`) {
		t.Error("request counter not exported")
	}
}

func TestWriteSyncResult(t *testing.T) {
	m := New()
	m.WriteSyncResult("door-1", "success", 1200, 3)
	m.WriteSyncResult("door-1", "rejected", 400, 0)

	body := scrape(t, m)
	if !strings.Contains(body, `accessfleet_sync_attempts_total{device_id="door-1",outcome="success"} 1`) {
		t.Error("success attempt not counted")
	}
	if !strings.Contains(body, `accessfleet_sync_attempts_total{device_id="door-1",outcome="rejected"} 1`) {
		t.Error("rejected attempt not counted")
	}
	if !strings.Contains(body, "accessfleet_sync_changes_applied_total 3") {
		t.Error("applied changes not counted")
	}
}

func TestDeviceHealthGauge(t *testing.T) {
	m := New()
	m.WriteDeviceHealth("door-1", true, 18)

	body := scrape(t, m)
	if !strings.Contains(body, `accessfleet_device_online{device_id="door-1"} 1`) {
		t.Error("online gauge not set")
	}

	m.WriteDeviceHealth("door-1", false, 0)
	body = scrape(t, m)
	if !strings.Contains(body, `accessfleet_device_online{device_id="door-1"} 0`) {
		t.Error("offline gauge not set")
	}
}

func TestRemoveDevice(t *testing.T) {
	m := New()
	m.WriteDeviceHealth("door-1", true, 18)
	m.RemoveDevice("door-1")

	if strings.Contains(scrape(t, m), `device_id="door-1"`) {
		t.Error("device series survived removal")
	}
}
