package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemStatus represents the system status response.
type SystemStatus struct {
	Timestamp     string        `json:"timestamp"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Runtime       RuntimeStats  `json:"runtime"`
	WebSocket     WSStats       `json:"websocket"`
	MQTT          MQTTStats     `json:"mqtt"`
	Devices       DeviceStats   `json:"devices"`
	Database      DatabaseStats `json:"database"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTStats contains MQTT client statistics.
type MQTTStats struct {
	Connected bool `json:"connected"`
}

// DeviceStats summarises the fleet's sync state.
type DeviceStats struct {
	Total    int            `json:"total"`
	Online   int            `json:"online"`
	ByStatus map[string]int `json:"by_status"`
}

// DatabaseStats contains database connection pool statistics.
type DatabaseStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleSystem returns a status overview for dashboards: runtime
// health plus fleet sync state at a glance.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.hub != nil {
		status.WebSocket.ConnectedClients = s.hub.ClientCount()
	}
	if s.mqtt != nil {
		status.MQTT.Connected = s.mqtt.IsConnected()
	}
	if s.db != nil {
		stats := s.db.Stats()
		status.Database = DatabaseStats{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
		}
	}

	devices, err := s.registry.ListDevices(r.Context())
	if err == nil {
		status.Devices.Total = len(devices)
		status.Devices.ByStatus = make(map[string]int)
		for _, d := range devices {
			status.Devices.ByStatus[string(d.Status)]++
			if d.Online {
				status.Devices.Online++
			}
		}
	}

	writeJSON(w, http.StatusOK, status)
}
