// AccessFleet - Device Synchronisation & Reconciliation Coordinator
//
// This is the main entry point for the AccessFleet coordinator. It
// keeps a fleet of networked access-control devices (intercoms,
// keypads) converged on a canonical directory of users, credentials
// and access groups:
//   - Canonical state lives in SQLite; devices are caches of it
//   - A reconciliation engine pushes changes with bounded concurrency
//   - Device-pushed webhook events are normalised and fanned out to
//     MQTT, InfluxDB and websocket subscribers
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashdown-controls/accessfleet/internal/api"
	"github.com/ashdown-controls/accessfleet/internal/coordinator"
	"github.com/ashdown-controls/accessfleet/internal/deviceclient"
	"github.com/ashdown-controls/accessfleet/internal/infrastructure/config"
	"github.com/ashdown-controls/accessfleet/internal/infrastructure/database"
	"github.com/ashdown-controls/accessfleet/internal/infrastructure/influxdb"
	"github.com/ashdown-controls/accessfleet/internal/infrastructure/logging"
	"github.com/ashdown-controls/accessfleet/internal/infrastructure/metrics"
	"github.com/ashdown-controls/accessfleet/internal/infrastructure/mqtt"
	"github.com/ashdown-controls/accessfleet/internal/ingest"
	"github.com/ashdown-controls/accessfleet/internal/registry"
	"github.com/ashdown-controls/accessfleet/internal/store"
	"github.com/ashdown-controls/accessfleet/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Infrastructure is torn down by the defer chain in
// reverse construction order.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting AccessFleet",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and bring the schema current
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(migrations.FS, "."); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Canonical store: the single source of truth for users,
	// credentials and groups.
	canonical := store.NewStore(store.NewSQLiteRepository(db.DB))
	canonical.SetLogger(log)
	if refreshErr := canonical.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading canonical store: %w", refreshErr)
	}

	// Device registry: observed per-device sync state.
	reg := registry.NewRegistry(registry.NewSQLiteRepository(db.DB))
	reg.SetLogger(log)
	if refreshErr := reg.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("state loaded", "revision", canonical.Revision())

	// Prometheus metrics
	prom := metrics.New()

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Webhook ingestion pipeline. MQTT and InfluxDB sinks are wired
	// here; the websocket hub joins once the API server is up.
	var sinks []ingest.Sink
	if mqttClient != nil {
		sinks = append(sinks, &mqttEventSink{client: mqttClient})
	}
	if influxClient != nil {
		sinks = append(sinks, &influxEventSink{client: influxClient})
	}

	ingestor, err := ingest.New(ingest.Options{
		Resolver:   canonical,
		Marker:     reg,
		Sinks:      sinks,
		Logger:     log,
		DedupeSize: cfg.Sync.DedupeCacheSize,
		RecentSize: cfg.Sync.EventCacheSize,
	})
	if err != nil {
		return fmt.Errorf("creating ingestor: %w", err)
	}

	// Reconciliation coordinator
	coord := coordinator.New(coordinator.Options{
		Store:             canonical,
		Registry:          reg,
		Clients:           deviceclient.NewHTTPFactory(),
		Faces:             coordinator.DirLoader{Root: cfg.Faces.Dir},
		Recorder:          buildRecorder(prom, influxClient, mqttClient),
		Logger:            log,
		TickInterval:      cfg.GetTickInterval(),
		IntegrityInterval: cfg.GetIntegrityInterval(),
		OperationTimeout:  cfg.GetOperationTimeout(),
		AutoSyncDelay:     cfg.GetAutoSyncDelay(),
		WorkerLimit:       cfg.Sync.WorkerLimit,
		FaceUploadLimit:   cfg.Sync.FaceUploadLimit,
	})
	coord.SetEventIngestor(ingestor)

	// A device proving reachability through a webhook gets an
	// immediate sync pass.
	ingestor.SetOnOnlineTransition(coord.Kick)

	// API server
	srv, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Store:       canonical,
		Registry:    reg,
		Coordinator: coord,
		Ingestor:    ingestor,
		Faces:       coordinator.DirLoader{Root: cfg.Faces.Dir},
		Metrics:     prom,
		DB:          db,
		MQTT:        mqttClient,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// The hub exists now: wire it into event fan-out and status
	// broadcasts alongside the retained MQTT status topic.
	hub := srv.Hub()
	ingestor.AddSink(hub)
	coord.SetOnStatus(func(d registry.Device) {
		hub.BroadcastDeviceStatus(d)
		if mqttClient != nil {
			publishDeviceStatus(mqttClient, log, d)
		}
	})

	coord.Start(ctx)
	defer coord.Close()

	// Bus-driven commands: automations trigger syncs and reboots over
	// MQTT without going through the HTTP API.
	if mqttClient != nil {
		if subErr := subscribeCommands(ctx, mqttClient, log, coord); subErr != nil {
			return fmt.Errorf("subscribing to command topics: %w", subErr)
		}
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ACCESSFLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ACCESSFLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient and mqttClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// subscribeCommands maps messages on the fleet command topics to
// coordinator operations. The payload may carry a device_id; for sync
// commands an empty one targets the whole fleet, a reboot always needs
// an explicit target.
func subscribeCommands(ctx context.Context, client *mqtt.Client, log *logging.Logger, coord *coordinator.Coordinator) error {
	return client.Subscribe(mqtt.Topics{}.AllCommands(), 1, func(topic string, payload []byte) error {
		action := topic[strings.LastIndex(topic, "/")+1:]

		var cmd struct {
			DeviceID string `json:"device_id"`
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd); err != nil {
				return fmt.Errorf("parsing %s command payload: %w", action, err)
			}
		}
		log.Info("bus command received", "action", action, "device_id", cmd.DeviceID)

		switch action {
		case "sync_now":
			return coord.SyncNow(ctx, cmd.DeviceID)
		case "full_sync":
			return coord.ForceFullSync(ctx, cmd.DeviceID)
		case "reboot":
			if cmd.DeviceID == "" {
				return fmt.Errorf("reboot command requires a device_id")
			}
			return coord.RebootDevice(ctx, cmd.DeviceID)
		case "refresh_events":
			_, err := coord.RefreshEvents(ctx, cmd.DeviceID)
			return err
		default:
			return fmt.Errorf("unrecognised command action %q", action)
		}
	})
}

// buildRecorder fans sync and health measurements out to every
// configured backend. Prometheus is always present; InfluxDB and the
// MQTT sync-result topic join when their clients are connected.
func buildRecorder(prom *metrics.Metrics, influxClient *influxdb.Client, mqttClient *mqtt.Client) coordinator.Recorder {
	recorders := []coordinator.Recorder{prom}
	if influxClient != nil {
		recorders = append(recorders, influxClient)
	}
	if mqttClient != nil {
		recorders = append(recorders, &mqttRecorder{client: mqttClient})
	}
	if len(recorders) == 1 {
		return prom
	}
	return multiRecorder(recorders)
}

// multiRecorder fans one measurement out to several recorders.
type multiRecorder []coordinator.Recorder

func (m multiRecorder) WriteSyncResult(deviceID, outcome string, durationMs int64, changesApplied int) {
	for _, r := range m {
		r.WriteSyncResult(deviceID, outcome, durationMs, changesApplied)
	}
}

func (m multiRecorder) WriteDeviceHealth(deviceID string, online bool, latencyMs int64) {
	for _, r := range m {
		r.WriteDeviceHealth(deviceID, online, latencyMs)
	}
}

// mqttRecorder publishes sync attempt outcomes to the per-device
// sync-result topic so dashboards and auditors can follow along.
type mqttRecorder struct {
	client *mqtt.Client
}

func (r *mqttRecorder) WriteSyncResult(deviceID, outcome string, durationMs int64, changesApplied int) {
	payload, err := json.Marshal(map[string]any{
		"device_id":       deviceID,
		"outcome":         outcome,
		"duration_ms":     durationMs,
		"changes_applied": changesApplied,
	})
	if err != nil {
		return
	}
	//nolint:errcheck // Best-effort telemetry; the registry holds the durable record
	r.client.PublishEvent(mqtt.Topics{}.SyncResult(deviceID), payload)
}

// WriteDeviceHealth is a no-op; reachability reaches the bus through
// the retained per-device status topic instead.
func (r *mqttRecorder) WriteDeviceHealth(string, bool, int64) {}

// mqttEventSink forwards normalised access events to the per-device
// event topic.
type mqttEventSink struct {
	client *mqtt.Client
}

func (s *mqttEventSink) Publish(_ context.Context, event ingest.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	return s.client.PublishEvent(mqtt.Topics{}.DeviceEvent(event.DeviceID, string(event.Type)), payload)
}

// influxEventSink records normalised access events in the history
// store.
type influxEventSink struct {
	client *influxdb.Client
}

func (s *influxEventSink) Publish(_ context.Context, event ingest.Event) error {
	granted := event.Type == ingest.EventAccessGranted || event.Type == ingest.EventNonKeyAccess
	s.client.WriteAccessEvent(influxdb.AccessEventPoint{
		DeviceID:  event.DeviceID,
		EventType: string(event.Type),
		Method:    event.Method,
		UserID:    event.UserID,
		UserName:  event.UserName,
		Granted:   granted,
		Timestamp: event.Timestamp,
	})
	return nil
}

// publishDeviceStatus pushes the full device record to its retained
// status topic, so late subscribers see current fleet state
// immediately.
func publishDeviceStatus(client *mqtt.Client, log *logging.Logger, d registry.Device) {
	payload, err := json.Marshal(d)
	if err != nil {
		log.Error("marshalling device status", "device_id", d.ID, "error", err)
		return
	}
	if pubErr := client.PublishRetained(mqtt.Topics{}.DeviceStatus(d.ID), payload); pubErr != nil {
		log.Warn("publishing device status", "device_id", d.ID, "error", pubErr)
	}
}
