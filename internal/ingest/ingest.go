package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// timestampSkew is how far a device-reported timestamp may sit from
// receipt time before it is considered implausible (clock drift, stale
// replays) and replaced by receipt time.
const timestampSkew = 24 * time.Hour

// Logger defines the logging interface used by the Ingestor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Sink receives every normalised event exactly once. Implementations
// bridge to the MQTT bus, the InfluxDB history store, and the
// websocket hub. Sink failures are logged, never fatal.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// UserResolver maps a device-reported user name to canonical identity.
type UserResolver interface {
	// ResolveUser returns the canonical user ID for a display name,
	// whether the user holds any managed credential, and whether the
	// name resolved at all.
	ResolveUser(ctx context.Context, name string) (id string, hasCredential bool, ok bool)
}

// DeviceMarker is the slice of the registry the ingestor touches.
// It performs only bounded, fast mutations, never device I/O.
type DeviceMarker interface {
	MarkOnline(ctx context.Context, id string, online bool) (wasOnline bool, err error)
}

// Options configures an Ingestor.
type Options struct {
	Resolver UserResolver
	Marker   DeviceMarker
	Sinks    []Sink
	Logger   Logger

	// DedupeSize bounds the recent-event dedupe cache.
	DedupeSize int

	// RecentSize bounds the per-device recent event cache.
	RecentSize int
}

// Ingestor validates, deduplicates, and normalises device-pushed
// webhook events, updates device reachability, and fans events out to
// the configured sinks.
//
// It runs on the inbound webhook path, decoupled from the
// reconciliation tick, and is safe for concurrent use.
type Ingestor struct {
	resolver UserResolver
	marker   DeviceMarker
	sinks    []Sink
	logger   Logger

	dedupe *lru.Cache[string, struct{}]

	recentMu   sync.RWMutex
	recent     map[string][]Event
	recentSize int

	// onOnline is invoked when a device transitions offline to online,
	// letting the reconciler kick an immediate sync.
	onOnline   func(deviceID string)
	callbackMu sync.RWMutex
}

// New creates an Ingestor.
func New(opts Options) (*Ingestor, error) {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 2048
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	dedupe, err := lru.New[string, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedupe cache: %w", err)
	}

	return &Ingestor{
		resolver:   opts.Resolver,
		marker:     opts.Marker,
		sinks:      opts.Sinks,
		logger:     opts.Logger,
		dedupe:     dedupe,
		recent:     make(map[string][]Event),
		recentSize: opts.RecentSize,
	}, nil
}

// AddSink appends a sink to the fan-out list. Called during startup
// wiring, before the webhook begins accepting traffic; not safe to
// use concurrently with Ingest.
func (i *Ingestor) AddSink(s Sink) {
	i.sinks = append(i.sinks, s)
}

// SetOnOnlineTransition registers a callback fired when a device that
// was offline delivers an event, proving it is back.
func (i *Ingestor) SetOnOnlineTransition(fn func(deviceID string)) {
	i.callbackMu.Lock()
	i.onOnline = fn
	i.callbackMu.Unlock()
}

// Ingest processes one webhook receipt for the given device.
//
// The returned event is nil for duplicates and malformed payloads;
// both are reported via sentinel errors so the webhook handler can
// acknowledge the device without forwarding anything.
func (i *Ingestor) Ingest(ctx context.Context, deviceID string, raw []byte) (*Event, error) {
	var payload rawPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	eventType, granted := normaliseType(payload.eventType())
	if eventType == "" {
		return nil, fmt.Errorf("%w: unrecognised event type %q", ErrMalformedPayload, payload.eventType())
	}

	timestamp := normaliseTimestamp(payload.timestamp(), time.Now().UTC())

	// Resolve the reported name against canonical state. An unknown
	// name still produces an event, just without a user ID.
	var (
		userID  string
		hasCred bool
		known   bool
	)
	userName := payload.userName()
	if userName != "" && i.resolver != nil {
		userID, hasCred, known = i.resolver.ResolveUser(ctx, userName)
	}

	if granted && eventType == EventAccessGranted {
		method := payload.Method
		if method == "" {
			method = payload.Detail
		}
		if isNonKeyAccess(method, known, hasCred) {
			eventType = EventNonKeyAccess
		}
	}

	// Absorb at-least-once delivery from the device side, keyed on the
	// canonical identity when the name resolved.
	dedupeUser := userID
	if dedupeUser == "" {
		dedupeUser = userName
	}
	dedupeKey := fmt.Sprintf("%s|%s|%d|%s", deviceID, eventType, timestamp.Unix(), dedupeUser)
	if found, _ := i.dedupe.ContainsOrAdd(dedupeKey, struct{}{}); found {
		return nil, ErrDuplicateEvent
	}

	// Any successful receipt proves reachability; explicit offline
	// events state the opposite.
	online := eventType != EventDeviceOffline
	if i.marker != nil {
		wasOnline, err := i.marker.MarkOnline(ctx, deviceID, online)
		if err != nil {
			// A failed receipt was never forwarded; the key must not
			// swallow the device's redelivery as a duplicate.
			i.dedupe.Remove(dedupeKey)
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		if online && !wasOnline {
			i.callbackMu.RLock()
			fn := i.onOnline
			i.callbackMu.RUnlock()
			if fn != nil {
				fn(deviceID)
			}
		}
	}

	event := Event{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Type:      eventType,
		UserID:    userID,
		UserName:  userName,
		Method:    payload.Method,
		Timestamp: timestamp,
		Raw:       json.RawMessage(raw),
	}

	i.remember(event)
	i.forward(ctx, event)

	return &event, nil
}

// Recent returns up to n most recent events for a device, newest first.
func (i *Ingestor) Recent(deviceID string, n int) []Event {
	i.recentMu.RLock()
	defer i.recentMu.RUnlock()

	events := i.recent[deviceID]
	if n <= 0 || n > len(events) {
		n = len(events)
	}

	// Stored oldest first; return newest first.
	out := make([]Event, 0, n)
	for idx := len(events) - 1; idx >= len(events)-n; idx-- {
		out = append(out, events[idx])
	}
	return out
}

// remember appends an event to the bounded per-device cache.
func (i *Ingestor) remember(event Event) {
	i.recentMu.Lock()
	defer i.recentMu.Unlock()

	events := append(i.recent[event.DeviceID], event)
	if len(events) > i.recentSize {
		events = events[len(events)-i.recentSize:]
	}
	i.recent[event.DeviceID] = events
}

// forward delivers the event to every sink. A failing sink is logged
// and skipped; one slow consumer must not cost events for the others.
func (i *Ingestor) forward(ctx context.Context, event Event) {
	for _, sink := range i.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			i.logger.Warn("event sink failed",
				"device_id", event.DeviceID,
				"event_type", event.Type,
				"error", err,
			)
		}
	}
}

// normaliseType maps device-reported type strings onto the normalised
// event vocabulary. The second return reports whether the event
// represents a grant (candidate for non-key detection).
func normaliseType(raw string) (EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "access_granted", "granted", "door_open", "unlock":
		return EventAccessGranted, true
	case "access_denied", "denied", "rejected":
		return EventAccessDenied, false
	case "device_offline", "offline":
		return EventDeviceOffline, false
	case "non_key_access_granted":
		return EventNonKeyAccess, true
	default:
		return "", false
	}
}

// normaliseTimestamp prefers the device-reported time when plausible,
// falling back to receipt time for missing, malformed, or badly
// skewed values.
func normaliseTimestamp(raw string, receivedAt time.Time) time.Time {
	if raw == "" {
		return receivedAt
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if t, err = time.Parse("2006-01-02 15:04:05", raw); err != nil {
			return receivedAt
		}
	}

	if t.Before(receivedAt.Add(-timestampSkew)) || t.After(receivedAt.Add(timestampSkew)) {
		return receivedAt
	}
	return t.UTC()
}
