package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockSink collects forwarded events.
type mockSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *mockSink) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// mockResolver resolves a fixed set of users.
type mockResolver struct {
	users map[string]struct {
		id      string
		hasCred bool
	}
}

func (m *mockResolver) ResolveUser(_ context.Context, name string) (string, bool, bool) {
	u, ok := m.users[name]
	return u.id, u.hasCred, ok
}

// mockMarker tracks online transitions.
type mockMarker struct {
	mu     sync.Mutex
	online map[string]bool
	err    error
}

func (m *mockMarker) MarkOnline(_ context.Context, id string, online bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.online == nil {
		m.online = make(map[string]bool)
	}
	was := m.online[id]
	m.online[id] = online
	return was, nil
}

func newTestIngestor(t *testing.T, sink Sink, marker DeviceMarker) *Ingestor {
	t.Helper()

	resolver := &mockResolver{users: map[string]struct {
		id      string
		hasCred bool
	}{
		"Alice": {id: "ha-alice", hasCred: true},
		"Bob":   {id: "ha-bob", hasCred: false},
	}}

	var sinks []Sink
	if sink != nil {
		sinks = []Sink{sink}
	}

	ing, err := New(Options{
		Resolver:   resolver,
		Marker:     marker,
		Sinks:      sinks,
		DedupeSize: 64,
		RecentSize: 5,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ing
}

func grantedPayload(user, method, ts string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"access_granted","user":%q,"method":%q,"timestamp":%q}`,
		user, method, ts,
	))
}

func TestIngest_NormalisesAndForwards(t *testing.T) {
	sink := &mockSink{}
	ing := newTestIngestor(t, sink, &mockMarker{})

	ts := time.Now().UTC().Truncate(time.Second)
	event, err := ing.Ingest(context.Background(), "front-door",
		grantedPayload("Alice", "card", ts.Format(time.RFC3339)))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if event.Type != EventAccessGranted {
		t.Errorf("Type = %q, want access_granted", event.Type)
	}
	if event.UserID != "ha-alice" {
		t.Errorf("UserID = %q, want ha-alice", event.UserID)
	}
	if !event.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want device-reported %v", event.Timestamp, ts)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d events, want 1", sink.count())
	}
}

func TestIngest_DuplicateDropped(t *testing.T) {
	sink := &mockSink{}
	ing := newTestIngestor(t, sink, &mockMarker{})
	ctx := context.Background()

	payload := grantedPayload("Alice", "card", time.Now().UTC().Format(time.RFC3339))

	if _, err := ing.Ingest(ctx, "front-door", payload); err != nil {
		t.Fatalf("Ingest() first delivery error = %v", err)
	}
	_, err := ing.Ingest(ctx, "front-door", payload)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("Ingest() second delivery error = %v, want ErrDuplicateEvent", err)
	}

	if sink.count() != 1 {
		t.Errorf("sink received %d events, want exactly 1", sink.count())
	}
}

func TestIngest_MalformedPayload(t *testing.T) {
	ing := newTestIngestor(t, nil, &mockMarker{})

	if _, err := ing.Ingest(context.Background(), "front-door", []byte("not json")); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Ingest(garbage) error = %v, want ErrMalformedPayload", err)
	}

	if _, err := ing.Ingest(context.Background(), "front-door", []byte(`{"type":"mystery"}`)); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Ingest(unknown type) error = %v, want ErrMalformedPayload", err)
	}
}

func TestIngest_UnknownUserStillForwarded(t *testing.T) {
	sink := &mockSink{}
	ing := newTestIngestor(t, sink, &mockMarker{})

	event, err := ing.Ingest(context.Background(), "front-door",
		grantedPayload("Stranger", "card", time.Now().UTC().Format(time.RFC3339)))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if event.UserID != "" {
		t.Errorf("UserID = %q, want empty for unresolved user", event.UserID)
	}
	if event.UserName != "Stranger" {
		t.Errorf("UserName = %q, want Stranger", event.UserName)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d events, want 1", sink.count())
	}
}

func TestIngest_NonKeyDetection(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		method string
		want   EventType
	}{
		{"card access stays granted", "Alice", "card", EventAccessGranted},
		{"face access stays granted", "Alice", "face recognition", EventAccessGranted},
		{"remote unlock flagged", "Alice", "remote unlock", EventNonKeyAccess},
		{"credential-less user flagged", "Bob", "", EventNonKeyAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := newTestIngestor(t, nil, &mockMarker{})

			event, err := ing.Ingest(context.Background(), "front-door",
				grantedPayload(tt.user, tt.method, time.Now().UTC().Format(time.RFC3339)))
			if err != nil {
				t.Fatalf("Ingest() error = %v", err)
			}
			if event.Type != tt.want {
				t.Errorf("Type = %q, want %q", event.Type, tt.want)
			}
		})
	}
}

func TestIngest_MarksOnlineAndFiresTransition(t *testing.T) {
	marker := &mockMarker{}
	ing := newTestIngestor(t, nil, marker)

	var kicked []string
	ing.SetOnOnlineTransition(func(deviceID string) { kicked = append(kicked, deviceID) })

	if _, err := ing.Ingest(context.Background(), "front-door",
		grantedPayload("Alice", "card", time.Now().UTC().Format(time.RFC3339))); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if len(kicked) != 1 || kicked[0] != "front-door" {
		t.Errorf("online transition kicks = %v, want [front-door]", kicked)
	}

	// Second event: already online, no second kick.
	if _, err := ing.Ingest(context.Background(), "front-door",
		grantedPayload("Alice", "pin", time.Now().UTC().Add(time.Second).Format(time.RFC3339))); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(kicked) != 1 {
		t.Errorf("kicks = %d after second event, want still 1", len(kicked))
	}
}

func TestIngest_OfflineEvent(t *testing.T) {
	marker := &mockMarker{}
	ing := newTestIngestor(t, nil, marker)

	if _, err := ing.Ingest(context.Background(), "front-door",
		[]byte(`{"type":"device_offline"}`)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	marker.mu.Lock()
	defer marker.mu.Unlock()
	if marker.online["front-door"] {
		t.Error("device marked online after explicit offline event")
	}
}

func TestIngest_ImplausibleTimestampReplaced(t *testing.T) {
	ing := newTestIngestor(t, nil, &mockMarker{})

	stale := time.Now().UTC().Add(-48 * time.Hour)
	before := time.Now().UTC()
	event, err := ing.Ingest(context.Background(), "front-door",
		grantedPayload("Alice", "card", stale.Format(time.RFC3339)))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if event.Timestamp.Before(before.Add(-time.Minute)) {
		t.Errorf("Timestamp = %v, want receipt time for a 48h-stale report", event.Timestamp)
	}
}

func TestRecent_BoundedNewestFirst(t *testing.T) {
	ing := newTestIngestor(t, nil, &mockMarker{})
	ctx := context.Background()

	base := time.Now().UTC()
	for n := 0; n < 8; n++ {
		ts := base.Add(time.Duration(n) * time.Second)
		if _, err := ing.Ingest(ctx, "front-door",
			grantedPayload("Alice", "card", ts.Format(time.RFC3339))); err != nil {
			t.Fatalf("Ingest() #%d error = %v", n, err)
		}
	}

	recent := ing.Recent("front-door", 10)
	if len(recent) != 5 {
		t.Fatalf("Recent() len = %d, want cache bound of 5", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Error("Recent() not ordered newest first")
	}
}

func TestIngest_SinkFailureDoesNotBlock(t *testing.T) {
	failing := &mockSink{err: errors.New("bus down")}
	ing := newTestIngestor(t, failing, &mockMarker{})

	if _, err := ing.Ingest(context.Background(), "front-door",
		grantedPayload("Alice", "card", time.Now().UTC().Format(time.RFC3339))); err != nil {
		t.Errorf("Ingest() error = %v, want nil despite sink failure", err)
	}
}

func TestIngest_UnknownDevice(t *testing.T) {
	marker := &mockMarker{err: errors.New("not found")}
	ing := newTestIngestor(t, nil, marker)

	_, err := ing.Ingest(context.Background(), "ghost",
		grantedPayload("Alice", "card", time.Now().UTC().Format(time.RFC3339)))
	if !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Ingest() error = %v, want ErrUnknownDevice", err)
	}
}

func TestIngest_FailedReceiptAcceptsRedelivery(t *testing.T) {
	// A webhook can race device registration: the first delivery fails
	// against the registry, the device redelivers the same event once
	// the record exists. The redelivery must go through, not drop as a
	// duplicate of an event that was never forwarded.
	sink := &mockSink{}
	marker := &mockMarker{err: errors.New("not found")}
	ing := newTestIngestor(t, sink, marker)
	ctx := context.Background()

	payload := grantedPayload("Alice", "card", time.Now().UTC().Format(time.RFC3339))

	if _, err := ing.Ingest(ctx, "front-door", payload); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("Ingest() first delivery error = %v, want ErrUnknownDevice", err)
	}

	marker.mu.Lock()
	marker.err = nil
	marker.mu.Unlock()

	event, err := ing.Ingest(ctx, "front-door", payload)
	if err != nil {
		t.Fatalf("Ingest() redelivery error = %v, want accepted", err)
	}
	if event == nil || sink.count() != 1 {
		t.Fatalf("redelivered event not forwarded; sink received %d", sink.count())
	}

	// A third delivery is the genuine duplicate.
	if _, err := ing.Ingest(ctx, "front-door", payload); !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("Ingest() third delivery error = %v, want ErrDuplicateEvent", err)
	}
}

func TestIngest_DedupeKeyedOnResolvedUser(t *testing.T) {
	sink := &mockSink{}
	ing := newTestIngestor(t, sink, &mockMarker{})
	ctx := context.Background()

	// Same instant, same canonical user, differently spelt name. The
	// resolver maps both to one identity, so the second is a duplicate.
	ing.resolver = &mockResolver{users: map[string]struct {
		id      string
		hasCred bool
	}{
		"Alice":       {id: "ha-alice", hasCred: true},
		"ALICE SMITH": {id: "ha-alice", hasCred: true},
	}}

	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := ing.Ingest(ctx, "front-door", grantedPayload("Alice", "card", ts)); err != nil {
		t.Fatalf("Ingest() first delivery error = %v", err)
	}
	_, err := ing.Ingest(ctx, "front-door", grantedPayload("ALICE SMITH", "card", ts))
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("Ingest() renamed redelivery error = %v, want ErrDuplicateEvent", err)
	}
	if sink.count() != 1 {
		t.Errorf("sink received %d events, want exactly 1", sink.count())
	}
}
