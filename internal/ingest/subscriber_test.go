package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/mqtt"
	_ "github.com/nerrad567/gray-logic-tracker/migrations"
)

// fakeBroker records subscriptions and lets tests deliver messages.
type fakeBroker struct {
	topics mqtt.Topics
	err    error

	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBroker) Topics() mqtt.Topics { return b.topics }

func (b *fakeBroker) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[b.topics.AllIngest()]
	b.mu.Unlock()
	if !ok {
		t.Fatal("no ingest subscription")
	}
	return h(topic, []byte(payload))
}

// fakeRegistry resolves devices from a map and records accepted positions.
type fakeRegistry struct {
	devices   map[string]*device.Device
	acceptErr error
	stale     bool

	accepted []device.Position
	statuses map[int64]string
}

func (r *fakeRegistry) Identify(_ context.Context, uniqueID string) (*device.Device, bool) {
	d, ok := r.devices[uniqueID]
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

func (r *fakeRegistry) AcceptPosition(_ context.Context, p *device.Position) (bool, error) {
	if r.acceptErr != nil {
		return false, r.acceptErr
	}
	r.accepted = append(r.accepted, *p)
	return !r.stale, nil
}

func (r *fakeRegistry) UpdateDeviceStatus(_ context.Context, id int64, status string, _ time.Time) error {
	if r.statuses == nil {
		r.statuses = map[int64]string{}
	}
	r.statuses[id] = status
	return nil
}

type fakeStore struct {
	nextID int64
	err    error
	added  []device.Position
}

func (s *fakeStore) AddPosition(_ context.Context, p *device.Position) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.nextID++
	s.added = append(s.added, *p)
	return s.nextID, nil
}

type countingMetrics struct {
	results map[string]int
}

func (m *countingMetrics) IngestResult(result string) {
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

const fix = `"fixTime":"2026-06-01T08:00:00Z"`

func newTestSubscriber(protocols ...string) (*Subscriber, *fakeRegistry, *fakeStore, *fakeBroker) {
	reg := &fakeRegistry{devices: map[string]*device.Device{
		"359710049000001": {ID: 7, UniqueID: "359710049000001", Status: device.StatusOffline},
		"disabled-1":      {ID: 8, UniqueID: "disabled-1", Disabled: true},
	}}
	store := &fakeStore{nextID: 100}
	broker := newFakeBroker()
	s := New(Options{Registry: reg, Store: store, Broker: broker, Protocols: protocols})
	s.now = func() time.Time { return time.Date(2026, 6, 1, 8, 0, 5, 0, time.UTC) }
	return s, reg, store, broker
}

func TestSubscriber_Process(t *testing.T) {
	tests := []struct {
		name      string
		protocols []string
		topic     string
		payload   string
		want      string
		wantStore int
	}{
		{"accepted", nil, "gltracker/ingest/gt06/359710049000001",
			`{"latitude":51.5,"longitude":-0.1,"valid":true,` + fix + `}`, resultAccepted, 1},
		{"unknown device", nil, "gltracker/ingest/gt06/nobody",
			`{"latitude":1,"longitude":1,` + fix + `}`, resultUnknown, 0},
		{"disabled device", nil, "gltracker/ingest/gt06/disabled-1",
			`{"latitude":1,"longitude":1,` + fix + `}`, resultFiltered, 0},
		{"protocol filtered", []string{"osmand"}, "gltracker/ingest/gt06/359710049000001",
			`{"latitude":1,"longitude":1,` + fix + `}`, resultFiltered, 0},
		{"protocol allowed", []string{"osmand", "gt06"}, "gltracker/ingest/gt06/359710049000001",
			`{"latitude":1,"longitude":1,` + fix + `}`, resultAccepted, 1},
		{"foreign topic", nil, "other/ingest/gt06/359710049000001", `{}`, resultInvalid, 0},
		{"bad json", nil, "gltracker/ingest/gt06/359710049000001", `{"latitude":`, resultInvalid, 0},
		{"missing fix time", nil, "gltracker/ingest/gt06/359710049000001",
			`{"latitude":1,"longitude":1}`, resultInvalid, 0},
		{"latitude out of range", nil, "gltracker/ingest/gt06/359710049000001",
			`{"latitude":91,"longitude":1,` + fix + `}`, resultInvalid, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, store, _ := newTestSubscriber(tt.protocols...)
			got, err := s.Process(context.Background(), tt.topic, []byte(tt.payload))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Process() = %q, want %q", got, tt.want)
			}
			if len(store.added) != tt.wantStore {
				t.Errorf("stored %d positions, want %d", len(store.added), tt.wantStore)
			}
		})
	}
}

func TestSubscriber_ProcessFillsPosition(t *testing.T) {
	s, reg, store, _ := newTestSubscriber()
	payload := `{"id":55,"deviceId":999,"latitude":51.5,"longitude":-0.1,` + fix + `,"attributes":{"ignition":true}}`

	if _, err := s.Process(context.Background(), "gltracker/ingest/gt06/359710049000001", []byte(payload)); err != nil {
		t.Fatal(err)
	}

	stored := store.added[0]
	if stored.DeviceID != 7 {
		t.Errorf("stored DeviceID = %d, want 7 (from topic, not payload)", stored.DeviceID)
	}
	if stored.ID != 0 {
		t.Errorf("stored ID = %d, want 0 before insert", stored.ID)
	}
	if stored.Protocol != "gt06" {
		t.Errorf("Protocol = %q, want gt06 from topic", stored.Protocol)
	}
	if !stored.ServerTime.Equal(time.Date(2026, 6, 1, 8, 0, 5, 0, time.UTC)) {
		t.Errorf("ServerTime = %v", stored.ServerTime)
	}

	if len(reg.accepted) != 1 || reg.accepted[0].ID != 101 {
		t.Fatalf("accepted = %+v, want position 101", reg.accepted)
	}
	if reg.accepted[0].Attributes["ignition"] != true {
		t.Errorf("attributes lost: %v", reg.accepted[0].Attributes)
	}
	if reg.statuses[7] != device.StatusOnline {
		t.Errorf("device status = %q, want online", reg.statuses[7])
	}
}

func TestSubscriber_ProcessErrors(t *testing.T) {
	topic := "gltracker/ingest/gt06/359710049000001"
	payload := []byte(`{"latitude":1,"longitude":1,` + fix + `}`)

	t.Run("store failure", func(t *testing.T) {
		s, reg, store, _ := newTestSubscriber()
		store.err = errors.New("database is locked")
		got, err := s.Process(context.Background(), topic, payload)
		if err == nil || got != resultFailed {
			t.Errorf("Process() = %q, %v; want failed with error", got, err)
		}
		if len(reg.accepted) != 0 {
			t.Error("position accepted despite store failure")
		}
	})

	t.Run("accept failure", func(t *testing.T) {
		s, reg, _, _ := newTestSubscriber()
		reg.acceptErr = device.ErrStore
		got, err := s.Process(context.Background(), topic, payload)
		if !errors.Is(err, device.ErrStore) || got != resultFailed {
			t.Errorf("Process() = %q, %v; want failed wrapping ErrStore", got, err)
		}
	})

	t.Run("stale", func(t *testing.T) {
		s, reg, _, _ := newTestSubscriber()
		reg.stale = true
		got, err := s.Process(context.Background(), topic, payload)
		if err != nil || got != resultStale {
			t.Errorf("Process() = %q, %v; want stale", got, err)
		}
	})
}

func TestSubscriber_StartStop(t *testing.T) {
	s, reg, _, broker := newTestSubscriber()
	metrics := &countingMetrics{}
	s.metrics = metrics

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if err := broker.deliver(t, "gltracker/ingest/gt06/359710049000001", `{"latitude":1,"longitude":1,`+fix+`}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if err := broker.deliver(t, "gltracker/ingest/gt06/ghost", `{"latitude":1,"longitude":1,`+fix+`}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(reg.accepted) != 1 {
		t.Errorf("accepted %d positions, want 1", len(reg.accepted))
	}
	if metrics.results[resultAccepted] != 1 || metrics.results[resultUnknown] != 1 {
		t.Errorf("metrics = %v", metrics.results)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if len(broker.handlers) != 0 {
		t.Error("Stop() did not unsubscribe")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSubscriber_StartSubscribeError(t *testing.T) {
	s, _, _, broker := newTestSubscriber()
	broker.err = mqtt.ErrNotConnected
	if err := s.Start(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
	broker.err = nil
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Start() after failure error = %v", err)
	}
}

// recordingSink captures what the registry publishes.
type recordingSink struct {
	mu  sync.Mutex
	got []device.Position
}

func (r *recordingSink) PublishPosition(_ context.Context, _ device.Device, p device.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
}

func (r *recordingSink) RemoveDevice(context.Context, int64) {}

func TestSubscriber_WithRegistry(t *testing.T) {
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "ingest.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		db.Close() //nolint:errcheck // Test cleanup
	})
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	store := device.NewSQLiteStore(db.DB)
	sink := &recordingSink{}
	reg := device.NewRegistry(device.RegistryOptions{Store: store, Sink: sink})
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	dev, err := reg.AddDevice(ctx, &device.Device{Name: "Van", UniqueID: "imei-1"})
	if err != nil {
		t.Fatal(err)
	}

	s := New(Options{Registry: reg, Store: store, Broker: newFakeBroker()})
	topic := "gltracker/ingest/osmand/imei-1"

	newer := `{"latitude":10,"longitude":20,"fixTime":"2026-06-01T08:00:10Z"}`
	older := `{"latitude":11,"longitude":21,"fixTime":"2026-06-01T08:00:00Z"}`
	if got, err := s.Process(ctx, topic, []byte(newer)); err != nil || got != resultAccepted {
		t.Fatalf("Process(newer) = %q, %v", got, err)
	}
	if got, err := s.Process(ctx, topic, []byte(older)); err != nil || got != resultStale {
		t.Fatalf("Process(older) = %q, %v", got, err)
	}

	latest, ok := reg.LatestPosition(dev.ID)
	if !ok || latest.Latitude != 10 || latest.Protocol != "osmand" {
		t.Errorf("LatestPosition() = %+v, %v", latest, ok)
	}
	cached, _ := reg.Device(dev.ID)
	if cached.Status != device.StatusOnline || cached.PositionID != latest.ID {
		t.Errorf("device = status %q position %d, want online/%d", cached.Status, cached.PositionID, latest.ID)
	}
	if len(sink.got) != 1 {
		t.Errorf("sink received %d positions, want 1", len(sink.got))
	}
}
