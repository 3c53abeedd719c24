package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker-dependent tests expect Mosquitto at 127.0.0.1:1883 and skip
// when nothing is listening there.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "gltracker-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "gltracker-test",
	}
}

// connectOrSkip connects with cfg or skips the test when no broker is up.
func connectOrSkip(t *testing.T, cfg config.MQTTConfig) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker at 127.0.0.1:1883")
	}
	conn.Close()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	fleet := Topics{Prefix: "fleet/"}
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Ingest", fleet.Ingest("gt06", "359710049000001"), "fleet/ingest/gt06/359710049000001"},
		{"AllIngest", fleet.AllIngest(), "fleet/ingest/+/+"},
		{"ProtocolIngest", fleet.ProtocolIngest("jt808"), "fleet/ingest/jt808/+"},
		{"DevicePosition", fleet.DevicePosition(42), "fleet/device/42/position"},
		{"AllDevicePositions", fleet.AllDevicePositions(), "fleet/device/+/position"},
		{"SystemStatus", fleet.SystemStatus(), "fleet/system/status"},
		{"AllTopics", fleet.AllTopics(), "fleet/#"},
		{"default prefix", Topics{}.SystemStatus(), "gltracker/system/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestTopics_ParseIngest(t *testing.T) {
	topics := Topics{Prefix: "fleet"}
	tests := []struct {
		topic        string
		wantProtocol string
		wantUniqueID string
		wantOK       bool
	}{
		{"fleet/ingest/gt06/359710049000001", "gt06", "359710049000001", true},
		{"fleet/ingest/osmand/abc-1", "osmand", "abc-1", true},
		{"fleet/ingest/gt06/", "", "", false},
		{"fleet/ingest//123", "", "", false},
		{"fleet/ingest/gt06/a/b", "", "", false},
		{"fleet/device/1/position", "", "", false},
		{"other/ingest/gt06/1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			protocol, uniqueID, ok := topics.ParseIngest(tt.topic)
			if protocol != tt.wantProtocol || uniqueID != tt.wantUniqueID || ok != tt.wantOK {
				t.Errorf("ParseIngest() = %q, %q, %v; want %q, %q, %v",
					protocol, uniqueID, ok, tt.wantProtocol, tt.wantUniqueID, tt.wantOK)
			}
		})
	}

	t.Run("round trip", func(t *testing.T) {
		p, u, ok := topics.ParseIngest(topics.Ingest("h02", "8800000015"))
		if !ok || p != "h02" || u != "8800000015" {
			t.Errorf("ParseIngest(Ingest()) = %q, %q, %v", p, u, ok)
		}
	})
}

// =============================================================================
// Offline Tests
// =============================================================================

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	_, err := Connect(cfg)
	if err == nil {
		t.Fatal("Connect() should fail for refused connection")
	}
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestValidation_Disconnected(t *testing.T) {
	client := &Client{subs: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", client.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish bad qos", client.Publish("t", nil, 3, false), ErrInvalidQoS},
		{"publish oversized", client.Publish("t", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", client.Publish("t", nil, 1, false), ErrNotConnected},
		{"publish json disconnected", client.PublishJSON("t", map[string]int{"a": 1}, false), ErrNotConnected},
		{"publish json unencodable", client.PublishJSON("t", make(chan int), false), ErrPublishFailed},
		{"subscribe empty topic", client.Subscribe("", 1, handler), ErrInvalidTopic},
		{"subscribe bad qos", client.Subscribe("t", 3, handler), ErrInvalidQoS},
		{"subscribe nil handler", client.Subscribe("t", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", client.Subscribe("t", 1, handler), ErrNotConnected},
		{"unsubscribe empty topic", client.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", client.Unsubscribe("t"), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	client := &Client{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth = config.MQTTAuthConfig{Username: "tracker", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "gltracker-test" || opts.Username != "tracker" {
		t.Errorf("ClientID/Username = %q/%q", opts.ClientID, opts.Username)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS not configured")
	}
	if !opts.AutoReconnect || opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("reconnect = %v / %v", opts.AutoReconnect, opts.MaxReconnectInterval)
	}

	configureLWT(opts, "fleet/system/status", cfg.Broker.ClientID)
	if !opts.WillEnabled || opts.WillTopic != "fleet/system/status" || !opts.WillRetained {
		t.Errorf("will = %v %q retained=%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	var will map[string]string
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil || will["status"] != "offline" {
		t.Errorf("will payload = %s (%v)", opts.WillPayload, err)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client := connectOrSkip(t, testConfig())

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if client.Topics().Prefix != "gltracker-test" {
		t.Errorf("Topics().Prefix = %q", client.Topics().Prefix)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	client := connectOrSkip(t, testConfig())
	topic := client.Topics().AllIngest()

	if err := client.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := client.Subscriptions(); !slices.Equal(got, []string{topic}) {
		t.Errorf("Subscriptions() = %v, want [%s]", got, topic)
	}
	if err := client.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if got := client.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions() after Unsubscribe = %v", got)
	}
}

func TestIngestRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "gltracker-test-sub"
	sub := connectOrSkip(t, cfg)

	cfg.Broker.ClientID = "gltracker-test-pub"
	pub := connectOrSkip(t, cfg)

	var mu sync.Mutex
	received := make(map[string]string)
	done := make(chan struct{}, 3)

	err := sub.Subscribe(sub.Topics().AllIngest(), 1, func(topic string, payload []byte) error {
		_, uniqueID, ok := sub.Topics().ParseIngest(topic)
		if !ok {
			return errors.New("unexpected topic " + topic)
		}
		mu.Lock()
		received[uniqueID] = string(payload)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	for _, uid := range []string{"A1", "B2", "C3"} {
		if err := pub.PublishJSON(pub.Topics().Ingest("osmand", uid), map[string]string{"id": uid}, false); err != nil {
			t.Fatalf("PublishJSON() error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 3 messages", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received["B2"] != `{"id":"B2"}` {
		t.Errorf("received = %v", received)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "gltracker-test-panic"
	client := connectOrSkip(t, cfg)

	logger := &mockLogger{}
	client.SetLogger(logger)

	topic := client.Topics().Ingest("panic", "1")
	called := make(chan struct{}, 1)
	err := client.Subscribe(topic, 1, func(string, []byte) error {
		called <- struct{}{}
		panic("decoder bug")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := client.Publish(topic, []byte("x"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}

	time.Sleep(50 * time.Millisecond)
	if !client.IsConnected() {
		t.Error("client disconnected after handler panic")
	}
	if logger.errorCount() == 0 {
		t.Error("panic not logged")
	}
}

// mockLogger records logged messages.
type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}
