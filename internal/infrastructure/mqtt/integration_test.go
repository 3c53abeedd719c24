//go:build integration

package mqtt

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

// Integration tests that need a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

// TestIntegration_RetainedPosition verifies that a client subscribing after
// a live position was published still receives it.
func TestIntegration_RetainedPosition(t *testing.T) {
	cfg := testConfig()
	cfg.TopicPrefix = "gltracker-int"

	cfg.Broker.ClientID = "gltracker-int-pub"
	pub := connectOrSkip(t, cfg)

	topic := pub.Topics().DevicePosition(77)
	want := map[string]any{"deviceId": float64(77), "latitude": 51.5}
	if err := pub.PublishJSON(topic, want, true); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}
	t.Cleanup(func() {
		// Clear the retained message for the next run.
		pub.Publish(topic, nil, 1, true) //nolint:errcheck // Test cleanup
	})

	cfg.Broker.ClientID = "gltracker-int-late-sub"
	sub := connectOrSkip(t, cfg)

	received := make(chan []byte, 1)
	if err := sub.Subscribe(sub.Topics().AllDevicePositions(), 1, func(_ string, p []byte) error {
		if len(p) > 0 {
			select {
			case received <- p:
			default:
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case p := <-received:
		var got map[string]any
		if err := json.Unmarshal(p, &got); err != nil {
			t.Fatalf("decoding retained payload: %v", err)
		}
		if got["deviceId"] != want["deviceId"] || got["latitude"] != want["latitude"] {
			t.Errorf("retained position = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Error("retained position not delivered to late subscriber")
	}
}

// TestIntegration_OnlineStatus verifies the connect handler publishes a
// retained online status and runs the OnConnect callback.
func TestIntegration_OnlineStatus(t *testing.T) {
	cfg := testConfig()
	cfg.TopicPrefix = "gltracker-int"
	cfg.Broker.ClientID = "gltracker-int-status"
	tracker := connectOrSkip(t, cfg)

	var connects atomic.Int32
	tracker.SetOnConnect(func() { connects.Add(1) })

	cfg.Broker.ClientID = "gltracker-int-status-watch"
	watcher := connectOrSkip(t, cfg)

	statuses := make(chan string, 4)
	if err := watcher.Subscribe(watcher.Topics().SystemStatus(), 1, func(_ string, p []byte) error {
		var msg map[string]string
		if err := json.Unmarshal(p, &msg); err != nil {
			return err
		}
		if msg["client_id"] == "gltracker-int-status" {
			statuses <- msg["status"]
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case s := <-statuses:
		if s != "online" {
			t.Errorf("status = %q, want online", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("online status not received")
	}

	tracker.SetOnConnect(nil)
	tracker.SetOnDisconnect(nil)
}
