package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
	"github.com/nerrad567/gray-logic-tracker/internal/infrastructure/mqtt"
)

const (
	subscribeQoS   = 1
	processTimeout = 10 * time.Second
)

// ErrAlreadyStarted is returned by Start when the subscriber is running.
var ErrAlreadyStarted = errors.New("ingest: already started")

// Registry is the part of *device.Registry the subscriber drives.
type Registry interface {
	Identify(ctx context.Context, uniqueID string) (*device.Device, bool)
	AcceptPosition(ctx context.Context, p *device.Position) (bool, error)
	UpdateDeviceStatus(ctx context.Context, id int64, status string, at time.Time) error
}

// PositionStore persists positions before they are accepted.
type PositionStore interface {
	AddPosition(ctx context.Context, p *device.Position) (int64, error)
}

// Broker is the part of *mqtt.Client the subscriber needs.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
}

// Logger is the logging surface used by the subscriber.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Metrics receives one outcome per handled message.
type Metrics interface {
	IngestResult(result string)
}

type noopMetrics struct{}

func (noopMetrics) IngestResult(string) {}

// Outcomes reported to Metrics. They match the metrics package constants.
const (
	resultAccepted = "accepted"
	resultStale    = "stale"
	resultUnknown  = "unknown_device"
	resultInvalid  = "invalid"
	resultFiltered = "filtered"
	resultFailed   = "failed"
)

// Options configures a Subscriber.
type Options struct {
	Registry Registry
	Store    PositionStore
	Broker   Broker

	// Protocols restricts ingestion to these decoders. Empty accepts all.
	Protocols []string
	Metrics   Metrics
}

// Subscriber consumes ingest topics and drives the registry.
//
// Thread Safety: the MQTT client may call the handler concurrently; all
// per-message state is local.
type Subscriber struct {
	registry  Registry
	store     PositionStore
	broker    Broker
	protocols []string
	metrics   Metrics
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	topic   string
	started bool
}

// New creates a Subscriber.
func New(opts Options) *Subscriber {
	s := &Subscriber{
		registry:  opts.Registry,
		store:     opts.Store,
		broker:    opts.Broker,
		protocols: slices.Clone(opts.Protocols),
		metrics:   opts.Metrics,
		logger:    noopLogger{},
		now:       time.Now,
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s
}

// SetLogger sets the logger. Call before Start.
func (s *Subscriber) SetLogger(logger Logger) {
	s.logger = logger
}

// Start subscribes to the ingest topics. Messages are processed under a
// context derived from ctx; cancelling it aborts in-flight work.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	topic := s.broker.Topics().AllIngest()
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.broker.Subscribe(topic, subscribeQoS, s.handle); err != nil {
		s.cancel()
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	s.topic = topic
	s.started = true
	s.logger.Info("ingest subscriber started", "topic", topic, "protocols", s.protocols)
	return nil
}

// Stop unsubscribes. It is a no-op when not started.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.cancel()
	if err := s.broker.Unsubscribe(s.topic); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", s.topic, err)
	}
	return nil
}

func (s *Subscriber) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// handle is the MQTT message handler. Returned errors are logged by the
// MQTT client; expected rejections return nil.
func (s *Subscriber) handle(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(s.baseContext(), processTimeout)
	defer cancel()

	result, err := s.Process(ctx, topic, payload)
	s.metrics.IngestResult(result)
	return err
}

// Process handles one ingest message and returns its outcome label.
func (s *Subscriber) Process(ctx context.Context, topic string, payload []byte) (string, error) {
	protocol, uniqueID, ok := s.broker.Topics().ParseIngest(topic)
	if !ok {
		s.logger.Warn("ingest topic not recognised", "topic", topic)
		return resultInvalid, nil
	}
	if len(s.protocols) > 0 && !slices.Contains(s.protocols, protocol) {
		s.logger.Debug("ingest protocol filtered", "protocol", protocol, "unique_id", uniqueID)
		return resultFiltered, nil
	}

	var p device.Position
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("ingest payload not decodable",
			"protocol", protocol,
			"unique_id", uniqueID,
			"error", err,
		)
		return resultInvalid, nil
	}

	d, ok := s.registry.Identify(ctx, uniqueID)
	if !ok {
		s.logger.Debug("unknown device", "protocol", protocol, "unique_id", uniqueID)
		return resultUnknown, nil
	}
	if d.Disabled {
		s.logger.Debug("position from disabled device ignored", "device_id", d.ID)
		return resultFiltered, nil
	}

	now := s.now().UTC()
	p.ID = 0
	p.DeviceID = d.ID
	if p.Protocol == "" {
		p.Protocol = protocol
	}
	p.ServerTime = now

	if err := device.ValidatePosition(&p); err != nil {
		s.logger.Warn("ingest position rejected",
			"device_id", d.ID,
			"error", err,
		)
		return resultInvalid, nil
	}

	id, err := s.store.AddPosition(ctx, &p)
	if err != nil {
		return resultFailed, fmt.Errorf("storing position for device %d: %w", d.ID, err)
	}
	p.ID = id

	if d.Status != device.StatusOnline {
		if err := s.registry.UpdateDeviceStatus(ctx, d.ID, device.StatusOnline, now); err != nil {
			s.logger.Warn("device status update failed", "device_id", d.ID, "error", err)
		}
	}

	accepted, err := s.registry.AcceptPosition(ctx, &p)
	if err != nil {
		return resultFailed, fmt.Errorf("accepting position %d: %w", p.ID, err)
	}
	if !accepted {
		s.logger.Debug("older position stored but not latest", "device_id", d.ID, "position_id", p.ID)
		return resultStale, nil
	}
	return resultAccepted, nil
}
