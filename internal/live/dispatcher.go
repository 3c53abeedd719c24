package live

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-tracker/internal/device"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 2
	deliverTimeout   = 5 * time.Second
)

// Update is one accepted position together with its device. When Removed
// is set it carries only the id of a deleted device.
type Update struct {
	Device   device.Device
	Position device.Position
	Removed  bool
}

// Target receives live updates. Deliver is called from a single worker per
// device and must be safe for concurrent use across devices.
type Target interface {
	Name() string
	Deliver(ctx context.Context, u Update) error
}

// Remover is implemented by targets that keep per-device state. Remove runs
// on the device's worker after every update queued before the removal.
type Remover interface {
	Remove(ctx context.Context, deviceID int64) error
}

// Logger is the logging surface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives dispatcher events.
type Metrics interface {
	LiveDropped()
	LiveQueueDepth(n int)
	SinkFailed(sink string)
}

type noopMetrics struct{}

func (noopMetrics) LiveDropped()       {}
func (noopMetrics) LiveQueueDepth(int) {}
func (noopMetrics) SinkFailed(string)  {}

// Options sizes a Dispatcher.
type Options struct {
	// QueueSize is the total number of updates that may wait, split evenly
	// across workers.
	QueueSize int
	Workers   int
	Metrics   Metrics
}

// Dispatcher is an asynchronous device.Sink that delivers to every target.
//
// Thread Safety: PublishPosition, RemoveDevice and Close are safe for
// concurrent use.
type Dispatcher struct {
	targets []Target
	queues  []chan Update
	metrics Metrics
	logger  Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher and starts its workers.
func NewDispatcher(opts Options, targets ...Target) *Dispatcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	perWorker := max(size/workers, 1)

	d := &Dispatcher{
		targets: targets,
		queues:  make([]chan Update, workers),
		metrics: opts.Metrics,
		logger:  noopLogger{},
	}
	if d.metrics == nil {
		d.metrics = noopMetrics{}
	}

	for i := range d.queues {
		d.queues[i] = make(chan Update, perWorker)
		d.wg.Add(1)
		go d.work(d.queues[i])
	}
	return d
}

// SetLogger sets the logger. Call before the first PublishPosition.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// PublishPosition queues the update without blocking. If the device's
// worker queue is full, or the dispatcher is closed, the update is dropped.
func (d *Dispatcher) PublishPosition(_ context.Context, dev device.Device, p device.Position) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	q := d.queues[d.shard(dev.ID)]
	select {
	case q <- Update{Device: dev, Position: p}:
		d.metrics.LiveQueueDepth(d.depth())
	default:
		d.metrics.LiveDropped()
		d.logger.Warn("live update dropped, queue full",
			"device_id", dev.ID,
			"position_id", p.ID,
		)
	}
}

// RemoveDevice queues the removal of a device behind its pending updates.
// Unlike positions it waits for queue space, until ctx ends or the delivery
// timeout passes, and only then drops the removal.
func (d *Dispatcher) RemoveDevice(ctx context.Context, id int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	timer := time.NewTimer(deliverTimeout)
	defer timer.Stop()

	select {
	case d.queues[d.shard(id)] <- Update{Device: device.Device{ID: id}, Removed: true}:
		d.metrics.LiveQueueDepth(d.depth())
	case <-ctx.Done():
		d.dropRemoval(id, ctx.Err())
	case <-timer.C:
		d.dropRemoval(id, context.DeadlineExceeded)
	}
}

func (d *Dispatcher) dropRemoval(id int64, err error) {
	d.metrics.LiveDropped()
	d.logger.Warn("live device removal dropped", "device_id", id, "error", err)
}

func (d *Dispatcher) shard(deviceID int64) int {
	n := int64(len(d.queues))
	return int(((deviceID % n) + n) % n)
}

func (d *Dispatcher) depth() int {
	total := 0
	for _, q := range d.queues {
		total += len(q)
	}
	return total
}

func (d *Dispatcher) work(queue <-chan Update) {
	defer d.wg.Done()
	for u := range queue {
		d.deliver(u)
	}
}

func (d *Dispatcher) deliver(u Update) {
	for _, t := range d.targets {
		if _, ok := t.(Remover); u.Removed && !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := d.safeDeliver(ctx, t, u)
		cancel()
		if err != nil {
			d.metrics.SinkFailed(t.Name())
			d.logger.Error("live update delivery failed",
				"sink", t.Name(),
				"device_id", u.Device.ID,
				"removed", u.Removed,
				"error", err,
			)
		}
	}
}

// safeDeliver keeps a panicking target from killing the worker.
func (d *Dispatcher) safeDeliver(ctx context.Context, t Target, u Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	if u.Removed {
		return t.(Remover).Remove(ctx, u.Device.ID)
	}
	return t.Deliver(ctx, u)
}

// Close stops accepting updates, delivers everything already queued and
// waits for the workers to finish. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.metrics.LiveQueueDepth(0)
}
