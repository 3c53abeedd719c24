package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "gltracker"

	defaultPath     = "/metrics"
	shutdownTimeout = 5 * time.Second
	readTimeout     = 10 * time.Second
)

// Ingest outcomes reported through IngestResult.
const (
	IngestAccepted = "accepted"
	IngestStale    = "stale"
	IngestUnknown  = "unknown_device"
	IngestInvalid  = "invalid"
	IngestFiltered = "filtered"
	IngestFailed   = "failed"
)

// Metrics holds every tracker collector.
//
// Thread Safety: all methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	positions         *prometheus.CounterVec
	provisioned       prometheus.Counter
	provisionRejected prometheus.Counter
	cacheRefreshes    prometheus.Counter
	cachedDevices     prometheus.Gauge
	liveDropped       prometheus.Counter
	liveQueueDepth    prometheus.Gauge
	sinkFailures      *prometheus.CounterVec
	ingest            *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_total",
			Help:      "Positions offered to the registry by result.",
		}, []string{"result"}),
		provisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_provisioned_total",
			Help:      "Unknown devices registered automatically.",
		}),
		provisionRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_provision_rejected_total",
			Help:      "Automatic registrations refused by the authorizer.",
		}),
		cacheRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refreshes_total",
			Help:      "Device cache reloads from storage.",
		}),
		cachedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cached_devices",
			Help:      "Devices held in the registry cache after the last reload.",
		}),
		liveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_updates_dropped_total",
			Help:      "Live updates discarded because the dispatch queue was full.",
		}),
		liveQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_queue_depth",
			Help:      "Live updates waiting for a dispatch worker.",
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sink_failures_total",
			Help:      "Live update deliveries that failed, by sink.",
		}, []string{"sink"}),
		ingest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Ingest messages handled, by outcome.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.positions, m.provisioned, m.provisionRejected,
		m.cacheRefreshes, m.cachedDevices,
		m.liveDropped, m.liveQueueDepth, m.sinkFailures, m.ingest,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// PositionAccepted counts a position that became the device's latest.
func (m *Metrics) PositionAccepted() { m.positions.WithLabelValues("accepted").Inc() }

// PositionStale counts a position older than the cached latest.
func (m *Metrics) PositionStale() { m.positions.WithLabelValues("stale").Inc() }

// PositionFailed counts a position whose device update could not be stored.
func (m *Metrics) PositionFailed() { m.positions.WithLabelValues("failed").Inc() }

// DeviceProvisioned counts an automatic registration.
func (m *Metrics) DeviceProvisioned() { m.provisioned.Inc() }

// ProvisionRejected counts a refused automatic registration.
func (m *Metrics) ProvisionRejected() { m.provisionRejected.Inc() }

// CacheRefreshed records a cache reload and the resulting device count.
func (m *Metrics) CacheRefreshed(devices int) {
	m.cacheRefreshes.Inc()
	m.cachedDevices.Set(float64(devices))
}

// LiveDropped counts a live update discarded on a full queue.
func (m *Metrics) LiveDropped() { m.liveDropped.Inc() }

// LiveQueueDepth records the number of queued live updates.
func (m *Metrics) LiveQueueDepth(n int) { m.liveQueueDepth.Set(float64(n)) }

// SinkFailed counts a failed delivery to the named sink.
func (m *Metrics) SinkFailed(sink string) { m.sinkFailures.WithLabelValues(sink).Inc() }

// IngestResult counts an ingest message by outcome.
func (m *Metrics) IngestResult(result string) { m.ingest.WithLabelValues(result).Inc() }

// Handler returns the exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes the handler on listen at path until ctx is cancelled.
// It returns nil after a clean shutdown.
func (m *Metrics) Serve(ctx context.Context, listen, path string) error {
	if path == "" {
		path = defaultPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	}
}
