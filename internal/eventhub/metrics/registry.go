package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hubrecv/internal/eventhub"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Receive metrics
	receiveTotal    *prometheus.CounterVec
	receiveDuration *prometheus.HistogramVec
	eventsReceived  *prometheus.CounterVec
	receiveBatch    *prometheus.HistogramVec

	// Handler metrics
	handlerBatchTotal    *prometheus.CounterVec
	handlerBatchDuration *prometheus.HistogramVec
	handlerErrorTotal    *prometheus.CounterVec
	pumpsRunning         *prometheus.GaugeVec

	// Checkpoint metrics
	checkpointTotal *prometheus.CounterVec

	// Broker storage metrics
	storageOperationTotal    *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		receiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubrecv_receive_total",
				Help: "Total number of receive operations",
			},
			[]string{"event_hub", "partition", "status"}, // status: success, empty, error
		),

		receiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hubrecv_receive_duration_seconds",
				Help:    "Time spent in receive operations, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_hub", "partition"},
		),

		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubrecv_events_received_total",
				Help: "Total number of events received",
			},
			[]string{"event_hub", "partition"},
		),

		receiveBatch: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hubrecv_receive_batch_size",
				Help:    "Number of events in non empty received batches",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"event_hub", "partition"},
		),

		handlerBatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubrecv_handler_batch_total",
				Help: "Total number of batches delivered to handlers",
			},
			[]string{"event_hub", "partition", "status"}, // status: success, error
		),

		handlerBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hubrecv_handler_batch_duration_seconds",
				Help:    "Time spent by handlers processing a batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_hub", "partition"},
		),

		handlerErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubrecv_handler_error_total",
				Help: "Total number of errors reported to handlers",
			},
			[]string{"event_hub", "partition", "kind"},
		),

		pumpsRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hubrecv_pumps_running",
				Help: "Number of running receive pumps",
			},
			[]string{"event_hub", "partition"},
		),

		checkpointTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubrecv_checkpoint_total",
				Help: "Total number of checkpoint commits",
			},
			[]string{"event_hub", "partition", "status"}, // status: success, error
		),

		storageOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hubrecv_storage_operation_total",
				Help: "Total number of broker storage operations",
			},
			[]string{"operation", "status"}, // operation: append, load, head, ...
		),

		storageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hubrecv_storage_operation_duration_seconds",
				Help:    "Time spent on broker storage operations",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"operation"},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hubrecv_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "build_time"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hubrecv_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.receiveTotal,
		r.receiveDuration,
		r.eventsReceived,
		r.receiveBatch,
		r.handlerBatchTotal,
		r.handlerBatchDuration,
		r.handlerErrorTotal,
		r.pumpsRunning,
		r.checkpointTotal,
		r.storageOperationTotal,
		r.storageOperationDuration,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordReceive records a receive operation
func (r *Registry) RecordReceive(p eventhub.Partition, events int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	} else if events == 0 {
		status = "empty"
	}

	r.receiveTotal.WithLabelValues(p.EventHub, p.ID, status).Inc()
	r.receiveDuration.WithLabelValues(p.EventHub, p.ID).Observe(duration.Seconds())
	if events > 0 {
		r.eventsReceived.WithLabelValues(p.EventHub, p.ID).Add(float64(events))
		r.receiveBatch.WithLabelValues(p.EventHub, p.ID).Observe(float64(events))
	}
}

// RecordHandlerBatch records a batch delivered to a handler
func (r *Registry) RecordHandlerBatch(p eventhub.Partition, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.handlerBatchTotal.WithLabelValues(p.EventHub, p.ID, status).Inc()
	r.handlerBatchDuration.WithLabelValues(p.EventHub, p.ID).Observe(duration.Seconds())
}

// RecordHandlerError records an error reported to a handler
func (r *Registry) RecordHandlerError(p eventhub.Partition, err error) {
	r.handlerErrorTotal.WithLabelValues(p.EventHub, p.ID, ErrorKind(err)).Inc()
}

// PumpStarted and PumpStopped track running pumps
func (r *Registry) PumpStarted(p eventhub.Partition) {
	r.pumpsRunning.WithLabelValues(p.EventHub, p.ID).Inc()
}

func (r *Registry) PumpStopped(p eventhub.Partition) {
	r.pumpsRunning.WithLabelValues(p.EventHub, p.ID).Dec()
}

// RecordCheckpoint records a checkpoint commit
func (r *Registry) RecordCheckpoint(p eventhub.Partition, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.checkpointTotal.WithLabelValues(p.EventHub, p.ID, status).Inc()
}

// RecordStorageOperation records a broker storage operation
func (r *Registry) RecordStorageOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.storageOperationTotal.WithLabelValues(operation, status).Inc()
	r.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, buildTime string) {
	r.systemInfo.WithLabelValues(version, buildTime).Set(1)
}

var errorKinds = []struct {
	kind error
	name string
}{
	{eventhub.ErrHandlerSuperseded, "superseded"},
	{eventhub.ErrHandlerCallback, "handler_callback"},
	{eventhub.ErrLinkCreation, "link_creation"},
	{eventhub.ErrTerminalLinkFault, "terminal_link_fault"},
	{eventhub.ErrTimeout, "timeout"},
	{eventhub.ErrTransientReceive, "transient"},
	{eventhub.ErrClosed, "closed"},
	{eventhub.ErrPumpDefect, "pump_defect"},
}

// ErrorKind maps err to a low cardinality label value.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "other"
}
