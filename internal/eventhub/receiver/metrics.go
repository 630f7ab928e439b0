package receiver

import (
	"context"
	"time"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/metrics"
)

// MetricsReceiver wraps an eventhub.Receiver with metrics collection
type MetricsReceiver struct {
	receiver  eventhub.Receiver
	registry  *metrics.Registry
	partition eventhub.Partition
}

// NewMetricsReceiver creates a new instrumented receiver
func NewMetricsReceiver(receiver eventhub.Receiver, registry *metrics.Registry, partition eventhub.Partition) eventhub.Receiver {
	return &MetricsReceiver{
		receiver:  receiver,
		registry:  registry,
		partition: partition,
	}
}

// Receive implements eventhub.Receiver.Receive with metrics collection
func (r *MetricsReceiver) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*eventhub.Event, error) {
	start := time.Now()

	events, err := r.receiver.Receive(ctx, maxCount, wait)
	r.registry.RecordReceive(r.partition, len(events), time.Since(start), err)

	return events, err
}

// SetHandler implements eventhub.Receiver.SetHandler, instrumenting h
func (r *MetricsReceiver) SetHandler(h eventhub.Handler) {
	if h != nil {
		h = &metricsHandler{handler: h, registry: r.registry, partition: r.partition}
		r.registry.PumpStarted(r.partition)
	}
	r.receiver.SetHandler(h)
}

// Close implements eventhub.Receiver.Close
func (r *MetricsReceiver) Close(ctx context.Context) error {
	return r.receiver.Close(ctx)
}

// metricsHandler records what the pump hands to the wrapped handler. The
// pumps gauge drops when the handler is closed.
type metricsHandler struct {
	handler   eventhub.Handler
	registry  *metrics.Registry
	partition eventhub.Partition
}

func (h *metricsHandler) MaxBatchSize() int {
	return h.handler.MaxBatchSize()
}

func (h *metricsHandler) OnBatch(ctx context.Context, events []*eventhub.Event) error {
	start := time.Now()

	err := h.handler.OnBatch(ctx, events)
	h.registry.RecordHandlerBatch(h.partition, time.Since(start), err)

	return err
}

func (h *metricsHandler) OnError(ctx context.Context, err error) error {
	h.registry.RecordHandlerError(h.partition, err)
	return h.handler.OnError(ctx, err)
}

func (h *metricsHandler) OnClose(ctx context.Context) error {
	h.registry.PumpStopped(h.partition)
	return h.handler.OnClose(ctx)
}
