package receiver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/tracing"
)

// TracedReceiver wraps an eventhub.Receiver with distributed tracing
// Layer order: TracedReceiver -> MetricsReceiver -> Receiver (real thing)
type TracedReceiver struct {
	receiver  eventhub.Receiver
	tracer    *tracing.Tracer
	partition eventhub.Partition
}

// NewTracedReceiver creates a new traced receiver that wraps a metrics receiver
func NewTracedReceiver(receiver eventhub.Receiver, tracer *tracing.Tracer, partition eventhub.Partition) eventhub.Receiver {
	return &TracedReceiver{
		receiver:  receiver,
		tracer:    tracer,
		partition: partition,
	}
}

// Receive implements eventhub.Receiver.Receive with distributed tracing
func (r *TracedReceiver) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*eventhub.Event, error) {
	ctx, span := r.tracer.StartSpan(ctx, "receiver.receive")
	defer span.End()

	span.SetAttributes(r.tracer.ReceiveAttributes(r.partition, maxCount, wait)...)

	events, err := r.receiver.Receive(ctx, maxCount, wait)

	span.SetAttributes(r.tracer.BatchAttributes(events)...)
	if err != nil {
		r.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(r.tracer.ErrorAttributes(err)...)

	return events, err
}

// SetHandler implements eventhub.Receiver.SetHandler, tracing every batch
// handed to h
func (r *TracedReceiver) SetHandler(h eventhub.Handler) {
	if h != nil {
		h = &tracedHandler{handler: h, tracer: r.tracer, partition: r.partition}
	}
	r.receiver.SetHandler(h)
}

// Close implements eventhub.Receiver.Close with distributed tracing
func (r *TracedReceiver) Close(ctx context.Context) error {
	ctx, span := r.tracer.StartSpan(ctx, "receiver.close")
	defer span.End()

	span.SetAttributes(r.tracer.PartitionAttributes(r.partition)...)

	err := r.receiver.Close(ctx)
	if err != nil {
		r.tracer.RecordError(ctx, err)
	}

	return err
}

type tracedHandler struct {
	handler   eventhub.Handler
	tracer    *tracing.Tracer
	partition eventhub.Partition
}

func (h *tracedHandler) MaxBatchSize() int {
	return h.handler.MaxBatchSize()
}

func (h *tracedHandler) OnBatch(ctx context.Context, events []*eventhub.Event) error {
	ctx, span := h.tracer.StartSpan(ctx, "handler.batch")
	defer span.End()

	span.SetAttributes(h.tracer.PartitionAttributes(h.partition)...)
	span.SetAttributes(h.tracer.BatchAttributes(events)...)

	err := h.handler.OnBatch(ctx, events)
	if err != nil {
		h.tracer.RecordError(ctx, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

func (h *tracedHandler) OnError(ctx context.Context, err error) error {
	h.tracer.WithAttributes(ctx, h.tracer.ErrorAttributes(err)...)
	return h.handler.OnError(ctx, err)
}

func (h *tracedHandler) OnClose(ctx context.Context) error {
	return h.handler.OnClose(ctx)
}
