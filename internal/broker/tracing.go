package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"hubrecv/internal/eventhub/tracing"
)

// TracedLog wraps a Log with distributed tracing
// Layer order: TracedLog -> MetricsLog -> CouchbaseLog (real thing)
type TracedLog struct {
	log    Log
	tracer *tracing.Tracer
}

// NewTracedLog creates a new traced log that wraps a metrics log
func NewTracedLog(log Log, tracer *tracing.Tracer) Log {
	return &TracedLog{
		log:    log,
		tracer: tracer,
	}
}

// Head implements Log.Head with distributed tracing
func (l *TracedLog) Head(ctx context.Context, hub, partitionID string) (int64, error) {
	ctx, span := l.tracer.StartSpan(ctx, "log.head")
	defer span.End()

	span.SetAttributes(l.tracer.StorageAttributes("head", hub, partitionID)...)

	seq, err := l.log.Head(ctx, hub, partitionID)
	l.finish(ctx, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("hubrecv.head", seq))
	}

	return seq, err
}

// CommitHead implements Log.CommitHead with distributed tracing
func (l *TracedLog) CommitHead(ctx context.Context, hub, partitionID string, next int64) error {
	ctx, span := l.tracer.StartSpan(ctx, "log.commit_head")
	defer span.End()

	span.SetAttributes(l.tracer.StorageAttributes("commit_head", hub, partitionID)...)
	span.SetAttributes(attribute.Int64("hubrecv.head", next))

	err := l.log.CommitHead(ctx, hub, partitionID, next)
	l.finish(ctx, err)

	return err
}

// InsertRecord implements Log.InsertRecord with distributed tracing
func (l *TracedLog) InsertRecord(ctx context.Context, rec Record) error {
	ctx, span := l.tracer.StartSpan(ctx, "log.insert_record")
	defer span.End()

	span.SetAttributes(l.tracer.StorageAttributes("insert_record", rec.EventHub, rec.PartitionID)...)
	span.SetAttributes(
		attribute.String("messaging.message.id", rec.ID),
		attribute.Int64("hubrecv.sequence_number", rec.SequenceNumber),
		attribute.Int("messaging.message.body.size", len(rec.Body)),
	)

	err := l.log.InsertRecord(ctx, rec)
	l.finish(ctx, err)

	return err
}

// LoadRecords implements Log.LoadRecords with distributed tracing
func (l *TracedLog) LoadRecords(ctx context.Context, hub, partitionID string, from int64, limit int) ([]Record, error) {
	ctx, span := l.tracer.StartSpan(ctx, "log.load_records")
	defer span.End()

	span.SetAttributes(l.tracer.StorageAttributes("load_records", hub, partitionID)...)
	span.SetAttributes(
		attribute.Int64("hubrecv.from_sequence_number", from),
		attribute.Int("hubrecv.limit", limit),
	)

	records, err := l.log.LoadRecords(ctx, hub, partitionID, from, limit)
	l.finish(ctx, err)
	if err == nil {
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(records)))
	}

	return records, err
}

// SequenceAfter implements Log.SequenceAfter with distributed tracing
func (l *TracedLog) SequenceAfter(ctx context.Context, hub, partitionID string, t time.Time) (int64, error) {
	ctx, span := l.tracer.StartSpan(ctx, "log.sequence_after")
	defer span.End()

	span.SetAttributes(l.tracer.StorageAttributes("sequence_after", hub, partitionID)...)
	span.SetAttributes(attribute.Int64("hubrecv.enqueued_after_ms", toMillis(t)))

	seq, err := l.log.SequenceAfter(ctx, hub, partitionID, t)
	l.finish(ctx, err)

	return seq, err
}

func (l *TracedLog) finish(ctx context.Context, err error) {
	if err != nil {
		l.tracer.RecordError(ctx, err)
	} else {
		l.tracer.SetStatus(ctx, codes.Ok, "")
	}
	l.tracer.WithAttributes(ctx, l.tracer.ErrorAttributes(err)...)
}
