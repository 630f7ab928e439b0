package broker

import (
	"context"
	"time"

	"hubrecv/internal/eventhub/metrics"
)

// MetricsLog wraps a Log with metrics collection
type MetricsLog struct {
	log      Log
	registry *metrics.Registry
}

// NewMetricsLog creates a new instrumented log
func NewMetricsLog(log Log, registry *metrics.Registry) Log {
	return &MetricsLog{
		log:      log,
		registry: registry,
	}
}

// Head implements Log.Head with metrics collection
func (l *MetricsLog) Head(ctx context.Context, hub, partitionID string) (int64, error) {
	start := time.Now()

	seq, err := l.log.Head(ctx, hub, partitionID)
	l.registry.RecordStorageOperation("head", time.Since(start), err)

	return seq, err
}

// CommitHead implements Log.CommitHead with metrics collection
func (l *MetricsLog) CommitHead(ctx context.Context, hub, partitionID string, next int64) error {
	start := time.Now()

	err := l.log.CommitHead(ctx, hub, partitionID, next)
	l.registry.RecordStorageOperation("commit_head", time.Since(start), err)

	return err
}

// InsertRecord implements Log.InsertRecord with metrics collection
func (l *MetricsLog) InsertRecord(ctx context.Context, rec Record) error {
	start := time.Now()

	err := l.log.InsertRecord(ctx, rec)
	l.registry.RecordStorageOperation("insert_record", time.Since(start), err)

	return err
}

// LoadRecords implements Log.LoadRecords with metrics collection
func (l *MetricsLog) LoadRecords(ctx context.Context, hub, partitionID string, from int64, limit int) ([]Record, error) {
	start := time.Now()

	records, err := l.log.LoadRecords(ctx, hub, partitionID, from, limit)
	l.registry.RecordStorageOperation("load_records", time.Since(start), err)

	return records, err
}

// SequenceAfter implements Log.SequenceAfter with metrics collection
func (l *MetricsLog) SequenceAfter(ctx context.Context, hub, partitionID string, t time.Time) (int64, error) {
	start := time.Now()

	seq, err := l.log.SequenceAfter(ctx, hub, partitionID, t)
	l.registry.RecordStorageOperation("sequence_after", time.Since(start), err)

	return seq, err
}
