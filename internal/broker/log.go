package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"hubrecv/internal/couchbase"
	"hubrecv/internal/validator"
)

// Log is the storage of partition logs: a sequence of records per partition
// and the head marking the next sequence number.
type Log interface {
	// Head returns the next sequence number of the partition, 0 when the
	// partition is empty.
	Head(ctx context.Context, hub, partitionID string) (int64, error)

	// CommitHead advances the head to next. A head never moves backwards.
	CommitHead(ctx context.Context, hub, partitionID string, next int64) error

	// InsertRecord stores rec. Inserting an existing record fails with an
	// error wrapping gocb.ErrDocumentExists.
	InsertRecord(ctx context.Context, rec Record) error

	// LoadRecords returns up to limit records with a sequence number of at
	// least from, in sequence order.
	LoadRecords(ctx context.Context, hub, partitionID string, from int64, limit int) ([]Record, error)

	// SequenceAfter returns the first sequence number enqueued strictly after
	// t, or the head when there is none.
	SequenceAfter(ctx context.Context, hub, partitionID string, t time.Time) (int64, error)
}

// CouchbaseLog is a Log stored in couchbase collections.
type CouchbaseLog struct {
	records      *couchbase.Couchbase[Record]
	heads        *couchbase.Couchbase[Head]
	transactions *couchbase.Transactions
	retention    time.Duration
}

var _ Log = (*CouchbaseLog)(nil)

// NewCouchbaseLog returns a CouchbaseLog. Records expire after retention.
func NewCouchbaseLog(
	records *couchbase.Couchbase[Record],
	heads *couchbase.Couchbase[Head],
	transactions *couchbase.Transactions,
	retention time.Duration,
) (*CouchbaseLog, error) {
	l := CouchbaseLog{
		records:      records,
		heads:        heads,
		transactions: transactions,
		retention:    retention,
	}

	if err := validator.Validate("log", l.records, l.heads, l.transactions, l.retention); err != nil {
		return nil, fmt.Errorf("failed to validate log dependencies: %w", err)
	}

	return &l, nil
}

// Head implements Log.Head.
func (l *CouchbaseLog) Head(ctx context.Context, hub, partitionID string) (int64, error) {
	head, err := l.heads.Get(ctx, HeadKey(hub, partitionID), nil)
	switch {
	case err == nil:
		return head.N, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get head: %w", err)
	}
}

// CommitHead implements Log.CommitHead.
func (l *CouchbaseLog) CommitHead(ctx context.Context, hub, partitionID string, next int64) error {
	key := HeadKey(hub, partitionID)

	err := couchbase.Advance(ctx, l.transactions, l.heads, key,
		func() Head {
			return Head{ID: key, N: next}
		},
		func(head *Head) bool {
			if next <= head.N {
				return false
			}
			head.N = next
			return true
		},
	)
	if err != nil {
		return fmt.Errorf("failed to commit head for partition %s of %s: %w", partitionID, hub, err)
	}

	return nil
}

// InsertRecord implements Log.InsertRecord.
func (l *CouchbaseLog) InsertRecord(ctx context.Context, rec Record) error {
	if err := l.records.Insert(ctx, rec.ID, rec, &gocb.InsertOptions{
		Expiry: l.retention,
	}); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	return nil
}

// LoadRecords implements Log.LoadRecords.
func (l *CouchbaseLog) LoadRecords(ctx context.Context, hub, partitionID string, from int64, limit int) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT RAW r
		FROM %s r
		WHERE r.eventHub = $hub
		AND r.partitionId = $partition
		AND r.sequenceNumber >= $from
		ORDER BY r.sequenceNumber ASC
		LIMIT $limit`,
		l.records.Keyspace(),
	)

	records, err := l.records.Query(ctx, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"hub":       hub,
			"partition": partitionID,
			"from":      from,
			"limit":     limit,
		},
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	return records, nil
}

// SequenceAfter implements Log.SequenceAfter.
func (l *CouchbaseLog) SequenceAfter(ctx context.Context, hub, partitionID string, t time.Time) (int64, error) {
	query := fmt.Sprintf(`
		SELECT RAW MIN(r.sequenceNumber)
		FROM %s r
		WHERE r.eventHub = $hub
		AND r.partitionId = $partition
		AND r.enqueuedTime > $after`,
		l.records.Keyspace(),
	)

	rows, err := couchbase.QueryRows[*int64](ctx, l.records, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"hub":       hub,
			"partition": partitionID,
			"after":     toMillis(t),
		},
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query sequence after %s: %w", t.Format(time.RFC3339Nano), err)
	}

	if len(rows) > 0 && rows[0] != nil {
		return *rows[0], nil
	}

	return l.Head(ctx, hub, partitionID)
}
