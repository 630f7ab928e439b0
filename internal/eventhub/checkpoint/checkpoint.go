// Package checkpoint records how far a consumer group has processed a
// partition and derives the position to resume receiving from.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"hubrecv/internal/couchbase"
	"hubrecv/internal/eventhub"
	"hubrecv/internal/validator"
)

// ErrNotFound is returned when a partition has no checkpoint yet.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the last processed event of a partition for a consumer group.
type Checkpoint struct {
	ID             string    `json:"id"`
	EventHub       string    `json:"eventHub"`
	ConsumerGroup  string    `json:"consumerGroup"`
	PartitionID    string    `json:"partitionId"`
	Offset         string    `json:"offset"`
	SequenceNumber int64     `json:"sequenceNumber"`
	EnqueuedTime   time.Time `json:"enqueuedTime"`
	UpdatedAt      time.Time `json:"updatedAt"`

	couchbase.Cas `json:"-"`
}

// Key is the document key of the checkpoint of p.
func Key(p eventhub.Partition) string {
	return fmt.Sprintf("checkpoint::%s::%s::%s", p.EventHub, p.ConsumerGroup, p.ID)
}

// Store reads and commits checkpoints.
type Store interface {
	// Get returns the checkpoint of p, or ErrNotFound.
	Get(ctx context.Context, p eventhub.Partition) (*Checkpoint, error)
	// Commit stores cp for p unless a checkpoint at the same or a later
	// sequence number is already stored.
	Commit(ctx context.Context, p eventhub.Partition, cp Checkpoint) error
}

// NewCheckpointsStore returns the couchbase collection holding checkpoints.
func NewCheckpointsStore(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (*couchbase.Couchbase[Checkpoint], error) {
	collection := bucket.Scope(scope).Collection("checkpoints")
	store, err := couchbase.NewCouchbase[Checkpoint](cluster, bucket, collection)
	if err != nil {
		return nil, err
	}

	return store, nil
}

// CouchbaseStore is a Store backed by a couchbase collection. Commits run in a
// transaction so checkpoints never move backwards.
type CouchbaseStore struct {
	checkpoints  *couchbase.Couchbase[Checkpoint]
	transactions *couchbase.Transactions
	now          func() time.Time
}

var _ Store = (*CouchbaseStore)(nil)

// NewCouchbaseStore returns a CouchbaseStore.
func NewCouchbaseStore(checkpoints *couchbase.Couchbase[Checkpoint], transactions *couchbase.Transactions) (*CouchbaseStore, error) {
	if err := validator.Validate("checkpoint store", checkpoints, transactions); err != nil {
		return nil, fmt.Errorf("failed to validate checkpoint store deps: %w", err)
	}

	return &CouchbaseStore{
		checkpoints:  checkpoints,
		transactions: transactions,
		now:          time.Now,
	}, nil
}

// Get implements Store.Get.
func (s *CouchbaseStore) Get(ctx context.Context, p eventhub.Partition) (*Checkpoint, error) {
	cp, err := s.checkpoints.Get(ctx, Key(p), nil)
	switch {
	case err == nil:
		return cp, nil
	case errors.Is(err, gocb.ErrDocumentNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
}

// Commit implements Store.Commit.
func (s *CouchbaseStore) Commit(ctx context.Context, p eventhub.Partition, cp Checkpoint) error {
	key := Key(p)

	cp.ID = key
	cp.EventHub, cp.ConsumerGroup, cp.PartitionID = p.EventHub, p.ConsumerGroup, p.ID
	cp.UpdatedAt = s.now().UTC()

	err := couchbase.Advance(ctx, s.transactions, s.checkpoints, key,
		func() Checkpoint {
			return cp
		},
		func(existing *Checkpoint) bool {
			if cp.SequenceNumber <= existing.SequenceNumber {
				// already at or past this event
				return false
			}
			*existing = cp
			return true
		},
	)
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint for partition %s: %w", p.ID, err)
	}

	return nil
}

// FromEvent builds the checkpoint marking e as processed.
func FromEvent(e *eventhub.Event) Checkpoint {
	return Checkpoint{
		Offset:         e.System.Offset,
		SequenceNumber: e.System.SequenceNumber,
		EnqueuedTime:   e.System.EnqueuedTime,
	}
}

// StartPosition returns the position right after the checkpoint of p, or
// fallback when p has none.
func StartPosition(ctx context.Context, store Store, p eventhub.Partition, fallback eventhub.Position) (eventhub.Position, error) {
	cp, err := store.Get(ctx, p)
	switch {
	case err == nil:
		return eventhub.FromOffset(cp.Offset, false), nil
	case errors.Is(err, ErrNotFound):
		return fallback, nil
	default:
		return eventhub.Position{}, fmt.Errorf("failed to load start position: %w", err)
	}
}
