package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/couchbase/gocb/v2"
	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/validator"
)

// EventData is an event to publish.
type EventData struct {
	Body         []byte
	Properties   map[string]any
	PartitionKey string
}

// Publisher appends events to partition logs. Appends to one partition are
// serialized within the process and the head never moves backwards.
type Publisher struct {
	log    Log
	hub    string
	clock  eventhub.Clock
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPublisher returns a Publisher for hub.
func NewPublisher(log Log, hub string, clock eventhub.Clock, logger *zap.Logger) (*Publisher, error) {
	if err := validator.Validate("publisher", log, hub, clock, logger); err != nil {
		return nil, fmt.Errorf("failed to validate publisher deps: %w", err)
	}

	p := Publisher{
		log:    log,
		hub:    hub,
		clock:  clock,
		logger: logger.Named("publisher").With(zap.String("eventHub", hub)),
		locks:  make(map[string]*sync.Mutex),
	}

	return &p, nil
}

// Publish appends events to the partition and returns the stored records.
func (p *Publisher) Publish(ctx context.Context, partitionID string, events ...EventData) ([]Record, error) {
	if len(events) == 0 {
		return nil, nil
	}

	lock := p.partitionLock(partitionID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := p.log.Head(ctx, p.hub, partitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get head of partition %s: %w", partitionID, err)
	}

	records := make([]Record, 0, len(events))
	for _, e := range events {
		rec := Record{
			EventHub:     p.hub,
			PartitionID:  partitionID,
			EnqueuedTime: toMillis(p.clock.Now()),
			PartitionKey: e.PartitionKey,
			Body:         e.Body,
			Properties:   e.Properties,
		}

		for {
			rec.SequenceNumber = seq
			rec.ID = RecordKey(p.hub, partitionID, seq)
			seq++

			err := p.log.InsertRecord(ctx, rec)
			if err == nil {
				break
			}
			// left behind by an append that failed before its head commit
			if errors.Is(err, gocb.ErrDocumentExists) {
				p.logger.Warn("skipping occupied sequence number", zap.String("recordId", rec.ID))
				continue
			}
			return nil, fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}

		records = append(records, rec)
	}

	if err := p.log.CommitHead(ctx, p.hub, partitionID, seq); err != nil {
		return nil, fmt.Errorf("failed to commit head of partition %s: %w", partitionID, err)
	}

	p.logger.Debug("published events",
		zap.String("partition", partitionID),
		zap.Int("count", len(records)),
		zap.Int64("head", seq),
	)

	return records, nil
}

func (p *Publisher) partitionLock(partitionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[partitionID]
	if !ok {
		l = new(sync.Mutex)
		p.locks[partitionID] = l
	}
	return l
}
