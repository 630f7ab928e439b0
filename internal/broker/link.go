package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
)

// ReceiveLink reads a partition log from a cursor. Receives are expected to
// be sequential.
type ReceiveLink struct {
	session   *Session
	partition eventhub.Partition
	credit    int
	logger    *zap.Logger

	mu     sync.Mutex
	cursor int64
	closed bool
}

var _ eventhub.ReceiveLink = (*ReceiveLink)(nil)

// Receive implements eventhub.ReceiveLink. It polls the log until records
// past the cursor show up or ctx is done.
func (l *ReceiveLink) Receive(ctx context.Context, max int) ([]*eventhub.RawMessage, error) {
	const op = "receive"

	limit := max
	if l.credit > 0 && l.credit < limit {
		limit = l.credit
	}

	conn := l.session.conn
	for {
		cursor, closed := l.position()
		if closed {
			return nil, eventhub.NewError(op, eventhub.ErrTerminalLinkFault, eventhub.ErrClosed)
		}

		records, err := conn.log.LoadRecords(ctx, l.partition.EventHub, l.partition.ID, cursor, limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, classify(op, err)
		}

		if len(records) > 0 {
			msgs := make([]*eventhub.RawMessage, 0, len(records))
			for _, rec := range records {
				msgs = append(msgs, rec.Message())
			}
			l.advance(records[len(records)-1].SequenceNumber + 1)
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-conn.clock.After(conn.poll):
		}
	}
}

// Accept implements eventhub.ReceiveLink. Records stay in the log until they
// expire, so settling only checks the link is still open.
func (l *ReceiveLink) Accept(_ context.Context, msg *eventhub.RawMessage) error {
	if _, closed := l.position(); closed {
		return eventhub.NewError("accept", eventhub.ErrTerminalLinkFault, eventhub.ErrClosed)
	}

	l.logger.Debug("message accepted", zap.ByteString("deliveryTag", msg.DeliveryTag))
	return nil
}

// Closed implements eventhub.ReceiveLink.
func (l *ReceiveLink) Closed() bool {
	_, closed := l.position()
	return closed
}

// Close implements eventhub.ReceiveLink.
func (l *ReceiveLink) Close(context.Context) error {
	l.markClosed()
	l.session.removeLink(l)
	return nil
}

func (l *ReceiveLink) position() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.cursor, l.closed
}

func (l *ReceiveLink) advance(next int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if next > l.cursor {
		l.cursor = next
	}
}

func (l *ReceiveLink) markClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
}
