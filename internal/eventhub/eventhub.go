// Package eventhub defines the types shared by the partition receive path:
// events, start positions, the transport boundary, handlers, retry policy
// and the error taxonomy.
package eventhub

import (
	"context"
	"time"
)

// Receiver receives events from one partition.
type Receiver interface {
	// Receive returns up to maxCount events received within wait. A nil
	// batch with a nil error means no events arrived in time.
	Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*Event, error)

	// SetHandler installs h and starts pumping batches to it, replacing any
	// installed handler. A nil h stops the pump.
	SetHandler(h Handler)

	// Close stops the pump, closes the handler and the link. Idempotent.
	Close(ctx context.Context) error
}

// RetryPolicy decides whether and when a failed operation is retried. State
// is kept per client identity.
type RetryPolicy interface {
	OnSuccess(clientID string)
	OnFailure(clientID string)
	// NextInterval returns the wait before the next attempt, or false to
	// give up.
	NextInterval(clientID string, err error, remaining time.Duration) (time.Duration, bool)
}

// Clock is the time source of the receive path.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
