package broker

import (
	"context"
	"errors"

	"github.com/couchbase/gocb/v2"

	"hubrecv/internal/eventhub"
)

// classify maps a storage error onto the receive error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, gocb.ErrTimeout),
		errors.Is(err, gocb.ErrUnambiguousTimeout),
		errors.Is(err, gocb.ErrAmbiguousTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return eventhub.NewError(op, eventhub.ErrTimeout, err)
	case errors.Is(err, gocb.ErrAuthenticationFailure),
		errors.Is(err, gocb.ErrBucketNotFound),
		errors.Is(err, gocb.ErrScopeNotFound),
		errors.Is(err, gocb.ErrCollectionNotFound):
		return eventhub.NewError(op, eventhub.ErrTerminalLinkFault, err)
	default:
		return eventhub.NewError(op, eventhub.ErrTransientReceive, err)
	}
}
