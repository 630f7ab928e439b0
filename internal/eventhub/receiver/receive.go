package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/link"
)

type outcome int

const (
	delivered outcome = iota
	empty
	failed
)

// result is the outcome of one receive attempt.
type result struct {
	outcome outcome
	events  []*eventhub.Event
	err     error
}

func deliveredResult(events []*eventhub.Event) result {
	return result{outcome: delivered, events: events}
}

func emptyResult() result {
	return result{outcome: empty}
}

func failedResult(err error) result {
	return result{outcome: failed, err: err}
}

// Receive returns up to maxCount events received within wait, retrying
// failures as long as the retry policy allows. A non-positive wait uses the
// configured receive timeout. Running out of time is not an error: the batch
// is nil. Every returned event has been settled as accepted.
func (r *Receiver) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]*eventhub.Event, error) {
	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: max count must be positive, got %d", eventhub.ErrInvalidArgument, maxCount)
	}
	if wait <= 0 {
		wait = r.cfg.ReceiveTimeout
	}

	budget := eventhub.NewBudget(r.clock, wait)
	for {
		if r.closed.Load() {
			return nil, eventhub.NewError("receive", eventhub.ErrClosed, nil)
		}

		res := r.attempt(ctx, budget, maxCount)
		switch res.outcome {
		case delivered:
			return res.events, nil
		case empty:
			return nil, nil
		}

		r.policy.OnFailure(r.clientID)
		interval, ok := r.policy.NextInterval(r.clientID, res.err, budget.Remaining())
		if !ok {
			if errors.Is(res.err, eventhub.ErrTimeout) {
				r.logger.Debug("receive timed out without events", zap.Duration("wait", wait))
				return nil, nil
			}
			return nil, res.err
		}

		r.logger.Debug("retrying receive",
			zap.Duration("interval", interval),
			zap.Duration("remaining", budget.Remaining()),
			zap.Error(res.err),
		)

		select {
		case <-r.clock.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Receiver) attempt(ctx context.Context, budget eventhub.Budget, maxCount int) result {
	remaining := budget.Remaining()
	if remaining <= 0 {
		return failedResult(eventhub.NewError("receive", eventhub.ErrTimeout, nil))
	}

	active, err := r.links.GetOrCreate(ctx, remaining)
	if err != nil {
		return failedResult(eventhub.Classify("receive", err))
	}
	if r.closed.Load() {
		// the receiver closed while the link was being created
		_ = r.links.Invalidate(ctx, active)
		return failedResult(eventhub.NewError("receive", eventhub.ErrClosed, nil))
	}

	rctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	if err := r.refreshToken(rctx, active); err != nil {
		r.logger.Warn("failed to refresh link token", zap.Error(err))
		return failedResult(eventhub.Classify("receive", err))
	}

	msgs, err := active.Receive(rctx, maxCount)
	if err != nil {
		err = eventhub.Classify("receive", err)
		if errors.Is(err, eventhub.ErrTerminalLinkFault) || active.Closed() {
			r.logger.Warn("receive link faulted, recreating on next attempt", zap.Error(err))
			if cerr := r.links.Invalidate(ctx, active); cerr != nil {
				r.logger.Warn("failed to close faulted link", zap.Error(cerr))
			}
		}
		return failedResult(err)
	}

	r.policy.OnSuccess(r.clientID)
	if len(msgs) == 0 {
		return emptyResult()
	}

	events := make([]*eventhub.Event, 0, len(msgs))
	for _, msg := range msgs {
		e, err := r.codec.Decode(msg)
		if err != nil {
			// none of the batch is accepted; the next link redelivers it
			// from the last delivered offset
			r.logger.Warn("failed to decode message, recreating link", zap.Error(err))
			if cerr := r.links.Invalidate(ctx, active); cerr != nil {
				r.logger.Warn("failed to close link", zap.Error(cerr))
			}
			return failedResult(eventhub.NewError("receive", eventhub.ErrTransientReceive,
				fmt.Errorf("failed to decode message: %w", err)))
		}
		events = append(events, e)
	}

	// a failed settlement may lead to a redelivery, never to a lost event
	for _, msg := range msgs {
		if err := active.Accept(ctx, msg); err != nil {
			r.logger.Warn("failed to accept message", zap.Error(err))
		}
	}

	if offset := events[len(events)-1].System.Offset; offset != "" {
		r.creator.Resume(offset)
	}

	r.logger.Debug("received events", zap.Int("count", len(events)))

	return deliveredResult(events)
}

// refreshToken reauthorizes active once its token is within the refresh
// margin of expiring.
func (r *Receiver) refreshToken(ctx context.Context, active *link.Active) error {
	expiresAt := active.ExpiresAt()
	if expiresAt.IsZero() || r.clock.Now().Add(r.cfg.TokenRefreshMargin).Before(expiresAt) {
		return nil
	}

	r.logger.Debug("refreshing link token", zap.Time("expiresAt", expiresAt))

	return r.creator.Refresh(ctx, active)
}
