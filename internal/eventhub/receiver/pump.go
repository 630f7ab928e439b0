package receiver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
)

// run is the receive pump. It stops when its context is canceled or the
// handler slot no longer belongs to it. Handler failures are reported to the
// handler; a panic in the pump's own logic is a fatal defect.
func (r *Receiver) run(ctx context.Context, p *pump) {
	defer close(p.done)
	defer r.teardown(p)
	defer func() {
		if v := recover(); v != nil {
			err := eventhub.NewError("receive pump", eventhub.ErrPumpDefect, fmt.Errorf("panic: %v", v))
			r.logger.Error("receive pump failed", zap.Error(err), zap.Stack("stack"))
			r.fatal(err)
		}
	}()

	r.logger.Info("receive pump started")
	defer r.logger.Info("receive pump stopped")

	for ctx.Err() == nil {
		size, ok := r.batchSize(p)
		if !ok {
			return
		}

		// an in-flight receive is not aborted by stopping the pump
		events, err := r.Receive(context.WithoutCancel(ctx), size, r.cfg.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, eventhub.ErrClosed) {
				// Close cancels ctx once it has taken the handler slot
				<-ctx.Done()
				return
			}
			r.report(ctx, r.target(p), err)

			select {
			case <-r.clock.After(r.cfg.PumpErrorDelay):
			case <-ctx.Done():
			}
			continue
		}

		r.deliver(ctx, p, events)
	}
}

// batchSize reads the preferred batch size of the installed handler.
func (r *Receiver) batchSize(p *pump) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pump != p || r.handler == nil {
		return 0, false
	}

	if size := r.handler.MaxBatchSize(); size > 0 {
		return size, true
	}
	return r.cfg.DefaultBatchSize, true
}

// target returns the handler results of p go to: the installed handler, or
// the one uninstalled while p was receiving.
func (r *Receiver) target(p *pump) eventhub.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pump == p {
		return r.handler
	}
	return p.released
}

func (r *Receiver) deliver(ctx context.Context, p *pump, events []*eventhub.Event) {
	h := r.target(p)
	if h == nil {
		r.logger.Warn("dropping batch without a handler", zap.Int("count", len(events)))
		return
	}

	if err := r.callBatch(ctx, h, events); err != nil {
		r.report(ctx, h, err)
	}
}

func (r *Receiver) report(ctx context.Context, h eventhub.Handler, err error) {
	if h == nil {
		r.logger.Warn("receive failed without a handler", zap.Error(err))
		return
	}

	r.logger.Debug("reporting error to handler", zap.Error(err))
	if herr := r.callError(ctx, h, err); herr != nil {
		r.logger.Warn("handler failed to process error", zap.Error(herr))
	}
}

// teardown closes the handler p served, exactly once per pump. When p exits
// while still installed the slot is cleared as well.
func (r *Receiver) teardown(p *pump) {
	r.mu.Lock()
	h := p.released
	if r.pump == p {
		h = r.handler
		r.cancel()
		r.handler, r.pump, r.cancel = nil, nil, nil
	}
	r.mu.Unlock()

	if h == nil {
		return
	}

	if err := r.callClose(context.Background(), h); err != nil {
		r.logger.Warn("failed to close handler", zap.Error(err))
	}
}

func (r *Receiver) notifySuperseded(h eventhub.Handler) {
	err := eventhub.NewError("set handler", eventhub.ErrHandlerSuperseded, nil)
	if herr := r.callError(context.Background(), h, err); herr != nil {
		r.logger.Debug("superseded handler failed to process notification", zap.Error(herr))
	}
}

func (r *Receiver) callBatch(ctx context.Context, h eventhub.Handler, events []*eventhub.Event) (err error) {
	defer contain("process batch", &err)
	if err := h.OnBatch(ctx, events); err != nil {
		return eventhub.NewError("process batch", eventhub.ErrHandlerCallback, err)
	}
	return nil
}

func (r *Receiver) callError(ctx context.Context, h eventhub.Handler, cause error) (err error) {
	defer contain("process error", &err)
	if err := h.OnError(ctx, cause); err != nil {
		return eventhub.NewError("process error", eventhub.ErrHandlerCallback, err)
	}
	return nil
}

func (r *Receiver) callClose(ctx context.Context, h eventhub.Handler) (err error) {
	defer contain("close", &err)
	if err := h.OnClose(ctx); err != nil {
		return eventhub.NewError("close", eventhub.ErrHandlerCallback, err)
	}
	return nil
}

// contain turns a handler panic into a handler callback error.
func contain(op string, err *error) {
	if v := recover(); v != nil {
		*err = eventhub.NewError(op, eventhub.ErrHandlerCallback, fmt.Errorf("panic: %v", v))
	}
}
