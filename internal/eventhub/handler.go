package eventhub

import "context"

// Handler receives the batches pumped by a receiver.
type Handler interface {
	// MaxBatchSize is the preferred number of events per OnBatch call.
	MaxBatchSize() int
	// OnBatch is called with every receive result, nil when the receive
	// returned no events.
	OnBatch(ctx context.Context, events []*Event) error
	// OnError is called with receive failures and with the handler's own
	// callback failures.
	OnError(ctx context.Context, err error) error
	// OnClose is called once when the pump stops serving the handler.
	OnClose(ctx context.Context) error
}

// HandlerFuncs adapts plain functions to a Handler. Nil funcs are no-ops.
type HandlerFuncs struct {
	BatchSize int
	Batch     func(ctx context.Context, events []*Event) error
	Error     func(ctx context.Context, err error) error
	Close     func(ctx context.Context) error
}

var _ Handler = (*HandlerFuncs)(nil)

func (h *HandlerFuncs) MaxBatchSize() int {
	return h.BatchSize
}

func (h *HandlerFuncs) OnBatch(ctx context.Context, events []*Event) error {
	if h.Batch == nil {
		return nil
	}
	return h.Batch(ctx, events)
}

func (h *HandlerFuncs) OnError(ctx context.Context, err error) error {
	if h.Error == nil {
		return nil
	}
	return h.Error(ctx, err)
}

func (h *HandlerFuncs) OnClose(ctx context.Context) error {
	if h.Close == nil {
		return nil
	}
	return h.Close(ctx)
}
