package checkpoint

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
)

// Recorder observes checkpoint commits. *metrics.Registry implements it.
type Recorder interface {
	RecordCheckpoint(p eventhub.Partition, err error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRecorder reports every commit to r.
func WithRecorder(r Recorder) HandlerOption {
	return func(h *Handler) {
		h.recorder = r
	}
}

// Handler wraps an eventhub.Handler and commits a checkpoint for the last
// event of every batch the wrapped handler processed successfully.
type Handler struct {
	eventhub.Handler

	store     Store
	partition eventhub.Partition
	logger    *zap.Logger
	recorder  Recorder
}

var _ eventhub.Handler = (*Handler)(nil)

// NewHandler returns h checkpointing into store.
func NewHandler(h eventhub.Handler, store Store, p eventhub.Partition, logger *zap.Logger, opts ...HandlerOption) *Handler {
	c := Handler{
		Handler:   h,
		store:     store,
		partition: p,
		logger:    logger.Named("checkpoint").With(zap.String("partition", p.ID)),
	}
	for _, opt := range opts {
		opt(&c)
	}

	return &c
}

// OnBatch runs the wrapped handler and checkpoints the batch when it succeeds.
// A failed commit is returned so the pump reports it through OnError.
func (h *Handler) OnBatch(ctx context.Context, events []*eventhub.Event) error {
	if err := h.Handler.OnBatch(ctx, events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	last := events[len(events)-1]
	err := h.store.Commit(ctx, h.partition, FromEvent(last))
	if h.recorder != nil {
		h.recorder.RecordCheckpoint(h.partition, err)
	}
	if err != nil {
		return fmt.Errorf("failed to checkpoint offset %s: %w", last.System.Offset, err)
	}

	h.logger.Debug("checkpointed",
		zap.String("offset", last.System.Offset),
		zap.Int64("sequenceNumber", last.System.SequenceNumber),
	)

	return nil
}
