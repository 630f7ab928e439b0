// Package link owns the lifecycle of receive links: a lazily created, shared
// instance with single flight creation, and the factory that authenticates,
// opens a session and attaches a positioned receive link.
package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/validator"
)

// State is the lifecycle state of a FaultTolerant value.
type State int

const (
	Absent State = iota
	Creating
	Ready
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Creating:
		return "creating"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CreateFunc creates a new value within timeout.
type CreateFunc[T any] func(ctx context.Context, timeout time.Duration) (T, error)

// CloseFunc releases a value created by a CreateFunc.
type CloseFunc[T any] func(ctx context.Context, v T) error

// Option configures a FaultTolerant.
type Option[T comparable] func(*FaultTolerant[T])

// WithLiveness installs a check run before handing out the current value. A
// value failing the check is closed and replaced on the next GetOrCreate.
func WithLiveness[T comparable](live func(T) bool) Option[T] {
	return func(f *FaultTolerant[T]) {
		f.live = live
	}
}

const flightKey = "create"

// FaultTolerant holds at most one value at a time, creates it on first use and
// shares it between callers. Concurrent callers arriving while a creation is in
// flight wait for that creation instead of starting another one.
type FaultTolerant[T comparable] struct {
	create CreateFunc[T]
	close  CloseFunc[T]
	live   func(T) bool
	logger *zap.Logger

	group singleflight.Group

	mu       sync.Mutex
	value    T
	ready    bool
	creating chan struct{}
	// gen counts Close calls.
	gen uint64
}

// NewFaultTolerant returns an empty FaultTolerant using create and close.
func NewFaultTolerant[T comparable](create CreateFunc[T], close CloseFunc[T], logger *zap.Logger, opts ...Option[T]) (*FaultTolerant[T], error) {
	if err := validator.Validate("fault tolerant link", create, close, logger); err != nil {
		return nil, fmt.Errorf("failed to validate fault tolerant link deps: %w", err)
	}

	f := FaultTolerant[T]{
		create: create,
		close:  close,
		logger: logger.Named("fault-tolerant"),
	}
	for _, opt := range opts {
		opt(&f)
	}

	return &f, nil
}

// State returns the current lifecycle state.
func (f *FaultTolerant[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.creating != nil:
		return Creating
	case f.ready:
		return Ready
	default:
		return Absent
	}
}

// GetOrCreate returns the current value, creating it when there is none. A
// failed creation leaves the FaultTolerant absent so the next caller tries
// again; its error is returned to every caller that joined it.
func (f *FaultTolerant[T]) GetOrCreate(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	v, gen, ok := f.current(ctx)
	if ok {
		return v, nil
	}

	ch := f.group.DoChan(flightKey, func() (any, error) {
		return f.createOnce(ctx, timeout, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Invalidate drops v if it is still the current value and closes it. It is a
// no-op when v has already been replaced.
func (f *FaultTolerant[T]) Invalidate(ctx context.Context, v T) error {
	f.mu.Lock()
	if !f.ready || f.value != v {
		f.mu.Unlock()
		return nil
	}
	f.reset()
	f.mu.Unlock()

	f.logger.Debug("invalidated faulted value")
	return f.close(ctx, v)
}

// Close closes the current value, first waiting for an in-flight creation to
// finish so its result is closed too. Closing an absent FaultTolerant is a
// no-op.
func (f *FaultTolerant[T]) Close(ctx context.Context) error {
	for {
		f.mu.Lock()
		done := f.creating
		if done == nil {
			break
		}
		f.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	v, ok := f.value, f.ready
	f.reset()
	f.gen++
	f.mu.Unlock()

	if !ok {
		return nil
	}

	if err := f.close(ctx, v); err != nil {
		return fmt.Errorf("failed to close value: %w", err)
	}

	return nil
}

// current returns the ready value, or the generation a new creation belongs
// to.
func (f *FaultTolerant[T]) current(ctx context.Context) (T, uint64, bool) {
	var zero T

	f.mu.Lock()
	gen := f.gen
	if !f.ready {
		f.mu.Unlock()
		return zero, gen, false
	}

	v := f.value
	if f.live == nil || f.live(v) {
		f.mu.Unlock()
		return v, gen, true
	}

	f.reset()
	f.mu.Unlock()

	f.logger.Debug("replacing stale value")
	if err := f.close(ctx, v); err != nil {
		f.logger.Warn("failed to close stale value", zap.Error(err))
	}

	return zero, gen, false
}

// createOnce runs inside the single flight; the creation outlives the
// cancellation of the caller that happened to start it and is bounded by
// timeout instead.
func (f *FaultTolerant[T]) createOnce(ctx context.Context, timeout time.Duration, gen uint64) (T, error) {
	var zero T

	f.mu.Lock()
	// a Close since the caller looked must not be undone by this flight
	if f.gen != gen {
		f.mu.Unlock()
		return zero, eventhub.NewError("create", eventhub.ErrClosed, nil)
	}
	if f.ready {
		v := f.value
		f.mu.Unlock()
		return v, nil
	}
	done := make(chan struct{})
	f.creating = done
	f.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	v, err := f.create(cctx, timeout)

	f.mu.Lock()
	f.creating = nil
	close(done)

	if err != nil {
		f.mu.Unlock()
		f.logger.Debug("creation failed", zap.Error(err))
		return zero, err
	}

	f.value = v
	f.ready = true
	f.mu.Unlock()

	return v, nil
}

// reset must be called with mu held.
func (f *FaultTolerant[T]) reset() {
	var zero T
	f.value = zero
	f.ready = false
}
