// Package receiver implements eventhub.Receiver for a single partition: a
// retried batch receive over a shared fault tolerant link, and a background
// pump delivering batches to an installed handler.
package receiver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/link"
	"hubrecv/internal/validator"
)

// Config holds the receive and pump tuning knobs.
type Config struct {
	ReceiveTimeout   time.Duration `env:"RECEIVER_RECEIVE_TIMEOUT" envDefault:"60s"`
	PumpErrorDelay   time.Duration `env:"RECEIVER_PUMP_ERROR_DELAY" envDefault:"100ms"`
	DefaultBatchSize int           `env:"RECEIVER_DEFAULT_BATCH_SIZE" envDefault:"10"`
	PrefetchCount    uint32        `env:"RECEIVER_PREFETCH_COUNT" envDefault:"300"`
	Epoch            int64         `env:"RECEIVER_EPOCH" envDefault:"0"`
	// TokenRefreshMargin is how long before its token expires a link is
	// reauthorized.
	TokenRefreshMargin time.Duration `env:"RECEIVER_TOKEN_REFRESH_MARGIN" envDefault:"5m"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		ReceiveTimeout:   60 * time.Second,
		PumpErrorDelay:   100 * time.Millisecond,
		DefaultBatchSize: 10,
		PrefetchCount:    link.DefaultPrefetch,

		TokenRefreshMargin: 5 * time.Minute,
	}
}

// LinkCreator creates receive links. *link.Factory implements it.
type LinkCreator interface {
	Create(ctx context.Context, timeout time.Duration) (*link.Active, error)
	// Refresh reauthorizes a live link before its token expires.
	Refresh(ctx context.Context, a *link.Active) error
	// Resume makes later links start after offset.
	Resume(offset string)
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithClock replaces the wall clock.
func WithClock(clk eventhub.Clock) Option {
	return func(r *Receiver) {
		r.clock = clk
	}
}

// WithCodec replaces eventhub.AnnotationCodec.
func WithCodec(codec eventhub.Codec) Option {
	return func(r *Receiver) {
		r.codec = codec
	}
}

// WithClientID sets the identity the retry policy keys its state by.
func WithClientID(id string) Option {
	return func(r *Receiver) {
		r.clientID = id
	}
}

// WithFatalHandler replaces the handling of fatal pump defects. The default
// logs the defect and exits the process.
func WithFatalHandler(fn func(error)) Option {
	return func(r *Receiver) {
		r.fatal = fn
	}
}

// pump is one run of the receive pump.
type pump struct {
	done chan struct{}
	// released is the handler uninstalled while this pump was running; the
	// pump closes it on exit.
	released eventhub.Handler
}

// Receiver receives events from one partition.
type Receiver struct {
	cfg      Config
	creator  LinkCreator
	links    *link.FaultTolerant[*link.Active]
	policy   eventhub.RetryPolicy
	codec    eventhub.Codec
	clock    eventhub.Clock
	logger   *zap.Logger
	clientID string
	fatal    func(error)

	closed atomic.Bool

	// mu guards the handler slot
	mu      sync.Mutex
	handler eventhub.Handler
	pump    *pump
	cancel  context.CancelFunc
}

var _ eventhub.Receiver = (*Receiver)(nil)

// New returns a Receiver creating its links with creator and retrying
// failures under policy.
func New(creator LinkCreator, policy eventhub.RetryPolicy, logger *zap.Logger, cfg Config, opts ...Option) (*Receiver, error) {
	if err := validator.Validate("receiver", creator, policy, logger); err != nil {
		return nil, fmt.Errorf("failed to validate receiver deps: %w", err)
	}

	r := Receiver{
		cfg:      cfg,
		creator:  creator,
		policy:   policy,
		codec:    eventhub.AnnotationCodec{},
		clock:    clock.WallClock,
		clientID: "receiver-" + uuid.NewString(),
	}
	for _, opt := range opts {
		opt(&r)
	}

	if r.cfg.ReceiveTimeout <= 0 {
		r.cfg.ReceiveTimeout = DefaultConfig().ReceiveTimeout
	}
	if r.cfg.DefaultBatchSize <= 0 {
		r.cfg.DefaultBatchSize = DefaultConfig().DefaultBatchSize
	}
	if r.cfg.TokenRefreshMargin <= 0 {
		r.cfg.TokenRefreshMargin = DefaultConfig().TokenRefreshMargin
	}

	r.logger = logger.Named("receiver").With(zap.String("clientId", r.clientID))
	if r.fatal == nil {
		r.fatal = func(err error) {
			r.logger.Fatal("unrecoverable receive pump defect", zap.Error(err))
		}
	}

	links, err := link.NewFaultTolerant(creator.Create, link.CloseActive, r.logger, link.WithLiveness(r.usable))
	if err != nil {
		return nil, fmt.Errorf("failed to create link manager: %w", err)
	}
	r.links = links

	return &r, nil
}

// ClientID returns the identity of the receiver.
func (r *Receiver) ClientID() string {
	return r.clientID
}

// SetHandler installs h, replacing any installed handler. A replaced handler
// is told so through OnError with eventhub.ErrHandlerSuperseded, without
// waiting for it. A nil h stops the pump, which closes the removed handler
// once it exits.
func (r *Receiver) SetHandler(h eventhub.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setHandlerLocked(h)
}

// Close stops the pump, closes the handler and closes the link. Handler and
// link are closed concurrently and both are always attempted.
func (r *Receiver) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.logger.Info("closing receiver")

	var g errgroup.Group
	g.Go(func() error {
		return r.closeHandler(ctx)
	})
	g.Go(func() error {
		if err := r.links.Close(ctx); err != nil {
			return fmt.Errorf("failed to close link: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		r.logger.Error("failed to close receiver", zap.Error(err))
		return err
	}

	return nil
}

// running reports whether a pump is installed. For tests.
func (r *Receiver) running() (handler bool, pump bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.handler != nil, r.pump != nil
}

// setHandlerLocked must be called with mu held. It returns the pump it
// stopped, if any.
func (r *Receiver) setHandlerLocked(h eventhub.Handler) *pump {
	if h != nil && r.closed.Load() {
		r.logger.Warn("ignoring handler installed on a closed receiver")
		return nil
	}

	old := r.handler
	if old != nil && h != nil {
		go r.notifySuperseded(old)
	}
	r.handler = h

	switch {
	case h != nil && r.pump == nil:
		ctx, cancel := context.WithCancel(context.Background())
		p := &pump{done: make(chan struct{})}
		r.pump, r.cancel = p, cancel
		go r.run(ctx, p)
		return nil
	case h == nil && r.pump != nil:
		stopped := r.pump
		stopped.released = old
		r.cancel()
		r.pump, r.cancel = nil, nil
		return stopped
	default:
		return nil
	}
}

func (r *Receiver) closeHandler(ctx context.Context) error {
	r.mu.Lock()
	stopped := r.setHandlerLocked(nil)
	r.mu.Unlock()

	if stopped == nil {
		return nil
	}

	select {
	case <-stopped.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for receive pump: %w", ctx.Err())
	}
}

// usable reports whether a can keep serving receives. An expiring token is
// refreshed in place rather than replacing the link.
func (r *Receiver) usable(a *link.Active) bool {
	return !a.Closed()
}
