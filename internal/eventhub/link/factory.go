package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/validator"
)

// DefaultPrefetch is the link credit requested when none is configured.
const DefaultPrefetch uint32 = 300

// Active is an attached receive link together with the session and
// connection it lives on and the expiry of the token that authorized it.
type Active struct {
	eventhub.ReceiveLink
	Session    eventhub.Session
	Connection eventhub.Connection

	mu        sync.Mutex
	expiresAt time.Time
}

// NewActive returns an Active authorized until expiresAt. A zero expiresAt
// never expires.
func NewActive(rl eventhub.ReceiveLink, session eventhub.Session, conn eventhub.Connection, expiresAt time.Time) *Active {
	return &Active{
		ReceiveLink: rl,
		Session:     session,
		Connection:  conn,
		expiresAt:   expiresAt,
	}
}

// ExpiresAt returns the expiry of the token currently authorizing the link.
func (a *Active) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.expiresAt
}

// SetExpiresAt records the expiry of a token put for the link.
func (a *Active) SetExpiresAt(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expiresAt = t
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithEpoch attaches epoch to every link so the broker can disconnect
// receivers holding a lower epoch on the same partition.
func WithEpoch(epoch int64) FactoryOption {
	return func(f *Factory) {
		f.epoch = &epoch
	}
}

// WithPrefetch sets the link credit.
func WithPrefetch(n uint32) FactoryOption {
	return func(f *Factory) {
		if n > 0 {
			f.prefetch = n
		}
	}
}

// WithReceiverName sets the receiver identifier reported to the broker.
func WithReceiverName(name string) FactoryOption {
	return func(f *Factory) {
		f.name = name
	}
}

// Factory creates receive links for one partition. Links start at the
// configured position until Resume moves it past delivered events.
type Factory struct {
	conns     eventhub.ConnectionProvider
	tokens    eventhub.TokenProvider
	partition eventhub.Partition
	logger    *zap.Logger

	prefetch uint32
	epoch    *int64
	name     string

	mu       sync.Mutex
	position eventhub.Position
}

// NewFactory returns a Factory for partition starting at position.
func NewFactory(
	conns eventhub.ConnectionProvider,
	tokens eventhub.TokenProvider,
	partition eventhub.Partition,
	position eventhub.Position,
	logger *zap.Logger,
	opts ...FactoryOption,
) (*Factory, error) {
	f := Factory{
		conns:     conns,
		tokens:    tokens,
		partition: partition,
		position:  position,
		prefetch:  DefaultPrefetch,
	}

	if err := validator.Validate("link factory", f.conns, f.tokens, f.partition.ID, logger); err != nil {
		return nil, fmt.Errorf("failed to validate link factory deps: %w", err)
	}

	f.logger = logger.Named("link-factory").With(
		zap.String("eventHub", partition.EventHub),
		zap.String("consumerGroup", partition.ConsumerGroup),
		zap.String("partition", partition.ID),
	)
	for _, opt := range opts {
		opt(&f)
	}

	return &f, nil
}

// Create authenticates, opens a session and attaches a receive link. When any
// step after the session was opened fails, the session is aborted before the
// error is returned. Every error is classified as eventhub.ErrLinkCreation.
func (f *Factory) Create(ctx context.Context, timeout time.Duration) (*Active, error) {
	const op = "create link"

	position := f.Position()
	filter, err := position.Expression()
	if err != nil {
		return nil, creationError(op, fmt.Errorf("failed to build filter: %w", err))
	}

	conn, err := f.conns.GetOrCreate(ctx, timeout)
	if err != nil {
		return nil, creationError(op, fmt.Errorf("failed to get connection: %w", err))
	}

	token, err := f.authorize(ctx, conn)
	if err != nil {
		return nil, creationError(op, err)
	}

	session, err := conn.NewSession(ctx)
	if err != nil {
		return nil, creationError(op, fmt.Errorf("failed to open session: %w", err))
	}

	props := map[string]any{}
	if f.epoch != nil {
		props[eventhub.EpochProperty] = *f.epoch
	}
	if f.name != "" {
		props[eventhub.ReceiverNameProperty] = f.name
	}

	rl, err := session.AttachReceiver(ctx, eventhub.LinkOptions{
		Name:       f.name,
		Address:    f.partition.Path(),
		Filter:     filter,
		Prefetch:   f.prefetch,
		Properties: props,
	})
	if err != nil {
		session.Abort()
		return nil, creationError(op, fmt.Errorf("failed to attach receive link: %w", err))
	}

	f.logger.Info("receive link attached",
		zap.Stringer("position", position),
		zap.Time("tokenExpiresAt", token.ExpiresAt),
	)

	return NewActive(rl, session, conn, token.ExpiresAt), nil
}

// Refresh puts a new token on the connection of a so the link stays
// authorized without being reattached.
func (f *Factory) Refresh(ctx context.Context, a *Active) error {
	token, err := f.authorize(ctx, a.Connection)
	if err != nil {
		return eventhub.NewError("refresh token", eventhub.ErrTransientReceive, err)
	}
	a.SetExpiresAt(token.ExpiresAt)

	f.logger.Debug("token refreshed", zap.Time("tokenExpiresAt", token.ExpiresAt))

	return nil
}

// Resume makes links created from now on start after offset.
func (f *Factory) Resume(offset string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.position = eventhub.FromOffset(offset, false)
}

// Position returns the position the next link starts at.
func (f *Factory) Position() eventhub.Position {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.position
}

func (f *Factory) authorize(ctx context.Context, conn eventhub.Connection) (eventhub.Token, error) {
	audience := f.partition.Audience()
	token, err := f.tokens.GetToken(ctx, audience, audience, []string{eventhub.ListenClaim})
	if err != nil {
		return eventhub.Token{}, fmt.Errorf("failed to get token: %w", err)
	}

	if err := conn.PutToken(ctx, audience, token); err != nil {
		return eventhub.Token{}, fmt.Errorf("failed to put token: %w", err)
	}

	return token, nil
}

// CloseActive closes the link and then its session.
func CloseActive(ctx context.Context, a *Active) error {
	if a == nil {
		return nil
	}

	return errors.Join(a.ReceiveLink.Close(ctx), a.Session.Close(ctx))
}

// creationError keeps a timeout cause recognizable as eventhub.ErrTimeout.
func creationError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = eventhub.NewError("", eventhub.ErrTimeout, err)
	}
	return eventhub.NewError(op, eventhub.ErrLinkCreation, err)
}
