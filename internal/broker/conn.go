package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/link"
	"hubrecv/internal/validator"
)

// Pinger checks the storage behind the broker is reachable.
type Pinger interface {
	Ping(timeout time.Duration) error
}

// ConnectionProvider hands out one shared broker connection and replaces it
// once it was closed.
type ConnectionProvider struct {
	conns *link.FaultTolerant[*Connection]
}

var _ eventhub.ConnectionProvider = (*ConnectionProvider)(nil)

// NewConnectionProvider returns a ConnectionProvider dialing connections to
// the log. A dial succeeds once pinger reports the storage reachable.
func NewConnectionProvider(
	log Log,
	pinger Pinger,
	tokens *TokenProvider,
	config Config,
	clock eventhub.Clock,
	logger *zap.Logger,
) (*ConnectionProvider, error) {
	if err := validator.Validate("connection provider", log, pinger, tokens, config.Endpoint, config.PollInterval, clock, logger); err != nil {
		return nil, fmt.Errorf("failed to validate connection provider deps: %w", err)
	}

	logger = logger.Named("broker")
	dial := func(ctx context.Context, timeout time.Duration) (*Connection, error) {
		if err := pinger.Ping(timeout); err != nil {
			return nil, classify("dial", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := newConnection(log, tokens, config, clock, logger)
		c.logger.Info("connection opened")
		return c, nil
	}

	conns, err := link.NewFaultTolerant[*Connection](dial,
		func(ctx context.Context, c *Connection) error {
			return c.Close(ctx)
		},
		logger,
		link.WithLiveness(func(c *Connection) bool {
			return !c.Closed()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection holder: %w", err)
	}

	return &ConnectionProvider{conns: conns}, nil
}

// GetOrCreate implements eventhub.ConnectionProvider.
func (p *ConnectionProvider) GetOrCreate(ctx context.Context, timeout time.Duration) (eventhub.Connection, error) {
	c, err := p.conns.GetOrCreate(ctx, timeout)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Close closes the current connection.
func (p *ConnectionProvider) Close(ctx context.Context) error {
	return p.conns.Close(ctx)
}

// Connection is a broker connection. Receive links can only be attached to
// partitions the connection holds an unexpired token for.
type Connection struct {
	id       string
	log      Log
	tokens   *TokenProvider
	endpoint string
	poll     time.Duration
	clock    eventhub.Clock
	logger   *zap.Logger

	mu         sync.Mutex
	authorized map[string]time.Time
	sessions   map[*Session]struct{}
	closed     bool
}

var _ eventhub.Connection = (*Connection)(nil)

func newConnection(log Log, tokens *TokenProvider, config Config, clock eventhub.Clock, logger *zap.Logger) *Connection {
	id := uuid.NewString()
	return &Connection{
		id:         id,
		log:        log,
		tokens:     tokens,
		endpoint:   strings.TrimSuffix(config.Endpoint, "/"),
		poll:       config.PollInterval,
		clock:      clock,
		logger:     logger.With(zap.String("connectionId", id)),
		authorized: make(map[string]time.Time),
		sessions:   make(map[*Session]struct{}),
	}
}

// PutToken implements eventhub.Connection.
func (c *Connection) PutToken(_ context.Context, audience string, token eventhub.Token) error {
	expiresAt, err := c.tokens.Verify(token.Value, audience, eventhub.ListenClaim)
	if err != nil {
		return fmt.Errorf("failed to authorize %s: %w", audience, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return eventhub.ErrClosed
	}
	c.authorized[audience] = expiresAt

	return nil
}

// NewSession implements eventhub.Connection.
func (c *Connection) NewSession(_ context.Context) (eventhub.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, eventhub.ErrClosed
	}

	s := &Session{
		conn:  c,
		links: make(map[*ReceiveLink]struct{}),
	}
	c.sessions[s] = struct{}{}

	return s, nil
}

// Closed reports whether the connection was closed.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Close closes the connection and every session on it.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close(ctx))
	}

	c.logger.Info("connection closed")
	return errors.Join(errs...)
}

func (c *Connection) authorizedFor(audience string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.authorized[audience]
	return ok && c.clock.Now().Before(expiresAt)
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, s)
}

// Session groups the receive links of a connection.
type Session struct {
	conn *Connection

	mu     sync.Mutex
	links  map[*ReceiveLink]struct{}
	closed bool
}

var _ eventhub.Session = (*Session)(nil)

// AttachReceiver implements eventhub.Session. The address is the partition
// path; the filter selects the first record delivered.
func (s *Session) AttachReceiver(ctx context.Context, opts eventhub.LinkOptions) (eventhub.ReceiveLink, error) {
	p, err := parseAddress(opts.Address)
	if err != nil {
		return nil, err
	}

	audience := s.conn.endpoint + "/" + opts.Address
	if !s.conn.authorizedFor(audience) {
		return nil, fmt.Errorf("connection is not authorized for %s", audience)
	}

	filter, err := ParseFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	cursor, err := filter.Resolve(ctx, s.conn.log, p.EventHub, p.ID)
	if err != nil {
		return nil, classify("attach", err)
	}

	logger := s.conn.logger.With(
		zap.String("eventHub", p.EventHub),
		zap.String("consumerGroup", p.ConsumerGroup),
		zap.String("partition", p.ID),
	)
	if epoch, ok := opts.Properties[eventhub.EpochProperty]; ok {
		logger = logger.With(zap.Any("epoch", epoch))
	}
	if name, ok := opts.Properties[eventhub.ReceiverNameProperty]; ok {
		logger = logger.With(zap.Any("receiverName", name))
	}

	l := &ReceiveLink{
		session:   s,
		partition: p,
		credit:    int(opts.Prefetch),
		cursor:    cursor,
		logger:    logger,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, eventhub.ErrClosed
	}
	s.links[l] = struct{}{}

	logger.Debug("receive link attached", zap.String("filter", opts.Filter), zap.Int64("cursor", cursor))
	return l, nil
}

// Abort implements eventhub.Session.
func (s *Session) Abort() {
	s.shutdown()
}

// Close implements eventhub.Session.
func (s *Session) Close(context.Context) error {
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	links := make([]*ReceiveLink, 0, len(s.links))
	for l := range s.links {
		links = append(links, l)
	}
	clear(s.links)
	s.mu.Unlock()

	for _, l := range links {
		l.markClosed()
	}
	s.conn.removeSession(s)
}

func (s *Session) removeLink(l *ReceiveLink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.links, l)
}

// parseAddress reads a partition path of the form
// <hub>/ConsumerGroups/<group>/Partitions/<id>.
func parseAddress(address string) (eventhub.Partition, error) {
	parts := strings.Split(address, "/")
	if len(parts) != 5 || parts[1] != "ConsumerGroups" || parts[3] != "Partitions" ||
		parts[0] == "" || parts[2] == "" || parts[4] == "" {
		return eventhub.Partition{}, fmt.Errorf("%w: address %q", eventhub.ErrInvalidArgument, address)
	}

	return eventhub.Partition{
		EventHub:      parts[0],
		ConsumerGroup: parts[2],
		ID:            parts[4],
	}, nil
}
