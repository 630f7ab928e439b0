package eventhub

import (
	"context"
	"fmt"
	"time"
)

// Link properties understood by the broker.
const (
	EpochProperty        = "com.microsoft:epoch"
	ReceiverNameProperty = "com.microsoft:receiver-name"
)

// ListenClaim is the claim a receiver needs on its partition path.
const ListenClaim = "Listen"

// Partition identifies the receive target of one receiver.
type Partition struct {
	Endpoint      string
	EventHub      string
	ConsumerGroup string
	ID            string
}

// Path returns the entity path of the partition, relative to the endpoint.
func (p Partition) Path() string {
	return fmt.Sprintf("%s/ConsumerGroups/%s/Partitions/%s", p.EventHub, p.ConsumerGroup, p.ID)
}

// Audience returns the absolute resource a token must be issued for.
func (p Partition) Audience() string {
	return fmt.Sprintf("%s/%s", p.Endpoint, p.Path())
}

// Token is an access token and the instant it stops being valid.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenProvider issues access tokens for a resource.
type TokenProvider interface {
	GetToken(ctx context.Context, audience, resource string, claims []string) (Token, error)
}

// ConnectionProvider hands out a shared connection, creating it when needed.
type ConnectionProvider interface {
	GetOrCreate(ctx context.Context, timeout time.Duration) (Connection, error)
}

// Connection is an established connection to the broker.
type Connection interface {
	// PutToken authorizes the connection for audience.
	PutToken(ctx context.Context, audience string, token Token) error
	NewSession(ctx context.Context) (Session, error)
}

// Session groups links on a connection.
type Session interface {
	AttachReceiver(ctx context.Context, opts LinkOptions) (ReceiveLink, error)
	// Abort tears the session down without a graceful handshake.
	Abort()
	Close(ctx context.Context) error
}

// LinkOptions describe the receive link to attach.
type LinkOptions struct {
	Name       string
	Address    string
	Filter     string
	Prefetch   uint32
	Properties map[string]any
}

// ReceiveLink is an open, authenticated and positioned receive channel.
type ReceiveLink interface {
	// Receive returns up to max messages, waiting at most until ctx is done.
	// No messages within the wait is not an error.
	Receive(ctx context.Context, max int) ([]*RawMessage, error)
	// Accept settles msg so the broker will not redeliver it.
	Accept(ctx context.Context, msg *RawMessage) error
	Closed() bool
	Close(ctx context.Context) error
}
