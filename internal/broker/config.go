// Package broker is a partition log broker stored in couchbase. Publishers
// append records to per partition logs; receive links read them from a cursor
// positioned by a filter expression, after the connection was authorized with
// a signed token.
package broker

import "time"

// Config holds the broker settings.
type Config struct {
	Endpoint     string        `env:"BROKER_ENDPOINT" envDefault:"sb://localhost"`
	EventHub     string        `env:"BROKER_EVENT_HUB" envDefault:"orders"`
	TokenSecret  string        `env:"BROKER_TOKEN_SECRET" envDefault:"local-development-secret"`
	TokenTTL     time.Duration `env:"BROKER_TOKEN_TTL" envDefault:"1h"`
	PollInterval time.Duration `env:"BROKER_POLL_INTERVAL" envDefault:"100ms"`
	Retention    time.Duration `env:"BROKER_RETENTION" envDefault:"24h"`
	PingTimeout  time.Duration `env:"BROKER_PING_TIMEOUT" envDefault:"5s"`
}
