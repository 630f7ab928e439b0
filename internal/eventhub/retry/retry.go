// Package retry implements an exponential eventhub.RetryPolicy keeping one
// backoff sequence per client identity.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"hubrecv/internal/eventhub"
)

// Config holds the backoff parameters of the policy.
type Config struct {
	MinInterval         time.Duration `env:"RETRY_MIN_INTERVAL" envDefault:"100ms"`
	MaxInterval         time.Duration `env:"RETRY_MAX_INTERVAL" envDefault:"30s"`
	Multiplier          float64       `env:"RETRY_MULTIPLIER" envDefault:"2"`
	RandomizationFactor float64       `env:"RETRY_RANDOMIZATION_FACTOR" envDefault:"0.2"`
	MaxRetries          int           `env:"RETRY_MAX_RETRIES" envDefault:"10"`
}

// DefaultConfig mirrors the env defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:         100 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		MaxRetries:          10,
	}
}

// Retryable reports whether err is worth another attempt.
type Retryable func(err error) bool

// RetryableKinds retries errors classified as one of kinds.
func RetryableKinds(kinds ...error) Retryable {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, eventhub.ErrClosed) {
			return false
		}
		for _, k := range kinds {
			if errors.Is(err, k) {
				return true
			}
		}
		return false
	}
}

// DefaultRetryable retries transient receive failures, timeouts, terminal
// link faults (the link is recreated) and link creation failures.
var DefaultRetryable = RetryableKinds(
	eventhub.ErrTransientReceive,
	eventhub.ErrTimeout,
	eventhub.ErrTerminalLinkFault,
	eventhub.ErrLinkCreation,
)

type state struct {
	retries int
	backoff *backoff.ExponentialBackOff
}

// Exponential is an eventhub.RetryPolicy with exponentially growing
// intervals. It gives up after MaxRetries consecutive failures, on errors
// that are not retryable, and when the next interval does not fit in the
// remaining time.
type Exponential struct {
	cfg       Config
	retryable Retryable

	mu      sync.Mutex
	clients map[string]*state
}

var _ eventhub.RetryPolicy = (*Exponential)(nil)

// NewExponential returns an Exponential policy. A nil retryable uses
// DefaultRetryable.
func NewExponential(cfg Config, retryable Retryable) *Exponential {
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return &Exponential{
		cfg:       cfg,
		retryable: retryable,
		clients:   make(map[string]*state),
	}
}

// OnSuccess resets the backoff sequence of clientID.
func (p *Exponential) OnSuccess(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.clients, clientID)
}

// OnFailure counts a failure for clientID.
func (p *Exponential) OnFailure(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stateFor(clientID).retries++
}

// NextInterval implements eventhub.RetryPolicy.
func (p *Exponential) NextInterval(clientID string, err error, remaining time.Duration) (time.Duration, bool) {
	if !p.retryable(err) {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stateFor(clientID)
	if p.cfg.MaxRetries > 0 && s.retries > p.cfg.MaxRetries {
		return 0, false
	}

	interval := s.backoff.NextBackOff()
	if interval == backoff.Stop || interval >= remaining {
		return 0, false
	}

	return interval, true
}

// Retries returns the number of failures counted for clientID since its
// last success.
func (p *Exponential) Retries(clientID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.clients[clientID]; ok {
		return s.retries
	}
	return 0
}

// stateFor must be called with mu held.
func (p *Exponential) stateFor(clientID string) *state {
	s, ok := p.clients[clientID]
	if ok {
		return s
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.MinInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = p.cfg.RandomizationFactor
	b.Reset()

	s = &state{backoff: b}
	p.clients[clientID] = s
	return s
}
