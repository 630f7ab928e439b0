package broker

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"hubrecv/internal/eventhub"
	"hubrecv/internal/validator"
)

const (
	tokenIssuer = "hubrecv-broker"
	rightsClaim = "rights"
)

// TokenProvider issues and verifies HMAC signed tokens for broker resources.
type TokenProvider struct {
	secret []byte
	ttl    time.Duration
	clock  eventhub.Clock
}

var _ eventhub.TokenProvider = (*TokenProvider)(nil)

// NewTokenProvider returns a TokenProvider signing with secret. Issued tokens
// are valid for ttl.
func NewTokenProvider(secret string, ttl time.Duration, clock eventhub.Clock) (*TokenProvider, error) {
	if err := validator.Validate("token provider", secret, ttl, clock); err != nil {
		return nil, fmt.Errorf("failed to validate token provider deps: %w", err)
	}

	return &TokenProvider{
		secret: []byte(secret),
		ttl:    ttl,
		clock:  clock,
	}, nil
}

// GetToken implements eventhub.TokenProvider. The token is issued for
// audience and grants claims on resource.
func (p *TokenProvider) GetToken(_ context.Context, audience, resource string, claims []string) (eventhub.Token, error) {
	// numeric dates are signed with second precision
	now := p.clock.Now().Truncate(time.Second)
	expiresAt := now.Add(p.ttl)

	tok, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(resource).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(expiresAt).
		Claim(rightsClaim, claims).
		Build()
	if err != nil {
		return eventhub.Token{}, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, p.secret))
	if err != nil {
		return eventhub.Token{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return eventhub.Token{
		Value:     string(signed),
		ExpiresAt: expiresAt,
	}, nil
}

// Verify checks value is a valid token for audience granting right, and
// returns its expiry.
func (p *TokenProvider) Verify(value, audience, right string) (time.Time, error) {
	tok, err := jwt.Parse([]byte(value),
		jwt.WithKey(jwa.HS256, p.secret),
		jwt.WithValidate(true),
		jwt.WithClock(p.clock),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to verify token: %w", err)
	}

	raw, _ := tok.Get(rightsClaim)
	if !slices.Contains(rights(raw), right) {
		return time.Time{}, fmt.Errorf("token for %s does not grant %s", audience, right)
	}

	return tok.Expiration(), nil
}

// rights reads the rights claim, which decodes as []any after a round trip.
func rights(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, r := range t {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
